package mailstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rbaliyan/mailstore/content"
)

// DeliveryRequest describes one message fanned out to local recipients.
type DeliveryRequest struct {
	// Sender is the originating address, recorded on every copy.
	Sender string

	// SenderAccountID, when set, files a copy in that account's Sent
	// folder after at least one recipient delivery succeeds.
	SenderAccountID string

	// Recipients lists delivery addresses. Duplicates are collapsed.
	Recipients []string

	Subject string

	// ContentType selects the text extractor for indexing. Defaults to
	// text/plain.
	ContentType string

	// Content is the raw message body. Empty means a metadata-only item.
	Content []byte

	// Date defaults to the delivery time.
	Date time.Time

	Metadata map[string]any
}

// DeliveredCopy identifies one recipient copy created by a delivery.
type DeliveredCopy struct {
	Address   string
	MailboxID int
	ItemID    int
}

// DeliveryResult reports the outcome of a delivery fan-out.
type DeliveryResult struct {
	// Delivered lists the recipient copies created, in delivery order.
	Delivered []DeliveredCopy

	// Failed maps each failed address to its error.
	Failed map[string]error

	// SenderItem is the Sent-folder copy, when one was requested.
	SenderItem *Item
}

// PartialDeliveryError is returned when some, but not all, recipients
// received their copy. The created copies are not rolled back.
type PartialDeliveryError struct {
	Delivered []DeliveredCopy
	Failed    map[string]error
}

func (e *PartialDeliveryError) Error() string {
	return fmt.Sprintf("mailstore: delivery failed for %d of %d recipients",
		len(e.Failed), len(e.Failed)+len(e.Delivered))
}

// Deliver fans one message out to local recipients: each address is
// resolved to an account and a copy is committed to that account's
// Inbox in its own mailbox transaction. Delivery is best-effort per
// recipient; a failure on one mailbox does not roll back copies already
// committed elsewhere. On partial failure the result carries both lists
// and the error is a *PartialDeliveryError.
func (mgr *Manager) Deliver(ctx context.Context, req *DeliveryRequest) (*DeliveryResult, error) {
	if !mgr.IsStarted() {
		return nil, ErrNotStarted
	}
	if mgr.opts.resolver == nil {
		return nil, ErrResolverNotConfigured
	}
	recipients := dedupeAddresses(req.Recipients)
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if err := validateSubject(req.Subject); err != nil {
		return nil, err
	}
	if err := validateMetadata(req.Metadata); err != nil {
		return nil, err
	}

	var err error
	ctx, end := mgr.otel.startSpan(ctx, "Deliver",
		attribute.String("sender", req.Sender),
		attribute.Int("recipient_count", len(recipients)),
	)
	start := time.Now()
	result := &DeliveryResult{Failed: make(map[string]error)}
	defer func() {
		end(err)
		mgr.otel.recordDelivery(ctx, time.Since(start), len(result.Delivered), len(result.Failed))
	}()

	resolved, rerr := mgr.opts.resolver.ResolveBatch(ctx, recipients)
	if rerr != nil {
		err = fmt.Errorf("mailstore: resolve recipients: %w", rerr)
		return nil, err
	}

	date := req.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}

	for i, addr := range recipients {
		if cerr := ctx.Err(); cerr != nil {
			for _, remaining := range recipients[i:] {
				if _, done := result.Failed[remaining]; !done {
					result.Failed[remaining] = cerr
				}
			}
			break
		}
		rcpt := resolved[i]
		if rcpt == nil {
			result.Failed[addr] = fmt.Errorf("%w: %s", ErrRecipientNotFound, addr)
			continue
		}
		it, derr := mgr.deliverCopy(ctx, rcpt.AccountID, FolderIDInbox, req, date)
		if derr != nil {
			result.Failed[addr] = derr
			continue
		}
		result.Delivered = append(result.Delivered, DeliveredCopy{
			Address:   addr,
			MailboxID: it.MailboxID(),
			ItemID:    it.ID(),
		})

		if perr := mgr.events.MessageDelivered.Publish(ctx, MessageDeliveredEvent{
			MailboxID:   it.MailboxID(),
			ItemID:      it.ID(),
			Sender:      req.Sender,
			Recipient:   addr,
			Subject:     req.Subject,
			DeliveredAt: date,
		}); perr != nil {
			mgr.opts.safeEventPublishFailure("MessageDelivered", perr)
		}
	}

	if len(result.Delivered) == 0 {
		err = fmt.Errorf("mailstore: delivery failed for all %d recipients", len(recipients))
		return result, err
	}

	// The sender copy is filed after fan-out so a sender-side failure
	// never blocks recipient delivery.
	if req.SenderAccountID != "" {
		it, serr := mgr.deliverCopy(ctx, req.SenderAccountID, FolderIDSent, req, date)
		if serr != nil {
			mgr.logger.Warn("failed to file sender copy",
				"error", serr, "account_id", req.SenderAccountID)
		} else {
			result.SenderItem = it
		}
	}

	if len(result.Failed) > 0 {
		err = &PartialDeliveryError{Delivered: result.Delivered, Failed: result.Failed}
		return result, err
	}
	return result, nil
}

// deliverCopy commits one copy of the message into the account's
// mailbox.
func (mgr *Manager) deliverCopy(ctx context.Context, accountID string, folderID int, req *DeliveryRequest, date time.Time) (*Item, error) {
	box, err := mgr.GetByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("mailstore: mailbox for account %q: %w", accountID, err)
	}

	metadata := make(map[string]any, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.Sender != "" {
		metadata[metaSender] = req.Sender
	}
	if req.ContentType != "" {
		metadata[content.MetaContentType] = req.ContentType
	}

	opts := &AddMessageOptions{
		FolderID: folderID,
		Subject:  req.Subject,
		Date:     date,
		Metadata: metadata,
	}
	if len(req.Content) > 0 {
		opts.Content = bytes.NewReader(req.Content)
	}
	return box.AddMessage(ctx, nil, opts)
}

// dedupeAddresses collapses duplicate addresses, keeping first-seen
// order.
func dedupeAddresses(addresses []string) []string {
	seen := make(map[string]bool, len(addresses))
	unique := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		unique = append(unique, a)
	}
	return unique
}
