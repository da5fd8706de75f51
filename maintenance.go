package mailstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaintenanceHandle is the capability returned by BeginMaintenance. Only
// its holder can lift the maintenance state again; the token guards
// against a stale operator ending someone else's window.
type MaintenanceHandle struct {
	mailboxID int
	token     string
	since     time.Time
}

// MailboxID returns the mailbox under maintenance.
func (h *MaintenanceHandle) MailboxID() int { return h.mailboxID }

// Token returns the opaque maintenance token.
func (h *MaintenanceHandle) Token() string { return h.token }

// Since returns when the maintenance window opened.
func (h *MaintenanceHandle) Since() time.Time { return h.since }

// BeginMaintenance drains in-flight transactions and puts the mailbox in
// maintenance: every subsequent BeginTransaction fails with a
// MaintenanceError until EndMaintenance. Used for backup, migration, and
// deletion.
func (m *Mailbox) BeginMaintenance(ctx context.Context) (*MaintenanceHandle, error) {
	// Taking the mailbox lock waits out the transaction in flight, if
	// any; new ones are turned away by the flag before they reach the
	// store.
	if err := m.lock.Lock(ctx); err != nil {
		return nil, fmt.Errorf("mailstore: acquire mailbox %d lock: %w", m.id, err)
	}
	defer m.lock.Unlock()

	m.maintMu.Lock()
	defer m.maintMu.Unlock()
	if m.maint != nil {
		return nil, &MaintenanceError{MailboxID: m.id, Since: m.maint.since}
	}
	h := &MaintenanceHandle{
		mailboxID: m.id,
		token:     uuid.NewString(),
		since:     time.Now(),
	}
	m.maint = h

	m.logger.Info("maintenance started", "mailbox_id", m.id)
	m.mgr.publishMaintenance(MaintenanceEvent{MailboxID: m.id, Active: true, At: h.since})
	return h, nil
}

// EndMaintenance lifts the maintenance state. The handle must be the one
// BeginMaintenance returned; anything else fails with
// ErrMaintenanceTokenInvalid.
func (m *Mailbox) EndMaintenance(h *MaintenanceHandle) error {
	m.maintMu.Lock()
	if m.maint == nil || h == nil || m.maint.token != h.token {
		m.maintMu.Unlock()
		return fmt.Errorf("%w: mailbox %d", ErrMaintenanceTokenInvalid, m.id)
	}
	m.maint = nil
	m.maintMu.Unlock()

	m.logger.Info("maintenance ended", "mailbox_id", m.id)
	m.mgr.publishMaintenance(MaintenanceEvent{MailboxID: m.id, Active: false, At: time.Now()})
	return nil
}

// InMaintenance reports whether the mailbox is currently rejecting
// transactions.
func (m *Mailbox) InMaintenance() bool {
	m.maintMu.Lock()
	defer m.maintMu.Unlock()
	return m.maint != nil
}
