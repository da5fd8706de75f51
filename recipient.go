package mailstore

import "context"

// Recipient is a delivery address resolved to a mailbox account.
type Recipient struct {
	// Address is the delivery address as given by the sender.
	Address string
	// AccountID identifies the account whose mailbox receives the copy.
	AccountID string
	// Name is the display name, when the directory knows one.
	Name string
}

// AccountResolver maps delivery addresses to mailbox accounts. The
// engine stays directory-agnostic: deployments back this with LDAP, a
// user table or a static map. Implementations must be safe for
// concurrent use.
type AccountResolver interface {
	// Resolve returns the account for one address. Returns
	// ErrRecipientNotFound when the address is unknown.
	Resolve(ctx context.Context, address string) (*Recipient, error)

	// ResolveBatch resolves multiple addresses. Results keep input
	// order; unknown addresses have nil entries.
	ResolveBatch(ctx context.Context, addresses []string) ([]*Recipient, error)
}
