// Package resolver provides AccountResolver implementations.
package resolver

import (
	"context"
	"fmt"

	"github.com/rbaliyan/mailstore"
)

// Static is a map-based AccountResolver for tests and single-node
// deployments. It resolves addresses from an in-memory map and is safe
// for concurrent use (read-only after creation).
type Static struct {
	recipients map[string]*mailstore.Recipient
}

// NewStatic creates a Static resolver from a map of address to
// Recipient. The map is copied to prevent external mutation.
func NewStatic(recipients map[string]*mailstore.Recipient) *Static {
	m := make(map[string]*mailstore.Recipient, len(recipients))
	for k, v := range recipients {
		m[k] = v
	}
	return &Static{recipients: m}
}

// Resolve returns the account for one address.
func (s *Static) Resolve(_ context.Context, address string) (*mailstore.Recipient, error) {
	r, ok := s.recipients[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", mailstore.ErrRecipientNotFound, address)
	}
	return r, nil
}

// ResolveBatch resolves multiple addresses. Unknown addresses have nil
// entries in the returned slice.
func (s *Static) ResolveBatch(_ context.Context, addresses []string) ([]*mailstore.Recipient, error) {
	result := make([]*mailstore.Recipient, len(addresses))
	for i, a := range addresses {
		result[i] = s.recipients[a]
	}
	return result, nil
}
