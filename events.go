package mailstore

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for engine events.
const (
	EventNameChangeCommitted  = "mailstore.change.committed"
	EventNameReindexCompleted = "mailstore.reindex.completed"
	EventNameMaintenance      = "mailstore.maintenance"
	EventNameMessageDelivered = "mailstore.message.delivered"
)

// ChangeCommittedEvent is published after a transaction commits, in
// commit order per mailbox. IDs list the items touched by the change;
// subscribers re-read through the engine for current state.
type ChangeCommittedEvent struct {
	MailboxID   int       `json:"mailbox_id"`
	ChangeID    int       `json:"change_id"`
	Op          string    `json:"op"`
	CreatedIDs  []int     `json:"created_ids,omitempty"`
	ModifiedIDs []int     `json:"modified_ids,omitempty"`
	DeletedIDs  []int     `json:"deleted_ids,omitempty"`
	CommittedAt time.Time `json:"committed_at"`
}

// ReindexCompletedEvent is published when a background re-index job
// finishes, successfully or not.
type ReindexCompletedEvent struct {
	MailboxID   int       `json:"mailbox_id"`
	Full        bool      `json:"full"`
	Processed   int       `json:"processed"`
	Failed      int       `json:"failed"`
	Interrupted bool      `json:"interrupted"`
	CompletedAt time.Time `json:"completed_at"`
}

// MessageDeliveredEvent is published once per recipient copy created by
// a delivery fan-out.
type MessageDeliveredEvent struct {
	MailboxID   int       `json:"mailbox_id"`
	ItemID      int       `json:"item_id"`
	Sender      string    `json:"sender"`
	Recipient   string    `json:"recipient"`
	Subject     string    `json:"subject"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// MaintenanceEvent is published when a maintenance window begins or ends.
type MaintenanceEvent struct {
	MailboxID int       `json:"mailbox_id"`
	Active    bool      `json:"active"`
	At        time.Time `json:"at"`
}

// ServiceEvents provides access to per-manager event instances.
// Each manager creates its own events bound to its own event bus,
// enabling independent event routing and parallel testing.
//
// Subscribe to events:
//
//	mgr.Events().ChangeCommitted.Subscribe(ctx, handler)
//	mgr.Events().ReindexCompleted.Subscribe(ctx, handler)
type ServiceEvents struct {
	// ChangeCommitted is published after each committed transaction.
	ChangeCommitted event.Event[ChangeCommittedEvent]

	// ReindexCompleted is published when a re-index job finishes.
	ReindexCompleted event.Event[ReindexCompletedEvent]

	// Maintenance is published when a maintenance window begins or ends.
	Maintenance event.Event[MaintenanceEvent]

	// MessageDelivered is published per recipient copy during delivery.
	MessageDelivered event.Event[MessageDeliveredEvent]
}

// newServiceEvents creates per-manager event instances with a unique name prefix.
func newServiceEvents(namePrefix string) *ServiceEvents {
	return &ServiceEvents{
		ChangeCommitted:  event.New[ChangeCommittedEvent](namePrefix + "." + EventNameChangeCommitted),
		ReindexCompleted: event.New[ReindexCompletedEvent](namePrefix + "." + EventNameReindexCompleted),
		Maintenance:      event.New[MaintenanceEvent](namePrefix + "." + EventNameMaintenance),
		MessageDelivered: event.New[MessageDeliveredEvent](namePrefix + "." + EventNameMessageDelivered),
	}
}

// registerServiceEvents registers per-manager events with the given bus.
func registerServiceEvents(ctx context.Context, bus *event.Bus, events *ServiceEvents) error {
	if err := event.Register(ctx, bus, events.ChangeCommitted); err != nil {
		return fmt.Errorf("register ChangeCommitted: %w", err)
	}
	if err := event.Register(ctx, bus, events.ReindexCompleted); err != nil {
		return fmt.Errorf("register ReindexCompleted: %w", err)
	}
	if err := event.Register(ctx, bus, events.Maintenance); err != nil {
		return fmt.Errorf("register Maintenance: %w", err)
	}
	if err := event.Register(ctx, bus, events.MessageDelivered); err != nil {
		return fmt.Errorf("register MessageDelivered: %w", err)
	}
	return nil
}
