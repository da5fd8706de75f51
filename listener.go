package mailstore

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ChangeNotification describes one committed transaction. All entities
// are detached snapshots; listeners may retain them freely.
type ChangeNotification struct {
	MailboxID int
	ChangeID  int
	Op        string
	Timestamp time.Time

	// Created and Modified hold snapshots of non-structural items.
	Created  []*Item
	Modified []*Item

	// DeletedIDs lists removed item ids of any type.
	DeletedIDs []int

	// Folders is a snapshot of the full folder tree, present only when
	// the change touched a folder. Tags lists changed tags.
	Folders map[int]*Folder
	Tags    []*Tag
}

// Listener observes committed changes on one mailbox. Notify is called
// in commit order while the mailbox lock is still held, so callbacks
// must return quickly; slow consumers should subscribe to the event bus
// instead.
type Listener interface {
	// Name identifies the listener for removal and logging.
	Name() string

	// Notify delivers one committed change set.
	Notify(ctx context.Context, n *ChangeNotification)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc struct {
	ListenerName string
	Fn           func(ctx context.Context, n *ChangeNotification)
}

func (l ListenerFunc) Name() string { return l.ListenerName }

func (l ListenerFunc) Notify(ctx context.Context, n *ChangeNotification) {
	l.Fn(ctx, n)
}

// listenerRegistry holds registered listeners for one mailbox.
type listenerRegistry struct {
	mu     sync.RWMutex
	all    []Listener
	logger *slog.Logger
}

func newListenerRegistry(logger *slog.Logger) *listenerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &listenerRegistry{logger: logger}
}

// register adds a listener. A listener with the same name replaces the
// previous registration.
func (r *listenerRegistry) register(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.all {
		if existing.Name() == l.Name() {
			r.all[i] = l
			return
		}
	}
	r.all = append(r.all, l)
}

// unregister removes the named listener, reporting whether it was found.
func (r *listenerRegistry) unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.all {
		if l.Name() == name {
			r.all = append(r.all[:i], r.all[i+1:]...)
			return true
		}
	}
	return false
}

// active reports whether any listener is attached. Drives the item cache
// trim target: warm caches pay off when listeners keep reading.
func (r *listenerRegistry) active() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all) > 0
}

// notifyAll delivers a change set to every listener, recovering from
// panics so one bad listener cannot poison the commit path.
func (r *listenerRegistry) notifyAll(ctx context.Context, n *ChangeNotification) {
	r.mu.RLock()
	listeners := append([]Listener(nil), r.all...)
	r.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("panic in change listener",
						"listener", l.Name(),
						"mailbox_id", n.MailboxID,
						"change_id", n.ChangeID,
						"panic", rec,
					)
				}
			}()
			l.Notify(ctx, n)
		}()
	}
}
