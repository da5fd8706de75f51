// Package redolog defines the write-ahead redo log consumed by the
// transaction engine, plus a no-op recorder for transactions that do not
// need durability logging. The badger-backed durable implementation is in
// redolog/badger.
//
// The ordering contract is strict: an intent record is written before the
// store commit, and the commit marker only after the store commit succeeds.
// Recovery therefore treats an intent without a commit marker as a change
// that may or may not be durable in the store — it is replayed, and replay
// must be idempotent. An intent with an abort marker is skipped.
package redolog

import (
	"context"
	"time"
)

// Status of a logged transaction as seen by replay.
type Status int

const (
	// StatusIntent means the intent record exists but no outcome marker
	// does: the process died between intent and outcome.
	StatusIntent Status = iota
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusIntent:
		return "intent"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	}
	return "unknown"
}

// Entry is one replayable transaction record. The payload is opaque to the
// log; the engine interprets it during playback.
type Entry struct {
	TxnID     uint64
	MailboxID int
	Op        string
	ChangeID  int
	Timestamp time.Time
	Status    Status
	Payload   []byte
}

// Recorder records one transaction's intent and outcome. Lifecycle:
// Start, then Log once, then exactly one of Commit or Abort.
type Recorder interface {
	// Start stamps the operation timestamp. Called inside begin, before
	// any store work.
	Start(ts time.Time)

	// SetChangeID attaches the transaction's change-sequence, assigned
	// after the recorder is created.
	SetChangeID(changeID int)

	// Log writes the intent record durably.
	Log(ctx context.Context) error

	// Commit writes the commit marker. Only called after the store commit
	// succeeded.
	Commit(ctx context.Context) error

	// Abort writes the abort marker for an intent that was rolled back.
	// A no-op if Log was never called.
	Abort(ctx context.Context) error
}

// Log produces recorders and supports crash-recovery replay.
type Log interface {
	// Open prepares the log for use.
	Open(ctx context.Context) error

	// Close flushes and releases the log.
	Close(ctx context.Context) error

	// Begin creates a recorder for one transaction. The payload captures
	// the operation's parameters for playback.
	Begin(mailboxID int, op string, payload []byte) Recorder

	// Replay walks entries in transaction order and calls fn for each
	// committed or intent-only entry. Aborted entries are skipped.
	// Stops early if fn returns an error.
	Replay(ctx context.Context, fn func(Entry) error) error

	// Truncate discards entries at or below the given transaction id,
	// typically after a checkpoint.
	Truncate(ctx context.Context, upTo uint64) error
}
