package redolog

import (
	"context"
	"time"
)

// Nop is a Recorder that records nothing. Used for read-only transactions
// and replay-driven transactions, which must not re-log themselves.
type Nop struct{}

func (Nop) Start(time.Time)              {}
func (Nop) SetChangeID(int)              {}
func (Nop) Log(context.Context) error    { return nil }
func (Nop) Commit(context.Context) error { return nil }
func (Nop) Abort(context.Context) error  { return nil }

var _ Recorder = Nop{}

// NopLog is a Log that records nothing and replays nothing. Used when no
// durable redo log is configured.
type NopLog struct{}

func (NopLog) Open(context.Context) error                      { return nil }
func (NopLog) Close(context.Context) error                     { return nil }
func (NopLog) Begin(int, string, []byte) Recorder              { return Nop{} }
func (NopLog) Replay(context.Context, func(Entry) error) error { return nil }
func (NopLog) Truncate(context.Context, uint64) error          { return nil }

var _ Log = NopLog{}
