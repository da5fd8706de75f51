package badger

import (
	"context"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/rbaliyan/mailstore/redolog"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := badgerdb.Open(badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("badger.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	l := New(db)
	if err := l.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close(context.Background()) })
	return l
}

func logTxn(t *testing.T, l *Log, op string, changeID int, outcome func(redolog.Recorder) error) {
	t.Helper()
	ctx := context.Background()
	rec := l.Begin(1, op, []byte(op+"-payload"))
	rec.Start(time.Now())
	rec.SetChangeID(changeID)
	if err := rec.Log(ctx); err != nil {
		t.Fatalf("Log(%s): %v", op, err)
	}
	if outcome != nil {
		if err := outcome(rec); err != nil {
			t.Fatalf("outcome(%s): %v", op, err)
		}
	}
}

func replayAll(t *testing.T, l *Log) []redolog.Entry {
	t.Helper()
	var entries []redolog.Entry
	err := l.Replay(context.Background(), func(e redolog.Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return entries
}

func TestReplayStatuses(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	logTxn(t, l, "create-folder", 10, func(r redolog.Recorder) error { return r.Commit(ctx) })
	logTxn(t, l, "add-message", 11, func(r redolog.Recorder) error { return r.Abort(ctx) })
	logTxn(t, l, "move-item", 12, nil) // crash between intent and outcome

	entries := replayAll(t, l)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (aborted skipped)", len(entries))
	}
	if entries[0].Op != "create-folder" || entries[0].Status != redolog.StatusCommitted {
		t.Errorf("entry 0 = %s/%s", entries[0].Op, entries[0].Status)
	}
	if entries[1].Op != "move-item" || entries[1].Status != redolog.StatusIntent {
		t.Errorf("entry 1 = %s/%s", entries[1].Op, entries[1].Status)
	}
	if entries[0].ChangeID != 10 || string(entries[0].Payload) != "create-folder-payload" {
		t.Errorf("entry 0 fields: change %d payload %q", entries[0].ChangeID, entries[0].Payload)
	}
}

func TestReplayOrder(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	ops := []string{"a", "b", "c", "d"}
	for i, op := range ops {
		logTxn(t, l, op, i+1, func(r redolog.Recorder) error { return r.Commit(ctx) })
	}

	entries := replayAll(t, l)
	if len(entries) != len(ops) {
		t.Fatalf("got %d entries, want %d", len(entries), len(ops))
	}
	var last uint64
	for i, e := range entries {
		if e.Op != ops[i] {
			t.Errorf("entry %d op = %q, want %q", i, e.Op, ops[i])
		}
		if i > 0 && e.TxnID <= last {
			t.Errorf("txn ids not increasing: %d after %d", e.TxnID, last)
		}
		last = e.TxnID
	}
}

func TestAbortWithoutLogIsNoop(t *testing.T) {
	l := newTestLog(t)
	rec := l.Begin(1, "noop", nil)
	rec.Start(time.Now())
	if err := rec.Abort(context.Background()); err != nil {
		t.Fatalf("Abort before Log: %v", err)
	}
	if entries := replayAll(t, l); len(entries) != 0 {
		t.Errorf("got %d entries after abort-without-log", len(entries))
	}
}

func TestTruncate(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	for _, op := range []string{"a", "b", "c"} {
		logTxn(t, l, op, 1, func(r redolog.Recorder) error { return r.Commit(ctx) })
	}
	entries := replayAll(t, l)
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	if err := l.Truncate(ctx, entries[1].TxnID); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	remaining := replayAll(t, l)
	if len(remaining) != 1 || remaining[0].Op != "c" {
		t.Errorf("after truncate: %d entries remain", len(remaining))
	}
}

func TestClosedLog(t *testing.T) {
	db, err := badgerdb.Open(badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("badger.Open: %v", err)
	}
	defer db.Close()

	l := New(db)
	if err := l.Replay(context.Background(), nil); err != ErrClosed {
		t.Errorf("Replay before Open: got %v, want ErrClosed", err)
	}
}
