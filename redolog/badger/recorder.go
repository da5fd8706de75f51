package badger

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/rbaliyan/mailstore/redolog"
)

// recorder writes one transaction's intent and outcome records.
type recorder struct {
	log    *Log
	entry  record
	logged bool
}

func (r *recorder) Start(ts time.Time) {
	r.entry.Timestamp = ts.UTC()
}

func (r *recorder) SetChangeID(changeID int) {
	r.entry.ChangeID = changeID
}

// Log allocates the transaction id and writes the intent record.
func (r *recorder) Log(_ context.Context) error {
	if !r.log.isOpen() {
		return ErrClosed
	}
	id, err := r.log.seq.Next()
	if err != nil {
		return err
	}
	r.entry.TxnID = id

	value, err := json.Marshal(r.entry)
	if err != nil {
		return err
	}
	err = r.log.db.Update(func(txn *badger.Txn) error {
		return txn.Set(txnKey(intentPrefix, id), value)
	})
	if err != nil {
		return err
	}
	r.logged = true
	return nil
}

func (r *recorder) Commit(ctx context.Context) error {
	return r.mark(ctx, redolog.StatusCommitted)
}

// Abort writes the abort marker. A no-op if the intent was never logged.
func (r *recorder) Abort(ctx context.Context) error {
	if !r.logged {
		return nil
	}
	return r.mark(ctx, redolog.StatusAborted)
}

func (r *recorder) mark(_ context.Context, status redolog.Status) error {
	if !r.log.isOpen() {
		return ErrClosed
	}
	return r.log.db.Update(func(txn *badger.Txn) error {
		return txn.Set(txnKey(markPrefix, r.entry.TxnID), []byte{byte(status)})
	})
}

var _ redolog.Recorder = (*recorder)(nil)
