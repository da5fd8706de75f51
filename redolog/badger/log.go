// Package badger provides a durable redolog.Log backed by a badger
// key-value store.
//
// Layout: every transaction writes an intent record under an
// 8-byte big-endian transaction id, and its outcome as a separate marker
// key. Both are append-only; big-endian ids make key order equal
// transaction order, so replay is a single prefix scan.
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/rbaliyan/mailstore/redolog"
)

var (
	intentPrefix = []byte("redo/intent/")
	markPrefix   = []byte("redo/mark/")
	seqKey       = []byte("redo/seq")
)

// ErrClosed is returned when the log is used before Open or after Close.
var ErrClosed = errors.New("redolog: log not open")

// Log implements redolog.Log on a badger database. The database handle is
// injected; its durability settings (SyncWrites in particular) are the
// caller's choice.
type Log struct {
	db   *badger.DB
	seq  *badger.Sequence
	open int32
}

// New creates a Log on the given database.
func New(db *badger.DB) *Log {
	return &Log{db: db}
}

// Open claims the transaction-id sequence.
func (l *Log) Open(_ context.Context) error {
	seq, err := l.db.GetSequence(seqKey, 128)
	if err != nil {
		return err
	}
	l.seq = seq
	atomic.StoreInt32(&l.open, 1)
	return nil
}

// Close releases the sequence. The database itself stays open.
func (l *Log) Close(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&l.open, 1, 0) {
		return nil
	}
	return l.seq.Release()
}

func (l *Log) isOpen() bool {
	return atomic.LoadInt32(&l.open) == 1
}

// Begin creates a recorder for one transaction.
func (l *Log) Begin(mailboxID int, op string, payload []byte) redolog.Recorder {
	return &recorder{
		log: l,
		entry: record{
			MailboxID: mailboxID,
			Op:        op,
			Payload:   payload,
		},
	}
}

// record is the JSON shape stored under the intent key.
type record struct {
	TxnID     uint64    `json:"txn_id"`
	MailboxID int       `json:"mailbox_id"`
	Op        string    `json:"op"`
	ChangeID  int       `json:"change_id"`
	Timestamp time.Time `json:"ts"`
	Payload   []byte    `json:"payload,omitempty"`
}

func txnKey(prefix []byte, id uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

// Replay walks intents in transaction order, resolving each against its
// outcome marker. Aborted transactions are skipped; committed and
// intent-only ones are handed to fn.
func (l *Log) Replay(_ context.Context, fn func(redolog.Entry) error) error {
	if !l.isOpen() {
		return ErrClosed
	}
	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = intentPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}

			status := redolog.StatusIntent
			markItem, err := txn.Get(txnKey(markPrefix, rec.TxnID))
			if err == nil {
				err = markItem.Value(func(val []byte) error {
					if len(val) == 1 {
						status = redolog.Status(val[0])
					}
					return nil
				})
				if err != nil {
					return err
				}
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if status == redolog.StatusAborted {
				continue
			}

			entry := redolog.Entry{
				TxnID:     rec.TxnID,
				MailboxID: rec.MailboxID,
				Op:        rec.Op,
				ChangeID:  rec.ChangeID,
				Timestamp: rec.Timestamp,
				Status:    status,
				Payload:   rec.Payload,
			}
			if err := fn(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// Truncate deletes intent and marker records at or below upTo.
func (l *Log) Truncate(_ context.Context, upTo uint64) error {
	if !l.isOpen() {
		return ErrClosed
	}

	var keys [][]byte
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = intentPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			id := binary.BigEndian.Uint64(key[len(intentPrefix):])
			if id > upTo {
				break
			}
			keys = append(keys, key, txnKey(markPrefix, id))
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Compile-time check that Log implements redolog.Log.
var _ redolog.Log = (*Log)(nil)
