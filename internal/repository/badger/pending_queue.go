package badger

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
	"raven/internal/domain/models/llm"
	llmRepo "raven/internal/domain/repositories/llm"
)

const pendingSequenceKey = "seq/pending"

// PendingQueue implements PendingQueue with one badger key per request:
// pending/{key}/{seq}. The global sequence keeps keys in arrival order.
type PendingQueue struct {
	db  *DB
	seq *badgerdb.Sequence
	ttl time.Duration
}

// NewPendingQueue creates a pending queue. A zero ttl keeps entries until cleared.
func NewPendingQueue(db *DB, ttl time.Duration) (*PendingQueue, error) {
	seq, err := db.db.GetSequence([]byte(pendingSequenceKey), 128)
	if err != nil {
		return nil, fmt.Errorf("pending sequence: %w", err)
	}
	return &PendingQueue{db: db, seq: seq, ttl: ttl}, nil
}

var _ llmRepo.PendingQueue = (*PendingQueue)(nil)

func pendingPrefix(key string) []byte {
	return []byte("pending/" + key + "/")
}

// Append adds a request at the tail of the queue
func (q *PendingQueue) Append(ctx context.Context, key string, req llm.PendingRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := msgpack.Marshal(&req)
	if err != nil {
		return fmt.Errorf("encode pending request: %w", err)
	}

	n, err := q.seq.Next()
	if err != nil {
		return fmt.Errorf("next pending sequence: %w", err)
	}
	k := append(pendingPrefix(key), []byte(fmt.Sprintf("%020d", n))...)

	return q.db.db.Update(func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry(k, value)
		if q.ttl > 0 {
			entry = entry.WithTTL(q.ttl)
		}
		return txn.SetEntry(entry)
	})
}

// List returns queued requests in arrival order
func (q *PendingQueue) List(ctx context.Context, key string) ([]llm.PendingRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := pendingPrefix(key)
	requests := []llm.PendingRequest{}
	err := q.db.db.View(func(txn *badgerdb.Txn) error {
		iterOpts := badgerdb.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var req llm.PendingRequest
			if err := msgpack.Unmarshal(value, &req); err != nil {
				return fmt.Errorf("decode pending request %s: %w", it.Item().Key(), err)
			}
			requests = append(requests, req)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	return requests, nil
}

// Clear drops the queue
func (q *PendingQueue) Clear(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := q.db.deletePrefix(pendingPrefix(key), nil); err != nil {
		return fmt.Errorf("clear pending requests: %w", err)
	}
	return nil
}

// Close returns unused sequence leases.
func (q *PendingQueue) Close() error {
	return q.seq.Release()
}
