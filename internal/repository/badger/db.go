package badger

import (
	"errors"
	"fmt"
	"log/slog"

	badgerdb "github.com/dgraph-io/badger/v4"
)

// Options configures the badger database holding ephemeral run state.
type Options struct {
	// Dir is the directory for data files. Empty runs in memory.
	Dir    string
	Logger *slog.Logger
}

// DB wraps a badger database shared by the pending queue and agent histories.
type DB struct {
	db     *badgerdb.DB
	logger *slog.Logger
}

// Open opens (or creates) the database.
func Open(opts Options) (*DB, error) {
	dbOpts := badgerdb.DefaultOptions(opts.Dir)
	if opts.Dir == "" {
		dbOpts = dbOpts.WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(slogAdapter{logger: opts.Logger})

	db, err := badgerdb.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &DB{db: db, logger: opts.Logger}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// deletePrefix removes every key under prefix in one write batch
func (d *DB) deletePrefix(prefix []byte, match func(key []byte) bool) (int, error) {
	var keys [][]byte
	err := d.db.View(func(txn *badgerdb.Txn) error {
		iterOpts := badgerdb.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if match == nil || match(key) {
				keys = append(keys, key)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	wb := d.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, badgerdb.ErrKeyNotFound)
}

// slogAdapter routes badger's logger into slog. Info is demoted to debug,
// badger's debug output is dropped.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Errorf(f string, v ...interface{}) {
	if a.logger != nil {
		a.logger.Error(fmt.Sprintf(f, v...), "component", "badger")
	}
}

func (a slogAdapter) Warningf(f string, v ...interface{}) {
	if a.logger != nil {
		a.logger.Warn(fmt.Sprintf(f, v...), "component", "badger")
	}
}

func (a slogAdapter) Infof(f string, v ...interface{}) {
	if a.logger != nil {
		a.logger.Debug(fmt.Sprintf(f, v...), "component", "badger")
	}
}

func (slogAdapter) Debugf(string, ...interface{}) {}
