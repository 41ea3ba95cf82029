package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cmdgate/cmdgate/storage/model"
)

const (
	logPrefix = "logs:"
	keyHead   = "meta:head"
	keyLastID = "meta:last_id"
)

// Archive is an append-only badger copy of the audit log. Entries are stored
// msgpack encoded under their zero-padded id so iteration follows the chain.
type Archive struct {
	*badger.DB
	Path string
	stop chan struct{}
}

// Open opens the archive at path; an empty path opens an in-memory archive
func Open(path string) (*Archive, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "archive: open failed")
	}
	a := &Archive{
		DB:   db,
		Path: path,
		stop: make(chan struct{}),
	}
	if path != "" {
		go a.gc()
	}
	return a, nil
}

func (a *Archive) gc() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
		again:
			if err := a.RunValueLogGC(0.7); err == nil {
				goto again
			}
		}
	}
}

// Close stops background work and closes the database
func (a *Archive) Close() error {
	close(a.stop)
	return a.DB.Close()
}

func entryKey(id uint) []byte {
	return []byte(fmt.Sprintf("%s%020d", logPrefix, id))
}

func (a *Archive) write(txn *badger.Txn, key []byte, value any) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// read reads the value for key into target
func (a *Archive) read(key string, target any) (bool, error) {
	var found bool
	err := a.View(
		func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			found = true
			return item.Value(
				func(val []byte) error {
					return msgpack.Unmarshal(val, target)
				},
			)
		},
	)
	return found, err
}

// LastID returns the id of the newest archived entry
func (a *Archive) LastID() (uint, error) {
	var id uint
	_, err := a.read(keyLastID, &id)
	return id, errors.Wrap(err, "archive: read last id failed")
}

// Head returns the hash of the newest archived entry
func (a *Archive) Head() (string, error) {
	var head string
	_, err := a.read(keyHead, &head)
	return head, errors.Wrap(err, "archive: read head failed")
}

// ExportStats describes one export run
type ExportStats struct {
	Exported int
	LastID   uint
	Head     string
}

// Export copies every entry newer than the archive's last id from store. The
// archived chain must continue the stored one; a mismatch aborts the export.
func (a *Archive) Export(ctx context.Context, store model.LogStore) (*ExportStats, error) {
	lastID, err := a.LastID()
	if err != nil {
		return nil, err
	}
	head, err := a.Head()
	if err != nil {
		return nil, err
	}
	stats := &ExportStats{LastID: lastID, Head: head}
	wb := a.NewWriteBatch()
	defer wb.Cancel()
	err = store.Iterate(
		ctx, func(e model.LogEntry) error {
			if e.ID <= lastID {
				return nil
			}
			if e.PrevHash != stats.Head {
				return errors.Errorf("archive: entry %d does not continue the archived chain", e.ID)
			}
			data, err := msgpack.Marshal(e)
			if err != nil {
				return err
			}
			if err = wb.Set(entryKey(e.ID), data); err != nil {
				return err
			}
			stats.Exported++
			stats.LastID = e.ID
			stats.Head = e.Hash
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	if err = wb.Flush(); err != nil {
		return nil, errors.Wrap(err, "archive: flush failed")
	}
	if stats.Exported > 0 {
		err = a.Update(
			func(txn *badger.Txn) error {
				if err := a.write(txn, []byte(keyLastID), stats.LastID); err != nil {
					return err
				}
				return a.write(txn, []byte(keyHead), stats.Head)
			},
		)
		if err != nil {
			return nil, errors.Wrap(err, "archive: write meta failed")
		}
	}
	log.WithFields(
		log.Fields{
			"exported": stats.Exported,
			"last_id":  stats.LastID,
		},
	).Info("audit log archived")
	return stats, nil
}

// Iterate calls fn for every archived entry in id order
func (a *Archive) Iterate(fn func(model.LogEntry) error) error {
	return a.View(
		func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			prefix := []byte(logPrefix)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				var e model.LogEntry
				err := it.Item().Value(
					func(v []byte) error {
						return msgpack.Unmarshal(v, &e)
					},
				)
				if err != nil {
					return err
				}
				if err = fn(e); err != nil {
					return err
				}
			}
			return nil
		},
	)
}
