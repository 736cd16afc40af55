package diskcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Entry is one deployment's artifact on local disk.
type Entry struct {
	DeploymentID string    `json:"deploymentId"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastAccess   time.Time `json:"lastAccess"`
}

// Ledger persists cache entries across restarts.
type Ledger interface {
	Load() ([]Entry, error)
	Put(e Entry) error
	Delete(deploymentID string) error
	Close() error
}

const entryPrefix = "cache:"

// BadgerLedger stores entries in an embedded Badger database.
type BadgerLedger struct {
	db *badger.DB
}

// OpenBadgerLedger opens or creates the ledger at path.
func OpenBadgerLedger(path string) (*BadgerLedger, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache ledger: %w", err)
	}
	return &BadgerLedger{db: db}, nil
}

func entryKey(id string) []byte {
	return []byte(entryPrefix + id)
}

func (l *BadgerLedger) Load() ([]Entry, error) {
	var out []Entry
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(entryPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &e)
			}); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load cache ledger: %w", err)
	}
	return out, nil
}

func (l *BadgerLedger) Put(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e.DeploymentID), data)
	})
}

func (l *BadgerLedger) Delete(deploymentID string) error {
	err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(deploymentID))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (l *BadgerLedger) Close() error {
	return l.db.Close()
}

type nopLedger struct{}

func (nopLedger) Load() ([]Entry, error) { return nil, nil }
func (nopLedger) Put(Entry) error        { return nil }
func (nopLedger) Delete(string) error    { return nil }
func (nopLedger) Close() error           { return nil }
