package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/drvkit/drvkit-go/pkg/recovery"
)

// Keys and key prefixes.
var (
	metaKey        = []byte("meta")
	modulesKey     = []byte("modules")
	patternPrefix  = []byte("pattern:")
	isolatedPrefix = []byte("isolated:")
)

type stateHeader struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
}

// BadgerStore persists State in a Badger database, one key per pattern and
// isolated device.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)
	return openBadger(opts)
}

// NewMemoryBadgerStore opens an in-memory database.
func NewMemoryBadgerStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func patternKey(k recovery.PatternKey) []byte {
	return append(bytes.Clone(patternPrefix), k.String()...)
}

func isolatedKey(id string) []byte {
	return append(bytes.Clone(isolatedPrefix), id...)
}

// Save replaces the stored state in one transaction.
func (s *BadgerStore) Save(_ context.Context, state *State) error {
	stamp(state)
	return s.db.Update(func(txn *badger.Txn) error {
		for _, prefix := range [][]byte{patternPrefix, isolatedPrefix} {
			if err := deletePrefix(txn, prefix); err != nil {
				return err
			}
		}

		if err := setJSON(txn, metaKey, stateHeader{Version: state.Version, SavedAt: state.SavedAt}); err != nil {
			return err
		}
		for _, p := range state.Patterns {
			if err := setJSON(txn, patternKey(p.Key), p); err != nil {
				return err
			}
		}
		for _, d := range state.Isolated {
			if err := setJSON(txn, isolatedKey(d.DeviceID), d); err != nil {
				return err
			}
		}
		return setJSON(txn, modulesKey, state.ActiveModules)
	})
}

// Load reads the stored state. Returns nil, nil when nothing was saved.
func (s *BadgerStore) Load(_ context.Context) (*State, error) {
	var state *State
	err := s.db.View(func(txn *badger.Txn) error {
		var hdr stateHeader
		if err := getJSON(txn, metaKey, &hdr); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		state = &State{Version: hdr.Version, SavedAt: hdr.SavedAt}

		if err := scanPrefix(txn, patternPrefix, func(v []byte) error {
			var p recovery.Pattern
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			state.Patterns = append(state.Patterns, p)
			return nil
		}); err != nil {
			return err
		}
		if err := scanPrefix(txn, isolatedPrefix, func(v []byte) error {
			var d IsolatedDevice
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			state.Isolated = append(state.Isolated, d)
			return nil
		}); err != nil {
			return err
		}
		err := getJSON(txn, modulesKey, &state.ActiveModules)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Clear drops all stored state.
func (s *BadgerStore) Clear(_ context.Context) error {
	return s.db.DropAll()
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(b []byte) error {
		return json.Unmarshal(b, v)
	})
}

func scanPrefix(txn *badger.Txn, prefix []byte, fn func([]byte) error) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 16})
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

func deletePrefix(txn *badger.Txn, prefix []byte) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

var _ Store = (*BadgerStore)(nil)
