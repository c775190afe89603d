package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

var (
	badgerPrimaryKey = []byte("supervisor:state")
	badgerBackupKey  = []byte("supervisor:state:backup")
)

// BadgerPersister keeps the snapshot in an embedded badger database.
type BadgerPersister struct {
	db *badger.DB
}

// OpenBadgerPersister opens (or creates) the database in dir.
func OpenBadgerPersister(dir string) (*BadgerPersister, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger state store: %w", err)
	}
	return &BadgerPersister{db: db}, nil
}

// NewBadgerPersister wraps an already open database.
func NewBadgerPersister(db *badger.DB) *BadgerPersister {
	return &BadgerPersister{db: db}
}

// Load reads the primary key, falling back to the backup key.
func (p *BadgerPersister) Load(_ context.Context) (*SupervisorState, error) {
	var primary, backup []byte
	err := p.db.View(func(txn *badger.Txn) error {
		var err error
		if primary, err = getValue(txn, badgerPrimaryKey); err != nil {
			return err
		}
		backup, err = getValue(txn, badgerBackupKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	if primary == nil && backup == nil {
		return nil, ErrStateNotFound
	}

	var decodeErr error
	for _, data := range [][]byte{primary, backup} {
		if data == nil {
			continue
		}
		st, err := decodeState(data)
		if err == nil {
			return st, nil
		}
		if decodeErr == nil {
			decodeErr = err
		}
	}
	// Every stored copy failed to decode.
	return nil, fmt.Errorf("load state: %w", decodeErr)
}

// Save rotates the previous primary value into the backup key and writes the
// new snapshot, in one transaction.
func (p *BadgerPersister) Save(_ context.Context, st *SupervisorState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return p.db.Update(func(txn *badger.Txn) error {
		prev, err := getValue(txn, badgerPrimaryKey)
		if err != nil {
			return err
		}
		if prev != nil {
			if err := txn.Set(badgerBackupKey, prev); err != nil {
				return fmt.Errorf("set backup: %w", err)
			}
		}
		if err := txn.Set(badgerPrimaryKey, data); err != nil {
			return fmt.Errorf("set primary: %w", err)
		}
		return nil
	})
}

// Close closes the database.
func (p *BadgerPersister) Close() error {
	return p.db.Close()
}

func getValue(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}
