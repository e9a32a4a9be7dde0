package mappings_repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/nas-ai/shardvault/src/models"
	"github.com/sirupsen/logrus"
)

var badgerKeyPrefix = []byte("mapping/")

// BadgerRepository stores mapping records in an embedded badger store.
type BadgerRepository struct {
	db     *badger.DB
	logger *logrus.Logger
}

func NewBadgerRepository(db *badger.DB, logger *logrus.Logger) *BadgerRepository {
	return &BadgerRepository{
		db:     db,
		logger: logger,
	}
}

func badgerKey(name string) []byte {
	return append(append([]byte{}, badgerKeyPrefix...), name...)
}

// Put stores the record only if no record exists for its name
func (r *BadgerRepository) Put(ctx context.Context, record *models.MappingRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		key := badgerKey(record.ObfuscatedName)
		if _, err := txn.Get(key); err == nil {
			return ErrMappingExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, payload)
	})
	if err != nil {
		if errors.Is(err, ErrMappingExists) {
			return err
		}
		r.logger.WithError(err).WithField("obfuscated_name", record.ObfuscatedName).Error("Failed to save mapping")
		return fmt.Errorf("save mapping: %w", err)
	}
	return nil
}

// Get retrieves a record by obfuscated name
func (r *BadgerRepository) Get(ctx context.Context, obfuscatedName string) (*models.MappingRecord, error) {
	var record models.MappingRecord
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(obfuscatedName))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrMappingNotFound
		}
		return nil, fmt.Errorf("get mapping: %w", err)
	}
	return &record, nil
}

// Delete removes a record
func (r *BadgerRepository) Delete(ctx context.Context, obfuscatedName string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		key := badgerKey(obfuscatedName)
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrMappingNotFound
		}
		return fmt.Errorf("delete mapping: %w", err)
	}
	return nil
}

// List returns all stored obfuscated names
func (r *BadgerRepository) List(ctx context.Context) ([]string, error) {
	var names []string
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = badgerKeyPrefix

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			names = append(names, string(key[len(badgerKeyPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	return names, nil
}
