package database

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// BadgerDB wraps an embedded badger key-value store
type BadgerDB struct {
	*badger.DB
	logger *logrus.Logger
}

// NewBadgerConnection opens a badger store in dir. An empty dir opens an in-memory store.
func NewBadgerConnection(dir string, logger *logrus.Logger) (*BadgerDB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"dir":       dir,
		"in_memory": dir == "",
	}).Info("Badger store opened")

	return &BadgerDB{DB: db, logger: logger}, nil
}

// HealthCheck reports whether the store is still open
func (b *BadgerDB) HealthCheck(ctx context.Context) error {
	if b.IsClosed() {
		return fmt.Errorf("badger store is closed")
	}
	return nil
}
