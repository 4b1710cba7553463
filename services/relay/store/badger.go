// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig holds configuration for the BadgerDB-backed store.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger is the logger for BadgerDB operations.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns sensible defaults for production use.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites: true,
	}
}

// InMemoryBadgerConfig returns configuration optimized for testing.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{
		InMemory:   true,
		SyncWrites: false,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Badger implements Store on top of BadgerDB.
//
// Description:
//
//	BadgerDB transactions are serializable, which is what makes Incr,
//	SetNX, GetDel, and Update genuinely atomic. Transactions that lose a
//	conflict are retried; the retry bound exists only to surface a stuck
//	database rather than spin forever.
//
// Thread Safety: Safe for concurrent use.
type Badger struct {
	db *badger.DB
}

// maxTxnRetries bounds optimistic-conflict retries per operation.
const maxTxnRetries = 64

// OpenBadger creates and opens a BadgerDB-backed shared store.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*Badger - The opened store. Caller must call Close() when done.
//	error - Wraps ErrUnavailable if the database cannot be opened.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger database: %v", ErrUnavailable, err)
	}

	return &Badger{db: db}, nil
}

// Close releases the underlying database.
func (b *Badger) Close() error {
	return b.db.Close()
}

// Get implements Store.
func (b *Badger) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements Store.
func (b *Badger) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.retryUpdate(func(txn *badger.Txn) error {
		return txn.SetEntry(newEntry(key, value, ttl))
	})
}

// SetNX implements Store.
func (b *Badger) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	created := false
	err := b.retryUpdate(func(txn *badger.Txn) error {
		created = false
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil // key exists, nothing to do
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.SetEntry(newEntry(key, value, ttl)); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return created, nil
}

// GetDel implements Store.
func (b *Badger) GetDel(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var value []byte
	found := false
	err := b.retryUpdate(func(txn *badger.Txn) error {
		value, found = nil, false
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(key)); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("getdel %s: %w", key, err)
	}
	return value, found, nil
}

// Incr implements Store.
func (b *Badger) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	var count int64
	var expiresIn time.Duration
	err := b.retryUpdate(func(txn *badger.Txn) error {
		count, expiresIn = 0, ttl

		item, err := txn.Get([]byte(key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			count = 1
			return txn.SetEntry(newEntry(key, encodeCount(1), ttl))
		case err != nil:
			return err
		}

		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		prev, err := decodeCount(raw)
		if err != nil {
			return err
		}
		count = prev + 1

		// Preserve the window: re-set with the time remaining until the
		// original expiry, not a fresh TTL.
		remaining := remainingTTL(item)
		if remaining > 0 {
			expiresIn = remaining
		}
		return txn.SetEntry(newEntry(key, encodeCount(count), remaining))
	})
	if err != nil {
		return 0, 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return count, expiresIn, nil
}

// Decr implements Store.
func (b *Badger) Decr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var count int64
	err := b.retryUpdate(func(txn *badger.Txn) error {
		count = 0

		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		prev, err := decodeCount(raw)
		if err != nil {
			return err
		}
		count = prev - 1
		if count <= 0 {
			count = 0
			return txn.Delete([]byte(key))
		}
		return txn.SetEntry(newEntry(key, encodeCount(count), remainingTTL(item)))
	})
	if err != nil {
		return 0, fmt.Errorf("decr %s: %w", key, err)
	}
	return count, nil
}

// Update implements Store.
func (b *Badger) Update(ctx context.Context, key string, ttl time.Duration, fn func(old []byte) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.retryUpdate(func(txn *badger.Txn) error {
		var old []byte
		item, err := txn.Get([]byte(key))
		if err == nil {
			old, err = item.ValueCopy(nil)
			if err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		next, err := fn(old)
		if err != nil {
			return err
		}
		if next == nil {
			if old == nil {
				return nil
			}
			return txn.Delete([]byte(key))
		}
		return txn.SetEntry(newEntry(key, next, ttl))
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	return nil
}

// retryUpdate runs fn in a read-write transaction, retrying on optimistic
// conflicts up to maxTxnRetries.
func (b *Badger) retryUpdate(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func newEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	entry := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	return entry
}

// remainingTTL returns the time until the item expires, or 0 when the item
// has no TTL.
func remainingTTL(item *badger.Item) time.Duration {
	expiresAt := item.ExpiresAt()
	if expiresAt == 0 {
		return 0
	}
	remaining := time.Until(time.Unix(int64(expiresAt), 0))
	if remaining < 0 {
		return 0
	}
	return remaining
}

func encodeCount(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}

func decodeCount(raw []byte) (int64, error) {
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter value %q: %w", raw, err)
	}
	return n, nil
}
