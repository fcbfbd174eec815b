// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package thread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// threadKeyPrefix namespaces thread records inside the shared database.
const threadKeyPrefix = "thread:"

// BadgerStore is a Store backed by an embedded BadgerDB database.
//
// Threads are stored as JSON under a "thread:" key prefix, so the same
// database can carry other raw keys through Get/Set without collisions.
//
// # Thread Safety
//
// BadgerStore is safe for concurrent use.
type BadgerStore struct {
	db *badger.DB
}

// BadgerConfig configures OpenBadgerStore.
type BadgerConfig struct {
	// Path is the directory for database files. Required unless
	// InMemory is true.
	Path string

	// InMemory enables in-memory mode, for tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger
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

// OpenBadgerStore opens the database and wraps it as a Store.
//
// The directory is created if it does not exist. Caller must Close the
// store when done.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent thread store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		absPath, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("invalid thread store path %s: %w", cfg.Path, err)
		}
		if err := os.MkdirAll(absPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create thread store directory: %w", err)
		}
		opts = badger.DefaultOptions(absPath)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open thread store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Get implements Store.
func (s *BadgerStore) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("thread store read failed: %w", err)
	}
	return value, nil
}

// Set implements Store.
func (s *BadgerStore) Set(_ context.Context, key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("thread store write failed: %w", err)
	}
	return nil
}

// LoadThread implements Store.
func (s *BadgerStore) LoadThread(ctx context.Context, threadID string) (*Thread, error) {
	raw, err := s.Get(ctx, threadKeyPrefix+threadID)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, err
	}
	var t Thread
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("failed to decode thread %s: %w", threadID, err)
	}
	return &t, nil
}

// Save implements Store.
func (s *BadgerStore) Save(ctx context.Context, t *Thread) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode thread %s: %w", t.ID, err)
	}
	return s.Set(ctx, threadKeyPrefix+t.ID, raw)
}

// GenerateThreadID implements Store.
func (s *BadgerStore) GenerateThreadID() string {
	return uuid.NewString()
}
