// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package badger provides the persistent analysis-cache tier beneath the
// in-memory cache layer.
//
// Analysis results that should survive process restarts (loop findings,
// contribution summaries) are stored in an embedded BadgerDB keyed by
// import id and analysis type. Payloads carry an xxhash64 checksum that
// is verified on read; a corrupt payload is treated as a cache miss and
// deleted.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for the analysis store's database.
type Config struct {
	// Path is the directory for database files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output.
	// Nil disables internal logging.
	Logger *slog.Logger

	// TTL bounds how long a persisted analysis payload stays readable.
	// Zero means entries never expire.
	TTL time.Duration
}

// DefaultConfig returns production defaults: durable writes and a
// 24-hour payload TTL.
func DefaultConfig() Config {
	return Config{
		SyncWrites: true,
		TTL:        24 * time.Hour,
	}
}

// InMemoryConfig returns configuration for tests: no disk I/O, no TTL.
func InMemoryConfig() Config {
	return Config{
		InMemory: true,
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

// AnalysisStore persists analysis payloads per (import, analysis type).
//
// # Thread Safety
//
// All methods are safe for concurrent use; BadgerDB transactions provide
// the isolation.
type AnalysisStore struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
}

// Open creates the analysis store backed by a BadgerDB at cfg.Path (or
// in memory). Caller must Close when done.
func Open(cfg Config) (*AnalysisStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &AnalysisStore{db: db, ttl: cfg.TTL, logger: logger}, nil
}

// Close releases the underlying database.
func (s *AnalysisStore) Close() error {
	return s.db.Close()
}

// analysisKey builds the storage key for one payload.
func analysisKey(importID, analysisType string) []byte {
	return []byte("analysis/" + importID + "/" + analysisType)
}

// payload envelope layout: 8-byte xxhash64 checksum, 8-byte computedAt
// (unix millis, big endian), then the raw payload.
const envelopeHeaderLen = 16

func encodeEnvelope(payload []byte, computedAt time.Time) []byte {
	buf := make([]byte, envelopeHeaderLen+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], xxhash.Sum64(payload))
	binary.BigEndian.PutUint64(buf[8:16], uint64(computedAt.UnixMilli()))
	copy(buf[envelopeHeaderLen:], payload)
	return buf
}

func decodeEnvelope(buf []byte) (payload []byte, computedAt time.Time, err error) {
	if len(buf) < envelopeHeaderLen {
		return nil, time.Time{}, fmt.Errorf("envelope too short: %d bytes", len(buf))
	}
	payload = buf[envelopeHeaderLen:]
	if sum := xxhash.Sum64(payload); sum != binary.BigEndian.Uint64(buf[0:8]) {
		return nil, time.Time{}, errors.New("payload checksum mismatch")
	}
	computedAt = time.UnixMilli(int64(binary.BigEndian.Uint64(buf[8:16])))
	return payload, computedAt, nil
}

// Get returns the persisted payload for (importID, analysisType), or
// ok=false when none is stored, the entry expired, or the payload failed
// its checksum. A corrupt payload is deleted best-effort.
func (s *AnalysisStore) Get(ctx context.Context, importID, analysisType string) ([]byte, time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, time.Time{}, false, err
	}

	key := analysisKey(importID, analysisType)

	var envelope []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		envelope, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("reading analysis payload %s/%s: %w", importID, analysisType, err)
	}

	payload, computedAt, err := decodeEnvelope(envelope)
	if err != nil {
		s.logger.Warn("corrupt analysis payload, treating as miss",
			slog.String("import_id", importID),
			slog.String("analysis_type", analysisType),
			slog.String("error", err.Error()),
		)
		// Best-effort removal; the next Put overwrites anyway.
		if delErr := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		}); delErr != nil {
			s.logger.Debug("failed to delete corrupt payload", slog.String("error", delErr.Error()))
		}
		return nil, time.Time{}, false, nil
	}

	return payload, computedAt, true, nil
}

// Put persists a payload, replacing any previous payload of the same
// analysis type for the import.
func (s *AnalysisStore) Put(ctx context.Context, importID, analysisType string, payload []byte, computedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	envelope := encodeEnvelope(payload, computedAt)
	err := s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(analysisKey(importID, analysisType), envelope)
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("persisting analysis payload %s/%s: %w", importID, analysisType, err)
	}
	return nil
}

// InvalidateImport removes every persisted payload of an import. Returns
// the number of payloads removed.
func (s *AnalysisStore) InvalidateImport(ctx context.Context, importID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	prefix := []byte("analysis/" + importID + "/")

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scanning analysis payloads for %s: %w", importID, err)
	}

	removed := 0
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("deleting analysis payloads for %s: %w", importID, err)
	}
	return removed, nil
}
