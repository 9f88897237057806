// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal persists the audit trail of floorsweep sessions.
//
// Every engine event is appended under fs/<session>/<seq> as a CRC32
// framed JSON record, so a station can show what a session tested and
// committed after the process exits or crashes.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/floorsweep/services/floorsweep/engine"
	"github.com/AleutianAI/floorsweep/services/floorsweep/storage/badger"
)

var (
	// ErrCorrupted is returned when a stored record fails its checksum.
	ErrCorrupted = errors.New("journal entry corrupted")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("journal closed")

	// ErrSessionNotFound is returned for an unknown session ID.
	ErrSessionNotFound = errors.New("session not found")
)

const keyPrefix = "fs/"

// Config configures a Journal.
type Config struct {
	// SkipCorrupted makes Entries log and skip damaged records instead of
	// failing.
	SkipCorrupted bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Journal records engine events in BadgerDB.
//
// # Description
//
// Journal implements engine.Recorder. Sequence numbers are per session
// and resume from the highest stored value, so a reopened database keeps
// appending in order.
//
// # Thread Safety
//
// Safe for concurrent use.
type Journal struct {
	db     *badger.DB
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	mu     sync.Mutex
	seqs   map[string]uint64
	closed atomic.Bool
}

// New wraps an open database. The caller keeps ownership of db.
func New(db *badger.DB, cfg Config) (*Journal, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Journal{
		db:     db,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "journal")),
		tracer: otel.Tracer("floorsweep.journal"),
		seqs:   make(map[string]uint64),
	}, nil
}

func sessionPrefix(session string) []byte {
	return []byte(keyPrefix + session + "/")
}

func entryKey(session string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%016d", keyPrefix, session, seq))
}

// encode frames ev as [4-byte CRC32][JSON].
func encode(ev engine.Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(body))
	copy(out[4:], body)
	return out, nil
}

func decode(data []byte) (engine.Event, error) {
	var ev engine.Event
	if len(data) < 5 {
		return ev, fmt.Errorf("%w: entry too short", ErrCorrupted)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	body := data[4:]
	if computed := crc32.ChecksumIEEE(body); stored != computed {
		return ev, fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupted, stored, computed)
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	return ev, nil
}

// nextSeq reserves the next sequence number of session. Caller holds mu.
func (j *Journal) nextSeq(ctx context.Context, session string) (uint64, error) {
	if seq, ok := j.seqs[session]; ok {
		j.seqs[session] = seq + 1
		return seq + 1, nil
	}
	prefix := sessionPrefix(session)
	var last uint64
	err := j.db.View(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(append([]byte(nil), prefix...), 0xFF))
		if it.ValidForPrefix(prefix) {
			if _, err := fmt.Sscanf(string(it.Item().Key()[len(prefix):]), "%016d", &last); err != nil {
				return fmt.Errorf("%w: bad key %q", ErrCorrupted, it.Item().Key())
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	j.seqs[session] = last + 1
	return last + 1, nil
}

// Record implements engine.Recorder.
func (j *Journal) Record(ctx context.Context, ev engine.Event) error {
	if j.closed.Load() {
		return ErrClosed
	}
	if ev.SessionID == "" || strings.Contains(ev.SessionID, "/") {
		return fmt.Errorf("invalid session id %q", ev.SessionID)
	}

	ctx, span := j.tracer.Start(ctx, "journal.Record", trace.WithAttributes(
		attribute.String("session_id", ev.SessionID),
		attribute.String("event_type", string(ev.Type)),
	))
	defer span.End()

	data, err := encode(ev)
	if err != nil {
		span.RecordError(err)
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	seq, err := j.nextSeq(ctx, ev.SessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sequence failed")
		return fmt.Errorf("reserve sequence: %w", err)
	}
	err = j.db.Update(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(entryKey(ev.SessionID, seq), data)
	})
	if err != nil {
		// A failed write leaves a gap in the sequence.
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("write entry: %w", err)
	}
	span.SetAttributes(attribute.Int64("seq_num", int64(seq)))
	return nil
}

// Sessions lists the recorded session IDs in key order.
func (j *Journal) Sessions(ctx context.Context) ([]string, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}
	return j.db.Keys(ctx, []byte(keyPrefix), '/')
}

// Entries returns the events of session in the order they were recorded.
//
// # Outputs
//
//   - []engine.Event: Never empty on success.
//   - error: ErrSessionNotFound when nothing is stored for session,
//     ErrCorrupted for a damaged record unless Config.SkipCorrupted is set.
func (j *Journal) Entries(ctx context.Context, session string) ([]engine.Event, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}
	var (
		events  []engine.Event
		skipped int
	)
	err := j.db.Scan(ctx, sessionPrefix(session), func(key, value []byte) error {
		ev, err := decode(value)
		if err != nil {
			if j.cfg.SkipCorrupted {
				skipped++
				j.logger.Warn("skipping corrupted entry",
					slog.String("key", string(key)),
					slog.String("error", err.Error()))
				return nil
			}
			return fmt.Errorf("%s: %w", key, err)
		}
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 && skipped == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, session)
	}
	return events, nil
}

// Close marks the journal closed. The database stays open.
func (j *Journal) Close() error {
	j.closed.Store(true)
	return nil
}

var _ engine.Recorder = (*Journal)(nil)
