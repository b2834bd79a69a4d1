// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badger

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *AnalysisStore {
	t.Helper()
	store, err := Open(InMemoryConfig())
	if err != nil {
		t.Fatalf("Open in-memory store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func TestAnalysisStore_PutGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().Truncate(time.Millisecond)

	t.Run("miss on empty store", func(t *testing.T) {
		_, _, ok, err := store.Get(ctx, "imp", "loops")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok {
			t.Error("expected miss")
		}
	})

	t.Run("round trip", func(t *testing.T) {
		payload := []byte(`{"loops":[["a","b","a"]]}`)
		if err := store.Put(ctx, "imp", "loops", payload, now); err != nil {
			t.Fatalf("Put: %v", err)
		}

		got, computedAt, ok, err := store.Get(ctx, "imp", "loops")
		if err != nil || !ok {
			t.Fatalf("Get: ok=%v err=%v", ok, err)
		}
		if string(got) != string(payload) {
			t.Errorf("payload = %s, want %s", got, payload)
		}
		if !computedAt.Equal(now) {
			t.Errorf("computedAt = %v, want %v", computedAt, now)
		}
	})

	t.Run("put replaces previous payload", func(t *testing.T) {
		if err := store.Put(ctx, "imp", "loops", []byte("v2"), now.Add(time.Second)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, _, ok, err := store.Get(ctx, "imp", "loops")
		if err != nil || !ok {
			t.Fatalf("Get: ok=%v err=%v", ok, err)
		}
		if string(got) != "v2" {
			t.Errorf("payload = %s, want v2", got)
		}
	})
}

func TestAnalysisStore_ChecksumDetectsCorruption(t *testing.T) {
	payload := []byte("some analysis result")
	envelope := encodeEnvelope(payload, time.Now())

	// Flip one payload byte; the checksum must no longer match.
	envelope[envelopeHeaderLen] ^= 0xFF

	if _, _, err := decodeEnvelope(envelope); err == nil {
		t.Error("decodeEnvelope accepted corrupt payload")
	}

	t.Run("truncated envelope rejected", func(t *testing.T) {
		if _, _, err := decodeEnvelope([]byte{1, 2, 3}); err == nil {
			t.Error("decodeEnvelope accepted truncated envelope")
		}
	})
}

func TestAnalysisStore_InvalidateImport(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now()

	seeds := []struct{ imp, typ string }{
		{"imp1", "loops"},
		{"imp1", "contribution"},
		{"imp2", "loops"},
	}
	for _, s := range seeds {
		if err := store.Put(ctx, s.imp, s.typ, []byte("x"), now); err != nil {
			t.Fatalf("Put(%s/%s): %v", s.imp, s.typ, err)
		}
	}

	removed, err := store.InvalidateImport(ctx, "imp1")
	if err != nil {
		t.Fatalf("InvalidateImport: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	if _, _, ok, _ := store.Get(ctx, "imp1", "loops"); ok {
		t.Error("imp1 payload survived invalidation")
	}
	if _, _, ok, _ := store.Get(ctx, "imp2", "loops"); !ok {
		t.Error("imp2 payload removed by imp1 invalidation")
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("Open with no path and no in-memory flag should fail")
	}
}
