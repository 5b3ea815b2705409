package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestLevelDBNonceStoreAdvance(t *testing.T) {
	store, err := NewLevelDBNonceStore(filepath.Join(t.TempDir(), "nonces"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	last, err := store.LastNonce(ctx, "pkt1alice")
	if err != nil {
		t.Fatalf("last nonce for unseen account: %v", err)
	}
	if last != 0 {
		t.Fatalf("expected 0 for unseen account, got %d", last)
	}

	if err := store.Advance(ctx, "pkt1alice", 1000); err != nil {
		t.Fatalf("advance to 1000: %v", err)
	}
	if err := store.Advance(ctx, "pkt1alice", 1000); !errors.Is(err, ErrNonceNotIncreasing) {
		t.Fatalf("expected ErrNonceNotIncreasing on replay, got %v", err)
	}
	if err := store.Advance(ctx, "pkt1alice", 999); !errors.Is(err, ErrNonceNotIncreasing) {
		t.Fatalf("expected ErrNonceNotIncreasing on stale nonce, got %v", err)
	}
	if err := store.Advance(ctx, "pkt1alice", 1001); err != nil {
		t.Fatalf("advance to 1001: %v", err)
	}

	// Accounts do not share counters.
	if err := store.Advance(ctx, "pkt1bob", 1); err != nil {
		t.Fatalf("advance other account: %v", err)
	}
	last, err = store.LastNonce(ctx, "pkt1alice")
	if err != nil {
		t.Fatalf("last nonce: %v", err)
	}
	if last != 1001 {
		t.Fatalf("expected 1001, got %d", last)
	}
}

func TestLevelDBNonceStorePersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nonces")
	store, err := NewLevelDBNonceStore(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	if err := store.Advance(ctx, "pkt1alice", 42); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewLevelDBNonceStore(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()
	if err := reopened.Advance(ctx, "pkt1alice", 42); !errors.Is(err, ErrNonceNotIncreasing) {
		t.Fatalf("expected replay rejection after reopen, got %v", err)
	}
	last, err := reopened.LastNonce(ctx, "pkt1alice")
	if err != nil {
		t.Fatalf("last nonce: %v", err)
	}
	if last != 42 {
		t.Fatalf("expected 42 after reopen, got %d", last)
	}
}
