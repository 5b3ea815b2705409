package auth

import (
	"context"
	"errors"
	"sync"
)

// ErrNonceNotIncreasing is returned by NonceStore.Advance when the presented
// nonce is not strictly greater than the last accepted one for the account.
// A replayed nonce and a forged one are indistinguishable from the caller's
// perspective, so the authenticator surfaces this as a fingerprint failure.
var ErrNonceNotIncreasing = errors.New("nonce is not bigger than current nonce")

// NonceStore tracks the last accepted nonce per account. Implementations must
// make Advance atomic with respect to concurrent calls for the same account:
// of two racing requests carrying nonces N and N+1, the one applied second
// must observe the first one's effect. Records are created lazily on the
// first successful Advance and are never deleted for the lifetime of the
// process.
type NonceStore interface {
	// LastNonce returns the last accepted nonce for the account, or 0 if
	// the account has never been seen.
	LastNonce(ctx context.Context, account string) (uint64, error)
	// Advance records nonce for the account if it is strictly greater than
	// the stored value, returning ErrNonceNotIncreasing otherwise.
	Advance(ctx context.Context, account string, nonce uint64) error
}

// MemoryNonceStore is the in-process NonceStore used by tests and by
// deployments that accept replay-window loss across restarts. Monotonicity,
// not durability, is what the protocol requires.
type MemoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]uint64
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]uint64)}
}

func (s *MemoryNonceStore) LastNonce(ctx context.Context, account string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[account], nil
}

func (s *MemoryNonceStore) Advance(ctx context.Context, account string, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nonce <= s.seen[account] {
		return ErrNonceNotIncreasing
	}
	s.seen[account] = nonce
	return nil
}
