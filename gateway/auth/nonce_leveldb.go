package auth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

const nonceKeyPrefix = "nonce:"

// LevelDBNonceStore is a durable NonceStore. Each account maps to its last
// accepted nonce; surviving restarts keeps the replay window closed where an
// in-memory store would reopen it.
type LevelDBNonceStore struct {
	db *leveldb.DB

	// Serialises read-modify-write cycles. Advance must be atomic per
	// account; a single lock suffices because LevelDB point reads and
	// writes are sub-millisecond and the store is touched once per
	// authenticated request.
	mu sync.Mutex
}

// NewLevelDBNonceStore opens (or creates) a LevelDB database at the provided path.
func NewLevelDBNonceStore(path string) (*LevelDBNonceStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb nonce store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb nonce path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb nonce store: %w", err)
	}
	return &LevelDBNonceStore{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (s *LevelDBNonceStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *LevelDBNonceStore) LastNonce(ctx context.Context, account string) (uint64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("leveldb nonce store not configured")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.loadNonce(strings.TrimSpace(account))
}

func (s *LevelDBNonceStore) Advance(ctx context.Context, account string, nonce uint64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("leveldb nonce store not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	account = strings.TrimSpace(account)
	if account == "" {
		return fmt.Errorf("nonce account required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last, err := s.loadNonce(account)
	if err != nil {
		return err
	}
	if nonce <= last {
		return ErrNonceNotIncreasing
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, nonce)
	if err := s.db.Put([]byte(nonceKeyPrefix+account), buf, nil); err != nil {
		return fmt.Errorf("record nonce: %w", err)
	}
	return nil
}

func (s *LevelDBNonceStore) loadNonce(account string) (uint64, error) {
	val, err := s.db.Get([]byte(nonceKeyPrefix+account), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("load nonce: %w", err)
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("corrupt nonce record for %s", account)
	}
	return binary.BigEndian.Uint64(val), nil
}
