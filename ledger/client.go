package ledger

import (
	"context"
	"errors"
	"fmt"

	"paket/crypto"
)

// Sentinel conditions reported by ledger implementations. Both the RPC client
// and the in-process ledger normalise their failures to these so callers can
// branch with errors.Is.
var (
	ErrAccountNotFound   = errors.New("ledger: account does not exist")
	ErrAccountExists     = errors.New("ledger: account already exists")
	ErrNoTrustline       = errors.New("ledger: account does not trust asset")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrBadSequence       = errors.New("ledger: transaction sequence mismatch")
	ErrTxTooEarly        = errors.New("ledger: transaction not yet valid")
	ErrNotAuthorized     = errors.New("ledger: signing weight below threshold")
)

// Receipt records a successfully applied transaction.
type Receipt struct {
	Hash   string `json:"hash"`
	Ledger uint64 `json:"ledger"`
	Time   int64  `json:"time"`
}

// Client is the gateway's view of the ledger. Implementations: RPCClient
// against a node, Memory in-process.
type Client interface {
	// NewAccount creates and funds destination with startingBalance native
	// units out of the client's operator account.
	NewAccount(ctx context.Context, destination string, startingBalance uint64) error
	// Trust opens a trustline from the holder's account to asset. The
	// holder's key is required because trustlines are signed account
	// mutations; it never leaves the process.
	Trust(ctx context.Context, holder *crypto.PrivateKey, asset Asset, limit uint64) error
	// BalanceOf reports the account's balance of asset.
	BalanceOf(ctx context.Context, account string, asset Asset) (uint64, error)
	// AccountSequence reports the last applied sequence number for account.
	AccountSequence(ctx context.Context, account string) (uint64, error)
	// Now reports the current ledger time in unix seconds.
	Now(ctx context.Context) (int64, error)
	// Submit applies the envelope atomically.
	Submit(ctx context.Context, env *Envelope) (*Receipt, error)
}

// trustEnvelope builds and signs the ChangeTrust transaction shared by the
// Client implementations.
func trustEnvelope(ctx context.Context, c Client, holder *crypto.PrivateKey, asset Asset, limit uint64) (*Envelope, error) {
	account := holder.PubKey().Address().String()
	seq, err := c.AccountSequence(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("trust %s: %w", asset, err)
	}
	env := NewEnvelope(Transaction{
		Source:     account,
		Sequence:   seq + 1,
		Operations: []Operation{ChangeTrustOp(asset, limit)},
	})
	if err := env.Sign(holder); err != nil {
		return nil, err
	}
	return env, nil
}
