package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"paket/crypto"
)

// Memory is an in-process ledger with the same semantics the gateway relies
// on from a real node: account existence, trustlines, sequence numbers, time
// bounds, and signing-policy evaluation including pre-authorized transaction
// hashes. It backs the test suites and the debug sandbox.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]*memAccount
	height   uint64
	nowFn    func() int64
}

type memAccount struct {
	native        uint64
	balances      map[Asset]uint64
	trustlines    map[Asset]uint64
	sequence      uint64
	masterWeight  uint32
	medThreshold  uint32
	highThreshold uint32
	signers       []Signer
}

func newMemAccount(native uint64) *memAccount {
	return &memAccount{
		native:       native,
		balances:     make(map[Asset]uint64),
		trustlines:   make(map[Asset]uint64),
		masterWeight: 1,
	}
}

func (a *memAccount) clone() *memAccount {
	dup := &memAccount{
		native:        a.native,
		balances:      make(map[Asset]uint64, len(a.balances)),
		trustlines:    make(map[Asset]uint64, len(a.trustlines)),
		sequence:      a.sequence,
		masterWeight:  a.masterWeight,
		medThreshold:  a.medThreshold,
		highThreshold: a.highThreshold,
		signers:       append([]Signer(nil), a.signers...),
	}
	for asset, b := range a.balances {
		dup.balances[asset] = b
	}
	for asset, l := range a.trustlines {
		dup.trustlines[asset] = l
	}
	return dup
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*memAccount),
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the ledger clock. Tests use this to cross escrow
// deadlines deterministically.
func (m *Memory) SetNowFunc(now func() int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFn = now
}

// NewAccount mints a funded account. The in-process ledger plays the
// operator, so the native units come from nowhere; a node-backed client
// debits a real operator account instead.
func (m *Memory) NewAccount(ctx context.Context, destination string, startingBalance uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[destination]; ok {
		return ErrAccountExists
	}
	m.accounts[destination] = newMemAccount(startingBalance)
	return nil
}

func (m *Memory) Trust(ctx context.Context, holder *crypto.PrivateKey, asset Asset, limit uint64) error {
	env, err := trustEnvelope(ctx, m, holder, asset, limit)
	if err != nil {
		return err
	}
	_, err = m.Submit(ctx, env)
	return err
}

func (m *Memory) BalanceOf(ctx context.Context, account string, asset Asset) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[account]
	if !ok {
		return 0, ErrAccountNotFound
	}
	if asset.IsNative() {
		return acct.native, nil
	}
	if account == asset.Issuer {
		return 0, nil
	}
	if _, trusted := acct.trustlines[asset]; !trusted {
		return 0, ErrNoTrustline
	}
	return acct.balances[asset], nil
}

func (m *Memory) AccountSequence(ctx context.Context, account string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[account]
	if !ok {
		return 0, ErrAccountNotFound
	}
	return acct.sequence, nil
}

func (m *Memory) Now(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nowFn(), nil
}

// Submit validates and applies the envelope atomically. Either every
// operation applies or the ledger is untouched.
func (m *Memory) Submit(ctx context.Context, env *Envelope) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &env.Tx
	now := m.nowFn()
	src, ok := m.accounts[tx.Source]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if tx.MinTime != 0 && now < tx.MinTime {
		return nil, ErrTxTooEarly
	}
	if tx.Sequence != src.sequence+1 {
		return nil, ErrBadSequence
	}
	if err := m.authorize(src, tx, env.Signatures); err != nil {
		return nil, err
	}

	// Operations apply against a staging copy so a failing operation cannot
	// leave a half-applied transaction behind.
	staging := &stagingView{
		committed: m.accounts,
		dirty:     map[string]*memAccount{tx.Source: src.clone()},
	}
	source, _ := staging.load(tx.Source)
	for _, op := range tx.Operations {
		if err := applyOp(staging, source, tx.Source, op); err != nil {
			return nil, err
		}
	}

	source.sequence = tx.Sequence
	source.signers = dropPreauth(source.signers, tx.HashHex())
	for account, acct := range staging.dirty {
		m.accounts[account] = acct
	}
	m.height++
	return &Receipt{Hash: tx.HashHex(), Ledger: m.height, Time: now}, nil
}

// authorize sums the weights of the envelope's distinct valid signers plus
// any matching pre-authorized hash entry and compares against the source
// account's threshold for the transaction's operation categories.
func (m *Memory) authorize(src *memAccount, tx *Transaction, signatures []string) error {
	required := src.medThreshold
	for _, op := range tx.Operations {
		if op.Type == OpSetOptions {
			required = src.highThreshold
			break
		}
	}
	if required == 0 {
		required = 1
	}

	sum := tx.Hash()
	var weight uint32
	counted := make(map[string]bool)
	for _, encoded := range signatures {
		raw, err := hex.DecodeString(encoded)
		if err != nil {
			continue
		}
		addr, err := crypto.Recover(sum[:], raw)
		if err != nil {
			continue
		}
		signer := addr.String()
		if counted[signer] {
			continue
		}
		counted[signer] = true
		if signer == tx.Source {
			weight += src.masterWeight
			continue
		}
		for _, entry := range src.signers {
			if entry.Type == SignerKey && entry.Key == signer {
				weight += entry.Weight
				break
			}
		}
	}
	hash := tx.HashHex()
	for _, entry := range src.signers {
		if entry.Type == SignerPreauthTx && entry.Key == hash {
			weight += entry.Weight
			break
		}
	}
	if weight < required {
		return ErrNotAuthorized
	}
	return nil
}

// stagingView lets operations read committed accounts while confining writes
// to copies until the whole transaction succeeds.
type stagingView struct {
	committed map[string]*memAccount
	dirty     map[string]*memAccount
}

func (s *stagingView) load(account string) (*memAccount, bool) {
	if acct, ok := s.dirty[account]; ok {
		return acct, true
	}
	acct, ok := s.committed[account]
	if !ok {
		return nil, false
	}
	dup := acct.clone()
	s.dirty[account] = dup
	return dup, true
}

func (s *stagingView) create(account string, balance uint64) {
	s.dirty[account] = newMemAccount(balance)
}

func applyOp(staging *stagingView, source *memAccount, sourceAddr string, op Operation) error {
	switch op.Type {
	case OpCreateAccount:
		if _, exists := staging.load(op.Destination); exists {
			return ErrAccountExists
		}
		if source.native < op.StartingBalance {
			return ErrInsufficientFunds
		}
		source.native -= op.StartingBalance
		staging.create(op.Destination, op.StartingBalance)
		return nil
	case OpPayment:
		dest, ok := staging.load(op.Destination)
		if !ok {
			return ErrAccountNotFound
		}
		if op.Asset.IsNative() {
			if source.native < op.Amount {
				return ErrInsufficientFunds
			}
			source.native -= op.Amount
			dest.native += op.Amount
			return nil
		}
		// Payments from the issuer mint units, payments to it burn them.
		if sourceAddr != op.Asset.Issuer {
			if _, trusted := source.trustlines[op.Asset]; !trusted {
				return ErrNoTrustline
			}
			if source.balances[op.Asset] < op.Amount {
				return ErrInsufficientFunds
			}
			source.balances[op.Asset] -= op.Amount
		}
		if op.Destination != op.Asset.Issuer {
			if _, trusted := dest.trustlines[op.Asset]; !trusted {
				return ErrNoTrustline
			}
			dest.balances[op.Asset] += op.Amount
		}
		return nil
	case OpChangeTrust:
		source.trustlines[op.Asset] = op.Limit
		return nil
	case OpSetOptions:
		if op.MasterWeight != nil {
			source.masterWeight = *op.MasterWeight
		}
		if op.MedThreshold != nil {
			source.medThreshold = *op.MedThreshold
		}
		if op.HighThreshold != nil {
			source.highThreshold = *op.HighThreshold
		}
		for _, entry := range op.Signers {
			source.signers = upsertSigner(source.signers, entry)
		}
		return nil
	default:
		return fmt.Errorf("ledger: unknown operation type %q", op.Type)
	}
}

func upsertSigner(signers []Signer, entry Signer) []Signer {
	for i, existing := range signers {
		if existing.Type == entry.Type && existing.Key == entry.Key {
			if entry.Weight == 0 {
				return append(signers[:i], signers[i+1:]...)
			}
			signers[i].Weight = entry.Weight
			return signers
		}
	}
	if entry.Weight == 0 {
		return signers
	}
	return append(signers, entry)
}

func dropPreauth(signers []Signer, hash string) []Signer {
	kept := signers[:0]
	for _, entry := range signers {
		if entry.Type == SignerPreauthTx && entry.Key == hash {
			continue
		}
		kept = append(kept, entry)
	}
	return kept
}
