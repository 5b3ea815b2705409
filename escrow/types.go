// Package escrow implements the three-party conditional-release protocol
// behind package deliveries: a launcher funds an escrow account whose signing
// policy admits exactly two outcomes, a refund to the launcher after the
// deadline or a countersigned payout to the courier on delivery.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"paket/ledger"
)

// State represents the lifecycle states of a package escrow.
type State uint8

const (
	// StateCreated covers the whole delivery window, including custody
	// hand-offs between couriers.
	StateCreated State = iota
	// StateAcceptedByRecipient is terminal: the recipient countersigned the
	// payout and the escrow is drained to the courier.
	StateAcceptedByRecipient
	// StateRefunded is terminal: the deadline passed and the escrow was
	// drained back to the launcher.
	StateRefunded
)

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateAcceptedByRecipient, StateRefunded:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAcceptedByRecipient:
		return "accepted"
	case StateRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no further protocol operation may touch the
// escrow.
func (s State) Terminal() bool {
	return s == StateAcceptedByRecipient || s == StateRefunded
}

// Instance captures one package escrow: the parties, the locked account, and
// the two pre-built transactions that can drain it. Custodian tracks physical
// custody and is the only mutable party field.
type Instance struct {
	PaketID       string
	EscrowAccount string
	Launcher      string
	Recipient     string
	Custodian     string
	Deadline      int64
	Payment       uint64
	Collateral    uint64
	Refund        *ledger.Envelope
	Payout        *ledger.Envelope
	State         State
	CreatedAt     int64
}

// Clone returns a deep copy so callers can mutate without touching the
// stored instance.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	clone := *i
	if i.Refund != nil {
		clone.Refund = i.Refund.Copy()
	}
	if i.Payout != nil {
		clone.Payout = i.Payout.Copy()
	}
	return &clone
}

// Total is the amount the escrow pays out on either outcome.
func (i *Instance) Total() uint64 {
	return i.Payment + i.Collateral
}

// ErrUnknownPackage is returned by stores when no instance carries the
// requested identifier.
var ErrUnknownPackage = errors.New("escrow: unknown package")

// Store persists escrow instances. The SQLite collaborator implements it for
// the gateway; MemoryStore backs tests and the sandbox.
type Store interface {
	CreatePackage(ctx context.Context, inst *Instance) error
	GetPackage(ctx context.Context, paketID string) (*Instance, error)
	UpdateCustodian(ctx context.Context, paketID, custodian string) error
	UpdatePackageState(ctx context.Context, paketID string, state State) error
}

// MemoryStore is a mutex-guarded in-process Store.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]*Instance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]*Instance)}
}

func (s *MemoryStore) CreatePackage(ctx context.Context, inst *Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.PaketID]; ok {
		return fmt.Errorf("escrow: package %s already exists", inst.PaketID)
	}
	s.instances[inst.PaketID] = inst.Clone()
	return nil
}

func (s *MemoryStore) GetPackage(ctx context.Context, paketID string) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[paketID]
	if !ok {
		return nil, ErrUnknownPackage
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) UpdateCustodian(ctx context.Context, paketID, custodian string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[paketID]
	if !ok {
		return ErrUnknownPackage
	}
	inst.Custodian = custodian
	return nil
}

func (s *MemoryStore) UpdatePackageState(ctx context.Context, paketID string, state State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[paketID]
	if !ok {
		return ErrUnknownPackage
	}
	inst.State = state
	return nil
}

// ListPackages returns every stored instance; the debug listing endpoint uses
// it when the gateway runs against the in-process store.
func (s *MemoryStore) ListPackages(ctx context.Context) ([]*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst.Clone())
	}
	return out, nil
}
