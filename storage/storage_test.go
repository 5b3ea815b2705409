package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"paket/escrow"
	"paket/ledger"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "paket.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUserLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	alice := User{Pubkey: "pkt1alice", Callsign: "alice", FullName: "Alice A", PhoneNumber: "123"}
	require.NoError(t, store.CreateUser(ctx, alice))

	got, err := store.GetUser(ctx, "pkt1alice")
	require.NoError(t, err)
	require.Equal(t, &alice, got)

	got, err = store.GetUserByCallsign(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "pkt1alice", got.Pubkey)

	require.NoError(t, store.UpdateUserDetails(ctx, "pkt1alice", "Alice B", "456"))
	got, err = store.GetUser(ctx, "pkt1alice")
	require.NoError(t, err)
	require.Equal(t, "Alice B", got.FullName)
	require.Equal(t, "456", got.PhoneNumber)

	_, err = store.GetUser(ctx, "pkt1nobody")
	require.ErrorIs(t, err, ErrUnknownUser)
	require.ErrorIs(t, store.UpdateUserDetails(ctx, "pkt1nobody", "", ""), ErrUnknownUser)
}

func TestDuplicateUsersRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, User{Pubkey: "pkt1alice", Callsign: "alice"}))
	// Same pubkey fresh callsign, then fresh pubkey same callsign.
	require.ErrorIs(t, store.CreateUser(ctx, User{Pubkey: "pkt1alice", Callsign: "other"}), ErrDuplicateUser)
	require.ErrorIs(t, store.CreateUser(ctx, User{Pubkey: "pkt1other", Callsign: "alice"}), ErrDuplicateUser)
}

func TestListUsers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, User{Pubkey: "pkt1bob", Callsign: "bob"}))
	require.NoError(t, store.CreateUser(ctx, User{Pubkey: "pkt1alice", Callsign: "alice"}))

	users, err := store.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	require.Equal(t, "alice", users[0].Callsign)
	require.Equal(t, "bob", users[1].Callsign)
}

func testInstance(id string) *escrow.Instance {
	refund := ledger.Transaction{
		Source:     "pkt1escrow",
		Sequence:   3,
		MinTime:    5000,
		Operations: []ledger.Operation{ledger.PaymentOp("pkt1launcher", ledger.Asset{Code: "BUL", Issuer: "pkt1issuer"}, 60)},
	}
	payout := ledger.Transaction{
		Source:     "pkt1escrow",
		Sequence:   3,
		Operations: []ledger.Operation{ledger.PaymentOp("pkt1courier", ledger.Asset{Code: "BUL", Issuer: "pkt1issuer"}, 60)},
	}
	return &escrow.Instance{
		PaketID:       id,
		EscrowAccount: "pkt1escrow",
		Launcher:      "pkt1launcher",
		Recipient:     "pkt1recipient",
		Custodian:     "pkt1launcher",
		Deadline:      5000,
		Payment:       50,
		Collateral:    10,
		Refund:        ledger.NewEnvelope(refund),
		Payout:        ledger.NewEnvelope(payout),
		State:         escrow.StateCreated,
		CreatedAt:     1000,
	}
}

func TestPackageRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := testInstance("paket-1")
	require.NoError(t, store.CreatePackage(ctx, inst))

	got, err := store.GetPackage(ctx, "paket-1")
	require.NoError(t, err)
	require.Equal(t, inst, got)
	// The stored envelopes must round-trip to the same transaction hashes or
	// the pre-authorized signers become unusable.
	require.Equal(t, inst.Refund.Tx.HashHex(), got.Refund.Tx.HashHex())
	require.Equal(t, inst.Payout.Tx.HashHex(), got.Payout.Tx.HashHex())

	_, err = store.GetPackage(ctx, "paket-404")
	require.ErrorIs(t, err, escrow.ErrUnknownPackage)
}

func TestPackageUpdates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePackage(ctx, testInstance("paket-1")))

	require.NoError(t, store.UpdateCustodian(ctx, "paket-1", "pkt1courier"))
	require.NoError(t, store.UpdatePackageState(ctx, "paket-1", escrow.StateAcceptedByRecipient))

	got, err := store.GetPackage(ctx, "paket-1")
	require.NoError(t, err)
	require.Equal(t, "pkt1courier", got.Custodian)
	require.Equal(t, escrow.StateAcceptedByRecipient, got.State)

	require.ErrorIs(t, store.UpdateCustodian(ctx, "paket-404", "pkt1x"), escrow.ErrUnknownPackage)
	require.ErrorIs(t, store.UpdatePackageState(ctx, "paket-404", escrow.StateRefunded), escrow.ErrUnknownPackage)
}

func TestListPackagesByMember(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := testInstance("paket-1")
	second := testInstance("paket-2")
	second.Launcher = "pkt1other"
	second.Custodian = "pkt1other"
	require.NoError(t, store.CreatePackage(ctx, first))
	require.NoError(t, store.CreatePackage(ctx, second))

	mine, err := store.ListPackagesByMember(ctx, "pkt1launcher")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, "paket-1", mine[0].PaketID)

	// The recipient appears on both packages.
	mine, err = store.ListPackagesByMember(ctx, "pkt1recipient")
	require.NoError(t, err)
	require.Len(t, mine, 2)

	all, err := store.ListPackages(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}
