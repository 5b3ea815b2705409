package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"paket/crypto"
	"paket/ledger"
)

// Signing policy locked onto every escrow account at launch. The refund hash
// alone clears the medium threshold; the payout hash needs the recipient's
// countersignature on top.
const (
	refundSignerWeight uint32 = 2
	payoutSignerWeight uint32 = 1
	recipientWeight    uint32 = 1
	escrowThreshold    uint32 = 2
)

// Protocol failure taxonomy. Submission failures split into two conditions
// callers must treat differently: a SubmissionError means the ledger
// definitely rejected the transaction, ErrSubmissionTimedOut means the
// outcome is unknown and the transaction may still land.
var (
	ErrAmountOverflow          = errors.New("escrow: payment plus collateral overflows the amount range")
	ErrSubmissionTimedOut      = errors.New("escrow: submission outcome unknown")
	ErrTooEarly                = errors.New("escrow: deadline has not passed")
	ErrTerminalState           = errors.New("escrow: package is in a terminal state")
	ErrNotCustodian            = errors.New("escrow: caller is not the current custodian")
	ErrEnvelopeMismatch        = errors.New("escrow: envelope does not match the pre-authorized transaction")
	ErrMissingEnvelope         = errors.New("escrow: countersigned payout envelope required")
	ErrRelayPaymentUnsupported = errors.New("escrow: relay payments are not configured")
)

// SubmissionError reports a definite ledger rejection. The escrow instance is
// left unchanged; the protocol never retries on the caller's behalf.
type SubmissionError struct {
	Op  string
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("escrow: %s submission rejected: %v", e.Op, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// LedgerContext bundles the ledger dependencies the protocol runs against.
// The asset's issuer doubles as the gateway's operating identity; there is no
// package-level singleton.
type LedgerContext struct {
	Client ledger.Client
	// Asset is the delivery token (BUL) escrows are denominated in.
	Asset ledger.Asset
	// BaseReserve is the native balance new escrow accounts are funded with.
	BaseReserve uint64
}

// RelayPaymentFunc builds the courier-to-courier payment promise for a relay
// hand-off. Deployments that do not price relays leave it nil.
type RelayPaymentFunc func(ctx context.Context, inst *Instance, newCustodian string, amount uint64) (*ledger.Transaction, error)

// Protocol drives escrow lifecycles. It holds no account keys between calls:
// the escrow keypair minted during Launch is discarded before Launch returns.
type Protocol struct {
	ledger       LedgerContext
	store        Store
	relayPayment RelayPaymentFunc
	logger       *slog.Logger
	newID        func() string
	nowFn        func() int64
}

func NewProtocol(lctx LedgerContext, store Store, relayPayment RelayPaymentFunc, logger *slog.Logger) *Protocol {
	if lctx.Client == nil {
		panic("escrow: nil ledger client")
	}
	if store == nil {
		panic("escrow: nil store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		ledger:       lctx,
		store:        store,
		relayPayment: relayPayment,
		logger:       logger,
		newID:        uuid.NewString,
		nowFn:        func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the wall clock used for CreatedAt stamps.
func (p *Protocol) SetNowFunc(now func() int64) { p.nowFn = now }

// Launch creates and locks the escrow account for a new package and returns
// the stored instance. After the returned instance is persisted the server
// cannot move the escrowed funds: the account's master key is discarded and
// its weight zeroed, leaving the pre-authorized refund and payout hashes as
// the only spend paths.
func (p *Protocol) Launch(ctx context.Context, launcher, recipient, courier string, deadline int64, payment, collateral uint64) (*Instance, error) {
	if payment == 0 {
		return nil, fmt.Errorf("escrow: payment must be positive")
	}
	// The pre-authorized envelopes and the stored instance must agree on
	// payment+collateral; a wrapped sum would strand every deposited BUL
	// beyond it behind the two spend hashes.
	if collateral > math.MaxUint64-payment {
		return nil, ErrAmountOverflow
	}
	if launcher == recipient {
		return nil, fmt.Errorf("escrow: launcher and recipient must differ")
	}

	escrowKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("escrow: generate account key: %w", err)
	}
	escrowAddr := escrowKey.PubKey().Address().String()

	if err := p.ledger.Client.NewAccount(ctx, escrowAddr, p.ledger.BaseReserve); err != nil {
		return nil, fmt.Errorf("escrow: create account: %w", err)
	}
	total := payment + collateral
	if err := p.ledger.Client.Trust(ctx, escrowKey, p.ledger.Asset, total); err != nil {
		return nil, fmt.Errorf("escrow: open trustline: %w", err)
	}
	seq, err := p.ledger.Client.AccountSequence(ctx, escrowAddr)
	if err != nil {
		return nil, fmt.Errorf("escrow: read sequence: %w", err)
	}

	// Refund and payout compete for the same sequence number so at most one
	// of them can ever apply.
	spendSeq := seq + 2
	refundTx := ledger.Transaction{
		Source:     escrowAddr,
		Sequence:   spendSeq,
		MinTime:    deadline,
		Operations: []ledger.Operation{ledger.PaymentOp(launcher, p.ledger.Asset, total)},
	}
	payoutTx := ledger.Transaction{
		Source:     escrowAddr,
		Sequence:   spendSeq,
		Operations: []ledger.Operation{ledger.PaymentOp(courier, p.ledger.Asset, total)},
	}

	lock := ledger.NewEnvelope(ledger.Transaction{
		Source:   escrowAddr,
		Sequence: seq + 1,
		Operations: []ledger.Operation{ledger.SetOptionsOp(
			ledger.Weight(0),
			ledger.Weight(escrowThreshold),
			ledger.Weight(escrowThreshold),
			[]ledger.Signer{
				{Type: ledger.SignerPreauthTx, Key: refundTx.HashHex(), Weight: refundSignerWeight},
				{Type: ledger.SignerPreauthTx, Key: payoutTx.HashHex(), Weight: payoutSignerWeight},
				{Type: ledger.SignerKey, Key: recipient, Weight: recipientWeight},
			},
		)},
	})
	if err := lock.Sign(escrowKey); err != nil {
		return nil, fmt.Errorf("escrow: sign lock: %w", err)
	}
	if _, err := p.submit(ctx, "lock", lock); err != nil {
		return nil, err
	}

	inst := &Instance{
		PaketID:       p.newID(),
		EscrowAccount: escrowAddr,
		Launcher:      launcher,
		Recipient:     recipient,
		Custodian:     launcher,
		Deadline:      deadline,
		Payment:       payment,
		Collateral:    collateral,
		Refund:        ledger.NewEnvelope(refundTx),
		Payout:        ledger.NewEnvelope(payoutTx),
		State:         StateCreated,
		CreatedAt:     p.nowFn(),
	}
	if err := p.store.CreatePackage(ctx, inst); err != nil {
		return nil, fmt.Errorf("escrow: persist package: %w", err)
	}
	p.logger.Info("package launched",
		"paket_id", inst.PaketID,
		"escrow_account", escrowAddr,
		"deadline", deadline,
		"payment", payment,
		"collateral", collateral)
	return inst.Clone(), nil
}

// Accept records acceptance of the package. The recipient accepts delivery by
// presenting the payout envelope carrying their countersignature, which
// drains the escrow to the courier and ends the lifecycle. Any other caller
// accepts physical custody, which only reassigns the custodian.
func (p *Protocol) Accept(ctx context.Context, caller, paketID string, payout *ledger.Envelope) error {
	inst, err := p.store.GetPackage(ctx, paketID)
	if err != nil {
		return err
	}
	if inst.State.Terminal() {
		return ErrTerminalState
	}
	if caller != inst.Recipient {
		if err := p.store.UpdateCustodian(ctx, paketID, caller); err != nil {
			return err
		}
		p.logger.Info("custody accepted", "paket_id", paketID, "custodian", caller)
		return nil
	}
	if payout == nil {
		return ErrMissingEnvelope
	}
	if payout.Tx.HashHex() != inst.Payout.Tx.HashHex() {
		return ErrEnvelopeMismatch
	}
	if _, err := p.submit(ctx, "payout", payout); err != nil {
		return err
	}
	if err := p.store.UpdatePackageState(ctx, paketID, StateAcceptedByRecipient); err != nil {
		return err
	}
	if err := p.store.UpdateCustodian(ctx, paketID, caller); err != nil {
		return err
	}
	p.logger.Info("package accepted by recipient", "paket_id", paketID)
	return nil
}

// Relay reassigns custody to a new courier. When a relay payment amount is
// requested the configured RelayPaymentFunc builds the promise transaction
// for the couriers to settle between themselves; the escrow itself is not
// touched.
func (p *Protocol) Relay(ctx context.Context, caller, paketID, newCustodian string, payment uint64) (*ledger.Transaction, error) {
	inst, err := p.store.GetPackage(ctx, paketID)
	if err != nil {
		return nil, err
	}
	if inst.State.Terminal() {
		return nil, ErrTerminalState
	}
	if caller != inst.Custodian {
		return nil, ErrNotCustodian
	}
	var promise *ledger.Transaction
	if payment > 0 {
		if p.relayPayment == nil {
			return nil, ErrRelayPaymentUnsupported
		}
		promise, err = p.relayPayment(ctx, inst, newCustodian, payment)
		if err != nil {
			return nil, fmt.Errorf("escrow: build relay payment: %w", err)
		}
	}
	if err := p.store.UpdateCustodian(ctx, paketID, newCustodian); err != nil {
		return nil, err
	}
	p.logger.Info("package relayed", "paket_id", paketID, "from", caller, "to", newCustodian)
	return promise, nil
}

// Refund drains the escrow back to the launcher once the deadline has
// passed, as judged by ledger time. The stored envelope is used when the
// caller does not present one; the pre-authorized hash alone satisfies the
// signing policy.
func (p *Protocol) Refund(ctx context.Context, paketID string, refund *ledger.Envelope) error {
	inst, err := p.store.GetPackage(ctx, paketID)
	if err != nil {
		return err
	}
	if inst.State.Terminal() {
		return ErrTerminalState
	}
	now, err := p.ledger.Client.Now(ctx)
	if err != nil {
		return fmt.Errorf("escrow: read ledger time: %w", err)
	}
	if now < inst.Deadline {
		return fmt.Errorf("%w: deadline %d, ledger time %d", ErrTooEarly, inst.Deadline, now)
	}
	if refund == nil {
		refund = inst.Refund
	} else if refund.Tx.HashHex() != inst.Refund.Tx.HashHex() {
		return ErrEnvelopeMismatch
	}
	if _, err := p.submit(ctx, "refund", refund); err != nil {
		return err
	}
	if err := p.store.UpdatePackageState(ctx, paketID, StateRefunded); err != nil {
		return err
	}
	p.logger.Info("package refunded", "paket_id", paketID, "launcher", inst.Launcher)
	return nil
}

// submit maps ledger submission failures onto the protocol's two failure
// conditions. A context deadline means the transaction may or may not have
// landed; everything else is a definite rejection.
func (p *Protocol) submit(ctx context.Context, op string, env *ledger.Envelope) (*ledger.Receipt, error) {
	receipt, err := p.ledger.Client.Submit(ctx, env)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			p.logger.Warn("submission outcome unknown", "op", op, "err", err)
			return nil, ErrSubmissionTimedOut
		}
		return nil, &SubmissionError{Op: op, Err: err}
	}
	return receipt, nil
}
