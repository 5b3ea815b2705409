// Package ledger defines the account/asset ledger contract the gateway runs
// against: a transaction envelope model, a JSON-RPC client for a real node,
// and an in-process ledger for tests.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"paket/crypto"
)

// Asset identifies a ledger asset. The zero Issuer marks the native asset
// used for account reserves.
type Asset struct {
	Code   string `json:"code"`
	Issuer string `json:"issuer,omitempty"`
}

// Native is the reserve asset every account holds a balance of.
var Native = Asset{Code: "PKT"}

func (a Asset) IsNative() bool { return a.Issuer == "" }

func (a Asset) String() string {
	if a.IsNative() {
		return a.Code
	}
	return a.Code + ":" + a.Issuer
}

// OpType enumerates the transaction operations the ledger understands.
type OpType string

const (
	OpCreateAccount OpType = "create_account"
	OpPayment       OpType = "payment"
	OpChangeTrust   OpType = "change_trust"
	OpSetOptions    OpType = "set_options"
)

// SignerType distinguishes ordinary key signers from pre-authorized
// transaction hashes.
type SignerType string

const (
	SignerKey       SignerType = "key"
	SignerPreauthTx SignerType = "preauth_tx"
)

// Signer is an entry in an account's signing policy. Key holds an account
// address for key signers and a hex transaction hash for preauth signers.
// Weight 0 removes the entry.
type Signer struct {
	Type   SignerType `json:"type"`
	Key    string     `json:"key"`
	Weight uint32     `json:"weight"`
}

// Operation is a single ledger mutation. It is a tagged union keyed on Type;
// only the fields relevant to the type are set.
type Operation struct {
	Type OpType `json:"type"`

	// CreateAccount, Payment
	Destination string `json:"destination,omitempty"`
	// CreateAccount
	StartingBalance uint64 `json:"starting_balance,omitempty"`
	// Payment, ChangeTrust
	Asset Asset `json:"asset"`
	// Payment
	Amount uint64 `json:"amount,omitempty"`
	// ChangeTrust
	Limit uint64 `json:"limit,omitempty"`

	// SetOptions
	MasterWeight  *uint32  `json:"master_weight,omitempty"`
	MedThreshold  *uint32  `json:"med_threshold,omitempty"`
	HighThreshold *uint32  `json:"high_threshold,omitempty"`
	Signers       []Signer `json:"signers,omitempty"`
}

// CreateAccountOp funds a new account with the given native starting balance.
func CreateAccountOp(destination string, startingBalance uint64) Operation {
	return Operation{Type: OpCreateAccount, Destination: destination, StartingBalance: startingBalance}
}

// PaymentOp moves amount units of asset from the transaction source to
// destination.
func PaymentOp(destination string, asset Asset, amount uint64) Operation {
	return Operation{Type: OpPayment, Destination: destination, Asset: asset, Amount: amount}
}

// ChangeTrustOp opens a trustline from the transaction source to the asset.
func ChangeTrustOp(asset Asset, limit uint64) Operation {
	return Operation{Type: OpChangeTrust, Asset: asset, Limit: limit}
}

// SetOptionsOp rewrites parts of the source account's signing policy. Nil
// weight/threshold pointers leave the current value untouched.
func SetOptionsOp(masterWeight, medThreshold, highThreshold *uint32, signers []Signer) Operation {
	return Operation{
		Type:          OpSetOptions,
		MasterWeight:  masterWeight,
		MedThreshold:  medThreshold,
		HighThreshold: highThreshold,
		Signers:       signers,
	}
}

// Weight is a convenience for building SetOptions pointers.
func Weight(w uint32) *uint32 { return &w }

// Transaction is the unit the ledger applies atomically. Sequence must be
// exactly one above the source account's recorded sequence. MinTime, when
// non-zero, forbids application before that ledger time.
type Transaction struct {
	Source     string      `json:"source"`
	Sequence   uint64      `json:"sequence"`
	MinTime    int64       `json:"min_time,omitempty"`
	Operations []Operation `json:"operations"`
}

// Hash returns the sha256 of the transaction's canonical JSON encoding. The
// encoding is canonical because field order is fixed by the struct layout and
// absent optionals are omitted.
func (tx *Transaction) Hash() [32]byte {
	encoded, err := json.Marshal(tx)
	if err != nil {
		// Only unmarshalable field types can fail here and the model has none.
		panic(fmt.Sprintf("encode transaction: %v", err))
	}
	return sha256.Sum256(encoded)
}

// HashHex returns the transaction hash as lowercase hex, the form used for
// pre-authorized signer entries.
func (tx *Transaction) HashHex() string {
	sum := tx.Hash()
	return hex.EncodeToString(sum[:])
}

// Envelope is a transaction plus the detached signatures collected for it.
// Signatures are hex-encoded recoverable signatures over the transaction
// hash.
type Envelope struct {
	Tx         Transaction `json:"tx"`
	Signatures []string    `json:"signatures,omitempty"`
}

// NewEnvelope wraps a transaction with no signatures.
func NewEnvelope(tx Transaction) *Envelope {
	return &Envelope{Tx: tx}
}

// Sign appends key's signature over the transaction hash.
func (e *Envelope) Sign(key *crypto.PrivateKey) error {
	sum := e.Tx.Hash()
	sig, err := crypto.Sign(sum[:], key)
	if err != nil {
		return fmt.Errorf("sign envelope: %w", err)
	}
	e.Signatures = append(e.Signatures, hex.EncodeToString(sig))
	return nil
}

// Copy returns a deep copy; callers countersign copies without mutating the
// stored original.
func (e *Envelope) Copy() *Envelope {
	dup := &Envelope{Tx: e.Tx}
	dup.Tx.Operations = append([]Operation(nil), e.Tx.Operations...)
	dup.Signatures = append([]string(nil), e.Signatures...)
	return dup
}
