// Package validate applies closed per-route parameter schemas. Each field a
// route accepts is declared up front with one of a fixed set of kinds; unknown
// kinds cannot exist and raw strings never leak past the boundary untyped.
package validate

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"paket/crypto"
)

// FieldKind is the closed set of parameter interpretations.
type FieldKind int

const (
	// Raw passes the value through untouched.
	Raw FieldKind = iota
	// Amount is a non-negative integer number of asset units.
	Amount
	// Timestamp is a non-negative unix timestamp in seconds.
	Timestamp
	// PublicKey is a bech32 account address, optionally resolved from a
	// callsign when a resolver is configured.
	PublicKey
)

func (k FieldKind) String() string {
	switch k {
	case Raw:
		return "raw"
	case Amount:
		return "amount"
	case Timestamp:
		return "timestamp"
	case PublicKey:
		return "public key"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Field declares how a single named parameter is interpreted.
type Field struct {
	Kind     FieldKind
	Optional bool
}

// Required declares a mandatory field of the given kind.
func Required(kind FieldKind) Field { return Field{Kind: kind} }

// Optional declares a field that may be absent. Absent optional fields are
// simply missing from the result; present ones are validated like any other.
func Optional(kind FieldKind) Field { return Field{Kind: kind, Optional: true} }

// Schema maps parameter names to their declared fields. Parameters not named
// in the schema are ignored rather than rejected; the fingerprint check owns
// tamper detection.
type Schema map[string]Field

// InvalidFieldError reports a parameter that failed its declared kind.
type InvalidFieldError struct {
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid field %s: %s", e.Field, e.Reason)
}

// Resolver translates a callsign into an account address string. It is wired
// only in debug deployments; production validators leave it nil and accept
// bech32 addresses exclusively.
type Resolver func(ctx context.Context, callsign string) (string, error)

// Validator applies schemas to request parameters.
type Validator struct {
	resolve Resolver
}

func NewValidator(resolve Resolver) *Validator {
	return &Validator{resolve: resolve}
}

// Values holds the typed results of a successful Apply.
type Values struct {
	amounts    map[string]uint64
	timestamps map[string]int64
	addresses  map[string]crypto.Address
	raw        map[string]string
}

// Amount returns the parsed amount field, or 0 when an optional field was
// absent.
func (v *Values) Amount(name string) uint64 { return v.amounts[name] }

// Timestamp returns the parsed timestamp field, or 0 when absent.
func (v *Values) Timestamp(name string) int64 { return v.timestamps[name] }

// Address returns the decoded account address, or the zero Address when
// absent.
func (v *Values) Address(name string) crypto.Address { return v.addresses[name] }

// Raw returns the untyped value, or "" when absent.
func (v *Values) Raw(name string) string { return v.raw[name] }

// Has reports whether the named field was present in the request.
func (v *Values) Has(name string) bool {
	if _, ok := v.raw[name]; ok {
		return true
	}
	if _, ok := v.amounts[name]; ok {
		return true
	}
	if _, ok := v.timestamps[name]; ok {
		return true
	}
	_, ok := v.addresses[name]
	return ok
}

// Apply validates params against the schema and returns the typed values. The
// first offending field aborts with an InvalidFieldError.
func (v *Validator) Apply(ctx context.Context, schema Schema, params url.Values) (*Values, error) {
	out := &Values{
		amounts:    make(map[string]uint64),
		timestamps: make(map[string]int64),
		addresses:  make(map[string]crypto.Address),
		raw:        make(map[string]string),
	}
	for name, field := range schema {
		if !params.Has(name) {
			if field.Optional {
				continue
			}
			return nil, &InvalidFieldError{Field: name, Reason: "missing required parameter"}
		}
		value := params.Get(name)
		switch field.Kind {
		case Amount:
			amount, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, &InvalidFieldError{Field: name, Reason: "must be a non-negative integer"}
			}
			out.amounts[name] = amount
		case Timestamp:
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil || ts < 0 {
				return nil, &InvalidFieldError{Field: name, Reason: "must be a non-negative unix timestamp"}
			}
			out.timestamps[name] = ts
		case PublicKey:
			addr, err := v.resolveAddress(ctx, value)
			if err != nil {
				return nil, &InvalidFieldError{Field: name, Reason: err.Error()}
			}
			out.addresses[name] = addr
		case Raw:
			out.raw[name] = value
		default:
			return nil, &InvalidFieldError{Field: name, Reason: fmt.Sprintf("unsupported kind %s", field.Kind)}
		}
	}
	return out, nil
}

func (v *Validator) resolveAddress(ctx context.Context, value string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(value)
	if err == nil {
		return addr, nil
	}
	if v.resolve == nil {
		return crypto.Address{}, fmt.Errorf("not a valid account address")
	}
	resolved, resolveErr := v.resolve(ctx, value)
	if resolveErr != nil {
		return crypto.Address{}, fmt.Errorf("not a valid account address or known callsign")
	}
	addr, err = crypto.DecodeAddress(resolved)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("callsign resolved to an invalid address")
	}
	return addr, nil
}
