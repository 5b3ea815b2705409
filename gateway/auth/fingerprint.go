package auth

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// CallerKey is the parameter name carrying the authenticated caller's
// account identifier. It is injected from the Pubkey header after
// authentication and is therefore excluded from fingerprint binding on both
// the generating and the checking side.
const CallerKey = "user_pubkey"

// fingerprintSeparator joins the route, the key=value pairs and the nonce.
// Values containing the separator (or '=') cannot be represented in this
// format; Generate rejects them instead of producing an ambiguous string.
const fingerprintSeparator = ","

// Kind identifies a specific authentication failure. The set is closed:
// handlers switch on it to choose status codes, and tests assert exact kinds.
type Kind int

const (
	KindMissingCredentials Kind = iota
	KindInvalidSignature
	KindRouteMismatch
	KindMalformedNonce
	KindExtraFingerprintKey
	KindMissingFingerprintKey
	KindValueMismatch
	KindNonceNotIncreasing
)

func (k Kind) String() string {
	switch k {
	case KindMissingCredentials:
		return "missing credentials"
	case KindInvalidSignature:
		return "invalid signature"
	case KindRouteMismatch:
		return "route mismatch"
	case KindMalformedNonce:
		return "malformed nonce"
	case KindExtraFingerprintKey:
		return "extra fingerprint key"
	case KindMissingFingerprintKey:
		return "missing fingerprint key"
	case KindValueMismatch:
		return "value mismatch"
	case KindNonceNotIncreasing:
		return "nonce not increasing"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by the fingerprint codec and the
// authenticator. Detail carries a human-readable explanation that is only
// surfaced to callers in debug deployments.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// GenerateFingerprint builds the canonical signed payload for a call:
// "<route>,[<key>=<value>,]*<nonce>" with keys in sorted order. The caller-id
// parameter is skipped. Used by clients, the sandbox initialiser and tests;
// the server only ever checks fingerprints.
func GenerateFingerprint(route string, params url.Values, nonce uint64) (string, error) {
	keys := make([]string, 0, len(params))
	for key := range params {
		if key == CallerKey {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+2)
	parts = append(parts, route)
	for _, key := range keys {
		value := params.Get(key)
		if strings.ContainsAny(key, fingerprintSeparator+"=") {
			return "", fmt.Errorf("fingerprint key %q contains a reserved character", key)
		}
		if strings.Contains(value, fingerprintSeparator) {
			return "", fmt.Errorf("value of %q contains a reserved character", key)
		}
		parts = append(parts, key+"="+value)
	}
	parts = append(parts, strconv.FormatUint(nonce, 10))
	return strings.Join(parts, fingerprintSeparator), nil
}

// CheckFingerprint validates a presented fingerprint against the route and
// the actual request parameters, returning the embedded nonce on success.
//
// The parameter comparison is a strict two-way set equality: a key present in
// the fingerprint but absent from the call fails with ExtraFingerprintKey, a
// key present in the call but absent from the fingerprint fails with
// MissingFingerprintKey, and a key present in both with differing values
// fails with ValueMismatch. An attacker can therefore neither add, drop, nor
// alter a signed parameter.
func CheckFingerprint(fingerprint, expectedRoute string, params url.Values) (uint64, *Error) {
	tokens := strings.Split(fingerprint, fingerprintSeparator)
	if tokens[0] != expectedRoute {
		return 0, newError(KindRouteMismatch, "fingerprint %s does not match call to %s", tokens[0], expectedRoute)
	}
	if len(tokens) < 2 {
		return 0, newError(KindMalformedNonce, "fingerprint has no nonce component")
	}
	nonce, err := strconv.ParseUint(tokens[len(tokens)-1], 10, 64)
	if err != nil {
		return 0, newError(KindMalformedNonce, "nonce %q is not an unsigned integer", tokens[len(tokens)-1])
	}

	remaining := make(map[string]string, len(params))
	for key := range params {
		if key == CallerKey {
			continue
		}
		remaining[key] = params.Get(key)
	}
	for _, pair := range tokens[1 : len(tokens)-1] {
		key, value, _ := strings.Cut(pair, "=")
		callValue, ok := remaining[key]
		if !ok {
			return 0, newError(KindExtraFingerprintKey, "fingerprint has extra value %s=%s", key, value)
		}
		delete(remaining, key)
		if callValue != value {
			return 0, newError(KindValueMismatch, "fingerprint %s=%s does not match call %s=%s", key, value, key, callValue)
		}
	}
	if len(remaining) > 0 {
		missing := make([]string, 0, len(remaining))
		for key := range remaining {
			missing = append(missing, key)
		}
		sort.Strings(missing)
		return 0, newError(KindMissingFingerprintKey, "fingerprint is missing a value for %s", strings.Join(missing, ", "))
	}
	return nonce, nil
}
