package crypto

import (
	"bytes"
	"errors"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignature is the single failure kind reported by Verify. The
// cause (malformed encoding, bad recovery id, mismatched signer) is
// deliberately not distinguished so that verification cannot be used as an
// oracle.
var ErrInvalidSignature = errors.New("invalid signature")

// Sign produces a 65-byte recoverable signature over the keccak256 digest of
// msg. Production clients sign on their own devices; this function exists for
// the sandbox initialiser and for tests.
func Sign(msg []byte, key *PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, errors.New("crypto: nil private key")
	}
	digest := crypto.Keccak256(msg)
	return crypto.Sign(digest, key.PrivateKey)
}

// Recover extracts the signer address from a detached signature over msg.
func Recover(msg []byte, sig []byte) (Address, error) {
	if len(sig) != crypto.SignatureLength {
		return Address{}, ErrInvalidSignature
	}
	digest := crypto.Keccak256(msg)
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return Address{}, ErrInvalidSignature
	}
	recovered := crypto.PubkeyToAddress(*pub)
	return NewAddress(PktPrefix, recovered.Bytes()), nil
}

// Verify checks a detached signature over msg against the claimed signer
// address. The public key is recovered from the signature itself, so the
// server never needs to hold or look up client key material.
func Verify(msg []byte, signer Address, sig []byte) error {
	if len(sig) != crypto.SignatureLength {
		return ErrInvalidSignature
	}
	digest := crypto.Keccak256(msg)
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return ErrInvalidSignature
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if !bytes.Equal(recovered.Bytes(), signer.Bytes()) {
		return ErrInvalidSignature
	}
	return nil
}
