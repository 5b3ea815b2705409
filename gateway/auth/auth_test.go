package auth

import (
	"context"
	"encoding/hex"
	"net/url"
	"sync"
	"testing"

	"paket/crypto"
)

func signedRequest(t *testing.T, key *crypto.PrivateKey, route string, params url.Values, nonce uint64) (pubkey, fingerprint, signature string) {
	t.Helper()
	fp, err := GenerateFingerprint(route, params, nonce)
	if err != nil {
		t.Fatalf("generate fingerprint: %v", err)
	}
	sig, err := crypto.Sign([]byte(fp), key)
	if err != nil {
		t.Fatalf("sign fingerprint: %v", err)
	}
	return key.PubKey().Address().String(), fp, hex.EncodeToString(sig)
}

func TestAuthenticateHappyPath(t *testing.T) {
	key, _ := crypto.GeneratePrivateKey()
	authenticator := NewAuthenticator(NewMemoryNonceStore(), false, nil)
	params := url.Values{"amount_buls": {"7"}, "to_pubkey": {"pkt1dest"}}
	pubkey, fp, sig := signedRequest(t, key, "/v1/send_buls", params, 1000)

	principal, err := authenticator.Authenticate(context.Background(), "/v1/send_buls", params, pubkey, fp, sig)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.Pubkey != pubkey {
		t.Fatalf("expected principal %s, got %s", pubkey, principal.Pubkey)
	}
}

func TestAuthenticateMissingCredentials(t *testing.T) {
	authenticator := NewAuthenticator(NewMemoryNonceStore(), false, nil)
	key, _ := crypto.GeneratePrivateKey()
	pubkey, fp, sig := signedRequest(t, key, "/v1/balance", url.Values{}, 1)

	cases := []struct {
		name                     string
		pubkey, fingerprint, sig string
	}{
		{"no pubkey", "", fp, sig},
		{"no fingerprint", pubkey, "", sig},
		{"no signature", pubkey, fp, ""},
	}
	for _, tc := range cases {
		_, err := authenticator.Authenticate(context.Background(), "/v1/balance", url.Values{}, tc.pubkey, tc.fingerprint, tc.sig)
		authErr, ok := err.(*Error)
		if !ok || authErr.Kind != KindMissingCredentials {
			t.Fatalf("%s: expected MissingCredentials, got %v", tc.name, err)
		}
	}
}

func TestAuthenticateRejectsForeignSigner(t *testing.T) {
	keyA, _ := crypto.GeneratePrivateKey()
	keyB, _ := crypto.GeneratePrivateKey()
	authenticator := NewAuthenticator(NewMemoryNonceStore(), false, nil)
	params := url.Values{}
	_, fp, sig := signedRequest(t, keyA, "/v1/balance", params, 5)

	// Signature by A presented under B's identity.
	_, err := authenticator.Authenticate(context.Background(), "/v1/balance", params, keyB.PubKey().Address().String(), fp, sig)
	authErr, ok := err.(*Error)
	if !ok || authErr.Kind != KindInvalidSignature {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}
}

func TestAuthenticateRejectsGarbageIdentity(t *testing.T) {
	key, _ := crypto.GeneratePrivateKey()
	authenticator := NewAuthenticator(NewMemoryNonceStore(), false, nil)
	_, fp, sig := signedRequest(t, key, "/v1/balance", url.Values{}, 5)

	for _, pubkey := range []string{"not-bech32", "pkt1qqqqqq"} {
		_, err := authenticator.Authenticate(context.Background(), "/v1/balance", url.Values{}, pubkey, fp, sig)
		authErr, ok := err.(*Error)
		if !ok || authErr.Kind != KindInvalidSignature {
			t.Fatalf("pubkey %q: expected InvalidSignature, got %v", pubkey, err)
		}
	}
}

func TestAuthenticateReplayFails(t *testing.T) {
	key, _ := crypto.GeneratePrivateKey()
	authenticator := NewAuthenticator(NewMemoryNonceStore(), false, nil)
	params := url.Values{}
	pubkey, fp, sig := signedRequest(t, key, "/v1/balance", params, 1000)

	if _, err := authenticator.Authenticate(context.Background(), "/v1/balance", params, pubkey, fp, sig); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := authenticator.Authenticate(context.Background(), "/v1/balance", params, pubkey, fp, sig)
	authErr, ok := err.(*Error)
	if !ok || authErr.Kind != KindNonceNotIncreasing {
		t.Fatalf("expected NonceNotIncreasing on replay, got %v", err)
	}
}

func TestAuthenticateOutOfOrderNonces(t *testing.T) {
	key, _ := crypto.GeneratePrivateKey()
	authenticator := NewAuthenticator(NewMemoryNonceStore(), false, nil)
	params := url.Values{}
	pubkey, fpHigh, sigHigh := signedRequest(t, key, "/v1/balance", params, 1001)
	_, fpLow, sigLow := signedRequest(t, key, "/v1/balance", params, 1000)

	// Higher nonce processed first: the late-arriving lower one must lose.
	if _, err := authenticator.Authenticate(context.Background(), "/v1/balance", params, pubkey, fpHigh, sigHigh); err != nil {
		t.Fatalf("nonce 1001: %v", err)
	}
	_, err := authenticator.Authenticate(context.Background(), "/v1/balance", params, pubkey, fpLow, sigLow)
	authErr, ok := err.(*Error)
	if !ok || authErr.Kind != KindNonceNotIncreasing {
		t.Fatalf("expected NonceNotIncreasing for stale nonce, got %v", err)
	}

	// In-order processing accepts both.
	fresh := NewAuthenticator(NewMemoryNonceStore(), false, nil)
	if _, err := fresh.Authenticate(context.Background(), "/v1/balance", params, pubkey, fpLow, sigLow); err != nil {
		t.Fatalf("nonce 1000: %v", err)
	}
	if _, err := fresh.Authenticate(context.Background(), "/v1/balance", params, pubkey, fpHigh, sigHigh); err != nil {
		t.Fatalf("nonce 1001 after 1000: %v", err)
	}
}

func TestNonceStoreConcurrentAdvance(t *testing.T) {
	store := NewMemoryNonceStore()
	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n uint64) {
			defer wg.Done()
			if err := store.Advance(context.Background(), "pkt1racer", n); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(uint64(i + 1))
	}
	wg.Wait()
	last, err := store.LastNonce(context.Background(), "pkt1racer")
	if err != nil {
		t.Fatalf("last nonce: %v", err)
	}
	if last != workers {
		t.Fatalf("expected final nonce %d, got %d", workers, last)
	}
	if accepted < 1 || accepted > workers {
		t.Fatalf("implausible accept count %d", accepted)
	}
	// Replays of anything at or below the recorded maximum must fail.
	if err := store.Advance(context.Background(), "pkt1racer", workers); err != ErrNonceNotIncreasing {
		t.Fatalf("expected ErrNonceNotIncreasing, got %v", err)
	}
}

func TestAuthenticateBypassTrustsHeader(t *testing.T) {
	authenticator := NewAuthenticator(NewMemoryNonceStore(), true, nil)
	principal, err := authenticator.Authenticate(context.Background(), "/v1/balance", url.Values{}, "pkt1whoever", "", "")
	if err != nil {
		t.Fatalf("bypass authenticate: %v", err)
	}
	if principal.Pubkey != "pkt1whoever" {
		t.Fatalf("expected bypass principal, got %q", principal.Pubkey)
	}
}
