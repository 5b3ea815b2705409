package auth

import (
	"net/url"
	"testing"
)

func launchParams() url.Values {
	return url.Values{
		"recipient_pubkey":   {"pkt1recipient"},
		"courier_pubkey":     {"pkt1courier"},
		"deadline_timestamp": {"9999999999"},
		"payment_buls":       {"10"},
		"collateral_buls":    {"50"},
		CallerKey:            {"pkt1launcher"},
	}
}

func TestGenerateFingerprintDeterministic(t *testing.T) {
	fp1, err := GenerateFingerprint("/v1/launch_package", launchParams(), 1521650747)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	fp2, err := GenerateFingerprint("/v1/launch_package", launchParams(), 1521650747)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if fp1 != fp2 {
		t.Fatalf("fingerprint not deterministic: %q vs %q", fp1, fp2)
	}
	want := "/v1/launch_package,collateral_buls=50,courier_pubkey=pkt1courier,deadline_timestamp=9999999999,payment_buls=10,recipient_pubkey=pkt1recipient,1521650747"
	if fp1 != want {
		t.Fatalf("unexpected fingerprint:\n got %s\nwant %s", fp1, want)
	}
}

func TestFingerprintRoundTrip(t *testing.T) {
	params := launchParams()
	fp, err := GenerateFingerprint("/v1/launch_package", params, 42)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	nonce, fpErr := CheckFingerprint(fp, "/v1/launch_package", params)
	if fpErr != nil {
		t.Fatalf("check: %v", fpErr)
	}
	if nonce != 42 {
		t.Fatalf("expected nonce 42, got %d", nonce)
	}
}

func TestFingerprintRoundTripNoParams(t *testing.T) {
	params := url.Values{CallerKey: {"pkt1caller"}}
	fp, err := GenerateFingerprint("/v1/balance", params, 1000)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if fp != "/v1/balance,1000" {
		t.Fatalf("unexpected fingerprint %q", fp)
	}
	nonce, fpErr := CheckFingerprint(fp, "/v1/balance", params)
	if fpErr != nil {
		t.Fatalf("check: %v", fpErr)
	}
	if nonce != 1000 {
		t.Fatalf("expected nonce 1000, got %d", nonce)
	}
}

func TestCheckFingerprintRouteMismatch(t *testing.T) {
	fp, _ := GenerateFingerprint("/v1/balance", url.Values{}, 7)
	if _, err := CheckFingerprint(fp, "/v1/send_buls", url.Values{}); err == nil || err.Kind != KindRouteMismatch {
		t.Fatalf("expected RouteMismatch, got %v", err)
	}
}

func TestCheckFingerprintMalformedNonce(t *testing.T) {
	for _, fp := range []string{"/v1/balance", "/v1/balance,abc", "/v1/balance,a=b,-5"} {
		if _, err := CheckFingerprint(fp, "/v1/balance", url.Values{"a": {"b"}}); err == nil || err.Kind != KindMalformedNonce {
			t.Fatalf("fingerprint %q: expected MalformedNonce, got %v", fp, err)
		}
	}
}

func TestCheckFingerprintTamperDetection(t *testing.T) {
	params := launchParams()
	fp, err := GenerateFingerprint("/v1/launch_package", params, 99)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	t.Run("mutated value", func(t *testing.T) {
		tampered := launchParams()
		tampered.Set("payment_buls", "100000")
		if _, err := CheckFingerprint(fp, "/v1/launch_package", tampered); err == nil || err.Kind != KindValueMismatch {
			t.Fatalf("expected ValueMismatch, got %v", err)
		}
	})

	t.Run("dropped call parameter", func(t *testing.T) {
		tampered := launchParams()
		tampered.Del("collateral_buls")
		if _, err := CheckFingerprint(fp, "/v1/launch_package", tampered); err == nil || err.Kind != KindExtraFingerprintKey {
			t.Fatalf("expected ExtraFingerprintKey, got %v", err)
		}
	})

	t.Run("added call parameter", func(t *testing.T) {
		tampered := launchParams()
		tampered.Set("smuggled", "1")
		if _, err := CheckFingerprint(fp, "/v1/launch_package", tampered); err == nil || err.Kind != KindMissingFingerprintKey {
			t.Fatalf("expected MissingFingerprintKey, got %v", err)
		}
	})
}

func TestCheckFingerprintIgnoresCallerKey(t *testing.T) {
	params := url.Values{"amount_buls": {"5"}}
	fp, err := GenerateFingerprint("/v1/send_buls", params, 3)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	withCaller := url.Values{"amount_buls": {"5"}, CallerKey: {"pkt1someone"}}
	if _, fpErr := CheckFingerprint(fp, "/v1/send_buls", withCaller); fpErr != nil {
		t.Fatalf("caller key must not participate in binding: %v", fpErr)
	}
}

func TestGenerateFingerprintRejectsReservedCharacters(t *testing.T) {
	if _, err := GenerateFingerprint("/v1/x", url.Values{"note": {"a,b"}}, 1); err == nil {
		t.Fatalf("expected error for comma in value")
	}
	if _, err := GenerateFingerprint("/v1/x", url.Values{"k=v": {"a"}}, 1); err == nil {
		t.Fatalf("expected error for '=' in key")
	}
}
