package validate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"

	"paket/crypto"
)

func testAddress(t *testing.T) crypto.Address {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key.PubKey().Address()
}

func TestApplyTypedFields(t *testing.T) {
	addr := testAddress(t)
	schema := Schema{
		"payment_buls":       Required(Amount),
		"deadline_timestamp": Required(Timestamp),
		"recipient_pubkey":   Required(PublicKey),
		"note":               Optional(Raw),
	}
	params := url.Values{
		"payment_buls":       {"60"},
		"deadline_timestamp": {"1521650747"},
		"recipient_pubkey":   {addr.String()},
	}
	values, err := NewValidator(nil).Apply(context.Background(), schema, params)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := values.Amount("payment_buls"); got != 60 {
		t.Fatalf("expected amount 60, got %d", got)
	}
	if got := values.Timestamp("deadline_timestamp"); got != 1521650747 {
		t.Fatalf("expected timestamp 1521650747, got %d", got)
	}
	if got := values.Address("recipient_pubkey"); got.String() != addr.String() {
		t.Fatalf("expected address %s, got %s", addr, got)
	}
	if values.Has("note") {
		t.Fatal("absent optional field should not be present")
	}
}

func TestApplyRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		schema Schema
		params url.Values
		field  string
	}{
		{
			name:   "missing required",
			schema: Schema{"payment_buls": Required(Amount)},
			params: url.Values{},
			field:  "payment_buls",
		},
		{
			name:   "negative amount",
			schema: Schema{"payment_buls": Required(Amount)},
			params: url.Values{"payment_buls": {"-5"}},
			field:  "payment_buls",
		},
		{
			name:   "non numeric amount",
			schema: Schema{"payment_buls": Required(Amount)},
			params: url.Values{"payment_buls": {"sixty"}},
			field:  "payment_buls",
		},
		{
			name:   "negative timestamp",
			schema: Schema{"deadline_timestamp": Required(Timestamp)},
			params: url.Values{"deadline_timestamp": {"-1"}},
			field:  "deadline_timestamp",
		},
		{
			name:   "garbage pubkey",
			schema: Schema{"to_pubkey": Required(PublicKey)},
			params: url.Values{"to_pubkey": {"not-an-address"}},
			field:  "to_pubkey",
		},
	}
	validator := NewValidator(nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := validator.Apply(context.Background(), tc.schema, tc.params)
			var fieldErr *InvalidFieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("expected InvalidFieldError, got %v", err)
			}
			if fieldErr.Field != tc.field {
				t.Fatalf("expected offending field %s, got %s", tc.field, fieldErr.Field)
			}
		})
	}
}

func TestApplyIgnoresUndeclaredParams(t *testing.T) {
	schema := Schema{"payment_buls": Required(Amount)}
	params := url.Values{"payment_buls": {"1"}, "stray": {"x"}}
	values, err := NewValidator(nil).Apply(context.Background(), schema, params)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if values.Has("stray") {
		t.Fatal("undeclared parameter must not surface in values")
	}
}

func TestResolverHandlesCallsigns(t *testing.T) {
	addr := testAddress(t)
	resolver := func(ctx context.Context, callsign string) (string, error) {
		if callsign == "courier" {
			return addr.String(), nil
		}
		return "", fmt.Errorf("unknown callsign %q", callsign)
	}
	validator := NewValidator(resolver)
	schema := Schema{"courier_pubkey": Required(PublicKey)}

	values, err := validator.Apply(context.Background(), schema, url.Values{"courier_pubkey": {"courier"}})
	if err != nil {
		t.Fatalf("apply with callsign: %v", err)
	}
	if got := values.Address("courier_pubkey"); got.String() != addr.String() {
		t.Fatalf("expected resolved address %s, got %s", addr, got)
	}

	// Real addresses bypass the resolver entirely.
	values, err = validator.Apply(context.Background(), schema, url.Values{"courier_pubkey": {addr.String()}})
	if err != nil {
		t.Fatalf("apply with address: %v", err)
	}
	if got := values.Address("courier_pubkey"); got.String() != addr.String() {
		t.Fatalf("expected address %s, got %s", addr, got)
	}

	_, err = validator.Apply(context.Background(), schema, url.Values{"courier_pubkey": {"nobody"}})
	var fieldErr *InvalidFieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("expected InvalidFieldError for unknown callsign, got %v", err)
	}
}
