package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"paket/crypto"
	"paket/ledger"
	"paket/storage"
)

const (
	sandboxNativeBalance = 1000
	sandboxBULBalance    = 1000
	sandboxTrustLimit    = 1_000_000
)

// InitSandbox seeds the well-known test accounts named in the configuration:
// each gets a funded ledger account, a BUL trustline, a starting BUL balance
// minted by the issuer, and a user record under its role name. Debug mode
// only; reruns tolerate accounts that already exist.
func InitSandbox(ctx context.Context, cfg Config, client ledger.Client, store *storage.SQLiteStore, asset ledger.Asset, logger *slog.Logger) error {
	issuer, err := crypto.PrivateKeyFromSeed(cfg.IssuerSeed)
	if err != nil {
		return fmt.Errorf("sandbox: issuer seed: %w", err)
	}
	issuerAddr := issuer.PubKey().Address().String()
	if err := client.NewAccount(ctx, issuerAddr, sandboxNativeBalance); err != nil && !errors.Is(err, ledger.ErrAccountExists) {
		return fmt.Errorf("sandbox: create issuer account: %w", err)
	}

	roles := make([]string, 0, len(cfg.SandboxSeeds))
	for role := range cfg.SandboxSeeds {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	for _, role := range roles {
		key, err := crypto.PrivateKeyFromSeed(cfg.SandboxSeeds[role])
		if err != nil {
			return fmt.Errorf("sandbox: seed for %s: %w", role, err)
		}
		addr := key.PubKey().Address().String()

		err = client.NewAccount(ctx, addr, sandboxNativeBalance)
		switch {
		case errors.Is(err, ledger.ErrAccountExists):
			logger.Debug("sandbox account already seeded", "role", role, "pubkey", addr)
			continue
		case err != nil:
			return fmt.Errorf("sandbox: create account for %s: %w", role, err)
		}
		if err := client.Trust(ctx, key, asset, sandboxTrustLimit); err != nil {
			return fmt.Errorf("sandbox: trustline for %s: %w", role, err)
		}
		if err := mint(ctx, client, issuer, addr, asset, sandboxBULBalance); err != nil {
			return fmt.Errorf("sandbox: fund %s: %w", role, err)
		}
		if err := store.CreateUser(ctx, storage.User{Pubkey: addr, Callsign: role}); err != nil && !errors.Is(err, storage.ErrDuplicateUser) {
			return fmt.Errorf("sandbox: register %s: %w", role, err)
		}
		logger.Info("sandbox account seeded", "role", role, "pubkey", addr)
	}
	return nil
}

func mint(ctx context.Context, client ledger.Client, issuer *crypto.PrivateKey, destination string, asset ledger.Asset, amount uint64) error {
	source := issuer.PubKey().Address().String()
	seq, err := client.AccountSequence(ctx, source)
	if err != nil {
		return err
	}
	env := ledger.NewEnvelope(ledger.Transaction{
		Source:     source,
		Sequence:   seq + 1,
		Operations: []ledger.Operation{ledger.PaymentOp(destination, asset, amount)},
	})
	if err := env.Sign(issuer); err != nil {
		return err
	}
	_, err = client.Submit(ctx, env)
	return err
}
