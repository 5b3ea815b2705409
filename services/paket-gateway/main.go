package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paket/crypto"
	"paket/escrow"
	"paket/gateway/auth"
	"paket/gateway/metrics"
	"paket/ledger"
	"paket/observability/logging"
	"paket/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup("paket-gateway", cfg.Environment, cfg.Debug)

	store, err := storage.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()

	nonces, err := auth.NewLevelDBNonceStore(cfg.NonceDBPath)
	if err != nil {
		log.Fatalf("open nonce store: %v", err)
	}
	defer nonces.Close()

	issuer, err := crypto.PrivateKeyFromSeed(cfg.IssuerSeed)
	if err != nil {
		log.Fatalf("parse issuer seed: %v", err)
	}
	asset := ledger.Asset{Code: cfg.AssetCode, Issuer: issuer.PubKey().Address().String()}

	var client ledger.Client
	if cfg.LedgerURL == "" {
		// Debug-only path, enforced by config validation.
		client = ledger.NewMemory()
		logger.Warn("running against the in-process sandbox ledger")
	} else {
		client = ledger.NewRPCClient(cfg.LedgerURL, cfg.LedgerAuthToken, issuer)
	}

	if cfg.Debug && len(cfg.SandboxSeeds) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if err := InitSandbox(ctx, cfg, client, store, asset, logger); err != nil {
			cancel()
			log.Fatalf("seed sandbox: %v", err)
		}
		cancel()
	}

	authenticator := auth.NewAuthenticator(nonces, cfg.InsecureSkipVerification, logger)
	protocol := escrow.NewProtocol(escrow.LedgerContext{
		Client:      client,
		Asset:       asset,
		BaseReserve: cfg.BaseReserve,
	}, store, nil, logger)
	recorder := metrics.NewRecorder(metrics.Config{LogRequests: cfg.Debug}, logger)
	server := NewServer(cfg, authenticator, protocol, store, client, asset, recorder, logger)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("paket gateway listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down paket gateway")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown failed: %v\n", err)
	}
}
