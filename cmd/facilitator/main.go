// Command facilitator runs the x402 payment facilitator service.
//
// Configuration is read from the environment:
//
//	LISTEN_ADDR       address to listen on (default :8402)
//	MODE              verify | settle | async (default settle)
//	PRIVATE_KEY       hex-encoded settlement signing key
//	RPC_URL_<NAME>    JSON-RPC endpoint per network, e.g. RPC_URL_BASE_SEPOLIA
//	CHECK_BALANCE     verify payer balance on chain (default true)
//	NONCE_TTL         retention of consumed nonces (default 24h)
//	JOBS_DB_PATH      SQLite path for the settlement queue (default in-memory)
//	QUEUE_WORKERS     settlement worker count (default 4)
//	QUEUE_MAX_RETRIES retry bound per job (default 3)
//	QUEUE_RETRY_DELAY initial retry backoff (default 5s)
//	LOG_LEVEL         debug | info | warn | error (default info)
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nacorid/x402-facilitator/facilitator"
	"github.com/nacorid/x402-facilitator/pkg/logging"
	"github.com/nacorid/x402-facilitator/x402"
	"github.com/nacorid/x402-facilitator/x402/ledger"
	"github.com/nacorid/x402-facilitator/x402/ledger/evm"
	"github.com/nacorid/x402-facilitator/x402/nonce"
	"github.com/nacorid/x402-facilitator/x402/settle"
	"github.com/nacorid/x402-facilitator/x402/settle/sqlite"
	"github.com/nacorid/x402-facilitator/x402/verify"
)

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		slog.Warn("ignoring invalid integer", "var", key, "value", value)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		slog.Warn("ignoring invalid duration", "var", key, "value", value)
	}
	return fallback
}

// rpcEnvName maps a legacy network name to its RPC endpoint variable, e.g.
// base-sepolia to RPC_URL_BASE_SEPOLIA.
func rpcEnvName(legacyName string) string {
	return "RPC_URL_" + strings.ReplaceAll(strings.ToUpper(legacyName), "-", "_")
}

func buildRegistry(privateKey string) (*ledger.Registry, error) {
	registry := ledger.NewRegistry()
	count := 0
	for _, chain := range x402.SupportedChains() {
		rpcURL := os.Getenv(rpcEnvName(chain.LegacyName))
		if rpcURL == "" {
			continue
		}
		client, err := evm.Dial(evm.Config{
			Network:    chain.Network,
			RPCURL:     rpcURL,
			PrivateKey: privateKey,
		})
		if err != nil {
			return nil, err
		}
		registry.Register(chain.Network, client)
		slog.Info("network configured", "network", chain.Network, "name", chain.LegacyName)
		count++
	}
	if count == 0 {
		return nil, errors.New("no networks configured, set at least one RPC_URL_<NETWORK>")
	}
	return registry, nil
}

func buildStore(dbPath string) (settle.Store, func() error, error) {
	if dbPath == "" {
		return settle.NewMemoryStore(), func() error { return nil }, nil
	}
	store, err := sqlite.New(dbPath)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func run() error {
	logging.Setup()
	logger := slog.Default()

	mode := facilitator.Mode(getEnv("MODE", string(facilitator.ModeSettle)))
	switch mode {
	case facilitator.ModeVerify, facilitator.ModeSettle, facilitator.ModeAsync:
	default:
		return errors.New("MODE must be verify, settle, or async")
	}

	privateKey := os.Getenv("PRIVATE_KEY")
	if privateKey == "" && mode != facilitator.ModeVerify {
		return errors.New("PRIVATE_KEY is required for settlement modes")
	}

	registry, err := buildRegistry(privateKey)
	if err != nil {
		return err
	}

	tracker := nonce.New(
		nonce.WithTTL(getEnvDuration("NONCE_TTL", 24*time.Hour)),
		nonce.WithJanitor(time.Minute),
	)
	defer tracker.Close()

	checkBalance := getEnv("CHECK_BALANCE", "true") == "true"
	verifier := &verify.Engine{
		Nonces:       tracker,
		Ledger:       registry,
		CheckBalance: checkBalance,
	}
	settler := settle.NewEngine(registry, tracker, logger)

	registerer := prometheus.NewRegistry()
	registerer.MustRegister(collectors.NewGoCollector())

	var queue *settle.Queue
	if mode != facilitator.ModeVerify {
		store, closeStore, err := buildStore(os.Getenv("JOBS_DB_PATH"))
		if err != nil {
			return err
		}
		defer closeStore()

		queue = settle.NewQueue(settle.Config{
			Workers:    getEnvInt("QUEUE_WORKERS", 4),
			MaxRetries: getEnvInt("QUEUE_MAX_RETRIES", 3),
			RetryDelay: getEnvDuration("QUEUE_RETRY_DELAY", 5*time.Second),
		}, settler, store, logger, settle.NewMetrics(registerer))

		if err := queue.Start(context.Background()); err != nil {
			return err
		}
		defer queue.Close()
	}

	service := &facilitator.Service{
		Verifier: verifier,
		Settler:  settler,
		Queue:    queue,
		Ledger:   registry,
		Logger:   logger,
	}
	server := &facilitator.Server{
		Service: service,
		Mode:    mode,
		Logger:  logger,
		Metrics: registerer,
	}

	addr := getEnv("LISTEN_ADDR", ":8402")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("facilitator listening", "addr", addr, "mode", string(mode))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func main() {
	if err := run(); err != nil {
		slog.Error("facilitator exited", "error", err)
		os.Exit(1)
	}
}
