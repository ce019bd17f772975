// Copyright 2025 Certen Protocol

package main

import (
	"context"
	"crypto/ecdsa"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cloak-protocol/cloak/pkg/chain"
	"github.com/cloak-protocol/cloak/pkg/config"
	"github.com/cloak-protocol/cloak/pkg/database"
	"github.com/cloak-protocol/cloak/pkg/merkle"
	"github.com/cloak-protocol/cloak/pkg/metrics"
	"github.com/cloak-protocol/cloak/pkg/relay/claimfinder"
	"github.com/cloak-protocol/cloak/pkg/relay/planner"
	"github.com/cloak-protocol/cloak/pkg/relay/server"
	"github.com/cloak-protocol/cloak/pkg/relay/worker"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("starting Cloak relay")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	db, err := database.NewClient(cfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.MigrateUp(ctx); err != nil {
		cancel()
		log.Fatalf("failed to run migrations: %v", err)
	}
	cancel()

	authority, err := chain.LoadAuthorityKey(readKeyFile(cfg.AuthorityKeyPath))
	if err != nil {
		log.Fatalf("failed to load relay authority key: %v", err)
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 30*time.Second)
	chainClient, closeClients, err := dialChainPool(dialCtx, cfg, authority)
	dialCancel()
	if err != nil {
		log.Fatalf("failed to dial chain RPC: %v", err)
	}
	defer closeClients()

	repos := database.NewRepositories(db)

	feeSink, err := parseFeeSink(cfg.ProtocolFeeSink)
	if err != nil {
		log.Fatalf("invalid CLOAK_PROTOCOL_FEE_SINK: %v", err)
	}

	finder := claimfinder.New(chainClient, cfg.ClaimSafetyMarginSlots)
	machine := worker.New(
		repos.Requests, repos.Claims, chainClient, finder,
		worker.FeeAccounts{ProtocolFeeSink: feeSink, RelayFeeBps: cfg.RelayFeeBps},
		cfg.RequestDeadline, cfg.ClaimRetryMaxAttempts,
	)
	pool := worker.NewPool(machine, 1024)

	runCtx, runCancel := context.WithCancel(context.Background())

	go pool.Run(runCtx, cfg.WorkerPoolSize)

	reconciler := worker.NewReconciler(repos.Requests, pool, time.Hour)
	go reconciler.Run(runCtx)

	go retentionSweep(runCtx, repos.Requests, cfg.StatusRetentionDays)

	pl := planner.New(repos.Requests, rootWindow{roots: repos.Roots}, pool.Enqueue)
	srv := server.New(pl, repos.Requests, cfg.HTTPDeadline)

	httpServer := &http.Server{
		Addr:    cfg.RelayListenAddr,
		Handler: srv.Mux(),
	}

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	go func() {
		log.Printf("relay API listening on %s", cfg.RelayListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start HTTP server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down relay")
	runCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	log.Printf("relay stopped")
}

// dialChainPool dials the primary RPC endpoint plus any fallbacks and
// wraps them in the circuit-breaking pool.
func dialChainPool(ctx context.Context, cfg *config.Config, authority *ecdsa.PrivateKey) (chain.Client, func(), error) {
	urls := append([]string{cfg.ChainRPCURL}, cfg.ChainRPCURLs...)

	var clients []chain.Client
	var rpcClients []*chain.RPCClient
	for _, url := range urls {
		c, err := chain.Dial(ctx, url, cfg.ShieldPoolProgramID, cfg.RegistryProgramID, authority)
		if err != nil {
			for _, open := range rpcClients {
				open.Close()
			}
			return nil, nil, err
		}
		clients = append(clients, c)
		rpcClients = append(rpcClients, c)
	}

	pool, err := chain.NewPool(clients...)
	if err != nil {
		for _, open := range rpcClients {
			open.Close()
		}
		return nil, nil, err
	}
	closeAll := func() {
		for _, open := range rpcClients {
			open.Close()
		}
	}
	return pool, closeAll, nil
}

// rootWindow adapts the shared historical_roots table to the planner's
// RootKnower interface.
type rootWindow struct {
	roots *database.RootRepository
}

func (rw rootWindow) KnowsRoot(ctx context.Context, root merkle.Hash) (bool, error) {
	return rw.roots.Knows(ctx, root, merkle.HistoricalRootWindow)
}

// retentionSweep purges terminal requests older than the configured
// retention window once an hour.
func retentionSweep(ctx context.Context, requests *database.RequestRepository, retentionDays int) {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	logger := log.New(log.Writer(), "[Retention] ", log.LstdFlags)
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			n, err := requests.PurgeOlderThan(ctx, cutoff)
			if err != nil {
				logger.Printf("purge failed: %v", err)
				continue
			}
			if n > 0 {
				logger.Printf("purged %d terminal requests older than %s", n, cutoff.Format(time.RFC3339))
			}
		}
	}
}

func parseFeeSink(s string) ([32]byte, error) {
	if s == "" {
		return [32]byte{}, nil
	}
	h, err := merkle.ParseHash(strings.TrimPrefix(s, "0x"))
	return [32]byte(h), err
}

func readKeyFile(path string) string {
	if path == "" {
		return ""
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("failed to read authority key file %s: %v", path, err)
	}
	return strings.TrimRight(string(raw), "\r\n")
}
