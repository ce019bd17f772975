// Copyright 2025 Certen Protocol

package main

import (
	"context"
	"crypto/ecdsa"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/cloak-protocol/cloak/pkg/artifacts"
	"github.com/cloak-protocol/cloak/pkg/chain"
	"github.com/cloak-protocol/cloak/pkg/config"
	"github.com/cloak-protocol/cloak/pkg/database"
	"github.com/cloak-protocol/cloak/pkg/indexer/publisher"
	"github.com/cloak-protocol/cloak/pkg/indexer/server"
	"github.com/cloak-protocol/cloak/pkg/indexer/store"
	"github.com/cloak-protocol/cloak/pkg/kvdb"
	"github.com/cloak-protocol/cloak/pkg/metrics"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("starting Cloak indexer")

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

	var kv *kvdb.KVAdapter
	if cfg.FrontierCachePath != "" {
		levelDB, err := dbm.NewGoLevelDB("cloak-indexer-frontier", filepath.Dir(cfg.FrontierCachePath))
		if err != nil {
			log.Fatalf("failed to open frontier cache: %v", err)
		}
		kv = kvdb.NewKVAdapter(levelDB)
		defer kv.Close()
	}

	openCtx, openCancel := context.WithTimeout(context.Background(), 60*time.Second)
	commitmentStore, err := store.Open(openCtx, db, kv)
	openCancel()
	if err != nil {
		log.Fatalf("failed to open commitment store: %v", err)
	}
	log.Printf("commitment store recovered at leaf index %d", commitmentStore.NextIndex())

	authority, err := chain.LoadAuthorityKey(readKeyFile(cfg.AdminAuthorityKeyPath))
	if err != nil {
		log.Fatalf("failed to load admin authority key: %v", err)
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 30*time.Second)
	chainClient, closeClients, err := dialChainPool(dialCtx, cfg, authority)
	dialCancel()
	if err != nil {
		log.Fatalf("failed to dial chain RPC: %v", err)
	}
	defer closeClients()

	repos := database.NewRepositories(db)

	var opts []server.Option
	if cfg.ArtifactsManifestPath != "" {
		manifest, err := artifacts.Load(cfg.ArtifactsManifestPath)
		if err != nil {
			log.Fatalf("failed to load artifacts manifest: %v", err)
		}
		opts = append(opts, server.WithArtifactsManifest(manifest))
	}
	if cfg.ProverProxyEnabled {
		opts = append(opts, server.WithProverProxy(cfg.ProverProxyURL, cfg.ProverProxyRatePerSecond))
	}

	srv := server.New(commitmentStore, cfg.HTTPDeadline, opts...)

	httpServer := &http.Server{
		Addr:    cfg.IndexerListenAddr,
		Handler: srv.Mux(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	pub := publisher.New(commitmentStore, repos.Roots, chainClient, cfg.PublishInterval, cfg.PublishAfterAppends)
	go pub.Run(runCtx)

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
		log.Printf("indexer API listening on %s", cfg.IndexerListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start HTTP server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down indexer")
	runCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	log.Printf("indexer stopped")
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

func readKeyFile(path string) string {
	if path == "" {
		return ""
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("failed to read authority key file %s: %v", path, err)
	}
	return trimNewline(string(raw))
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
