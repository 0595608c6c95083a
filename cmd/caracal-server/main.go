// caracal-server wires every core component into one process: the gateway
// ingress, the ledger-writer and cache-invalidator consumers, the Merkle
// batcher, and the snapshot rotator.
package main

import (
	"context"
	stdtls "crypto/tls"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/caracal-sh/caracal/pkg/budget"
	"github.com/caracal-sh/caracal/pkg/cache"
	"github.com/caracal-sh/caracal/pkg/config"
	"github.com/caracal-sh/caracal/pkg/crypto"
	caracaltls "github.com/caracal-sh/caracal/pkg/crypto/tls"
	"github.com/caracal-sh/caracal/pkg/database"
	"github.com/caracal-sh/caracal/pkg/eventbus"
	"github.com/caracal-sh/caracal/pkg/gateway"
	"github.com/caracal-sh/caracal/pkg/ledgerwriter"
	"github.com/caracal-sh/caracal/pkg/mandate"
	"github.com/caracal-sh/caracal/pkg/merklebatch"
	"github.com/caracal-sh/caracal/pkg/observability"
	"github.com/caracal-sh/caracal/pkg/policy"
	"github.com/caracal-sh/caracal/pkg/principal"
	"github.com/caracal-sh/caracal/pkg/snapshot"
	"github.com/caracal-sh/caracal/pkg/store"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The provider is handed to every instrumented component; when
	// observability is disabled (or fails to start) it stays nil and the
	// components skip their tracking calls.
	var obs *observability.Provider
	if cfg.ObservabilityEnabled {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		provider, err := observability.New(ctx, obsCfg)
		if err != nil {
			log.Warn("observability disabled", "error", err)
		} else {
			obs = provider
			defer func() { _ = provider.Shutdown(context.Background()) }()
		}
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Error("database open failed", "error", err)
		os.Exit(4)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Error("database unreachable", "error", err)
		os.Exit(4)
	}
	if err := database.InitSchema(ctx, db); err != nil {
		log.Error("schema init failed", "error", err)
		os.Exit(4)
	}

	hsm, err := crypto.NewSoftHSM(cfg.HSMKeyDir)
	if err != nil {
		log.Error("key store init failed", "error", err)
		os.Exit(1)
	}
	ring := crypto.NewKeyRing()
	primary, err := hsm.GetSigner(cfg.SigningKeyID)
	if err != nil {
		log.Error("primary signer init failed", "error", err)
		os.Exit(1)
	}
	ring.AddKey(primary)

	// Stores.
	principals := principal.NewPostgresStore(db)
	policies := policy.NewPostgresStore(db)
	mandates := mandate.NewPostgresStore(db)
	ledger := ledgerwriter.NewPostgresStore(db)
	batches := merklebatch.NewPostgresStore(db)

	// Bus + publisher.
	bus := eventbus.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword, 0, cfg.EventBusStreamPartitions)
	publisher := eventbus.NewPublisher(bus)

	// Ledger writer + batcher.
	validator, err := ledgerwriter.NewValidator()
	if err != nil {
		log.Error("schema compilation failed", "error", err)
		os.Exit(1)
	}
	batchCfg := merklebatch.DefaultConfig()
	batchCfg.MaxLeaves = cfg.MerkleBatchMaxLeaves
	batchCfg.MaxAge = cfg.MerkleBatchMaxAge
	batcher := merklebatch.NewBatcher(ledger, batches, ring, batchCfg, log).WithObservability(obs)
	writer := ledgerwriter.NewWriter(ledger, validator, batcher, log).WithObservability(obs)

	// Cache + invalidator, warmed from the on-disk fallback so a restart
	// during a policy store outage keeps degraded mode available.
	policyCache := cache.New(cfg.CacheTTL, cfg.CacheMaxEntries)
	invalidator := cache.NewInvalidator(policyCache)
	fallback, err := store.NewAirgapStore(getenvDefault("CARACAL_FALLBACK_DIR", "./caracal-fallback"))
	if err != nil {
		log.Warn("fallback cache unavailable", "error", err)
	} else {
		if raw, err := fallback.Get(ctx, "policies"); err == nil {
			var cached map[string]*policy.Policy
			if json.Unmarshal(raw, &cached) == nil {
				policyCache.WarmFrom(cached)
				log.Info("policy cache warmed from fallback file", "entries", len(cached))
			}
		}
		defer func() {
			if raw, err := json.Marshal(policyCache.Export()); err == nil {
				_ = fallback.Put(context.Background(), "policies", raw)
			}
		}()
	}

	// Snapshot rotation; the backend (file, s3, gcs) comes from config.
	snapshotter := snapshot.NewSnapshotter(principals, policies, mandates, ledger, ring)
	snapshotStore, err := snapshot.OpenStore(ctx, snapshotBackendConfig(cfg))
	if err != nil {
		log.Error("snapshot store init failed", "error", err)
		os.Exit(1)
	}
	rotator := snapshot.NewRotator(snapshotter, snapshotStore, time.Hour, 24)

	// Gateway.
	gwCfg := gateway.DefaultConfig()
	gwCfg.UpstreamTimeout = cfg.UpstreamTimeout
	gwCfg.NonceWindow = cfg.NonceWindow
	gwCfg.MaxSeenNonces = cfg.MaxSeenNonces
	timeline := observability.NewAuditTimeline()
	gw := gateway.New(buildAuthenticator(log), mandate.NewTokenCodec(hsm), mandates, policies,
		policyCache, hsm, publisher, gwCfg, log).WithTimeline(timeline).WithObservability(obs)
	gw.AddStatsSource("timeline", func(context.Context) map[string]any {
		return map[string]any{"healthy": true, "entries": timeline.Count()}
	})
	gw.AddStatsSource("merkle_batcher", func(ctx context.Context) map[string]any {
		h, err := batcher.CheckHealth(ctx)
		if err != nil {
			return map[string]any{"healthy": false, "error": err.Error()}
		}
		depth, hw := batcher.QueueDepth()
		return map[string]any{
			"healthy": h.Healthy, "unbatched_events": h.UnbatchedEvents,
			"queue_depth": depth, "high_watermark": hw, "sign_failures": h.SignFailures,
		}
	})
	gw.AddStatsSource("consumer_lag", func(ctx context.Context) map[string]any {
		out := map[string]any{"healthy": true}
		for _, topic := range []string{eventbus.TopicAuthority, eventbus.TopicMetering} {
			lag, err := bus.Lag(ctx, "ledger-writer", topic)
			if err != nil {
				out["healthy"] = false
				out[topic] = err.Error()
				continue
			}
			out[topic] = lag
		}
		return out
	})

	hostname, _ := os.Hostname()
	retry := eventbus.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.ConsumerMaxRetries

	var wg sync.WaitGroup
	runLoop := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.Error("worker stopped", "worker", name, "error", err)
				stop()
			}
		}()
	}

	runLoop("ledger-writer", func(ctx context.Context) error {
		consumer := eventbus.NewRedisConsumer(bus, "ledger-writer", hostname,
			[]string{eventbus.TopicAuthority, eventbus.TopicMetering}).WithRetryPolicy(retry)
		return consumer.Run(ctx, writer.Handle)
	})
	budgetStorage := budget.NewPostgresStorage(db)
	budgetConsumer := budget.NewConsumer(budgetStorage)
	runLoop("budget-meter", func(ctx context.Context) error {
		consumer := eventbus.NewRedisConsumer(bus, "budget-meter", hostname,
			[]string{eventbus.TopicMetering}).WithRetryPolicy(retry)
		return consumer.Run(ctx, budgetConsumer.Handle)
	})
	runLoop("provisional-charge-sweeper", func(ctx context.Context) error {
		tick := time.NewTicker(10 * time.Minute)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick.C:
				if n, err := budgetStorage.ExpireProvisionalCharges(ctx, time.Now().Add(-time.Hour)); err == nil && n > 0 {
					log.Info("expired stale provisional charges", "count", n)
				}
			}
		}
	})
	runLoop("cache-invalidator", func(ctx context.Context) error {
		consumer := eventbus.NewRedisConsumer(bus, "cache-invalidator", hostname,
			[]string{eventbus.TopicPolicyChanges}).WithRetryPolicy(retry)
		return consumer.Run(ctx, invalidator.Handle)
	})
	runLoop("merkle-batcher", batcher.Run)
	runLoop("snapshot-rotator", rotator.Run)

	mux := http.NewServeMux()
	gw.RegisterRoutes(mux)
	server := &http.Server{
		Addr:              ":" + cfg.GatewayPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	certFile := getenvDefault("CARACAL_TLS_CERT", "")
	keyFile := getenvDefault("CARACAL_TLS_KEY", "")
	clientCAFile := getenvDefault("CARACAL_TLS_CLIENT_CA", "")
	if certFile != "" && keyFile != "" {
		var tlsConf *stdtls.Config
		if clientCAFile != "" {
			tlsConf, err = caracaltls.MutualServerConfig(certFile, keyFile, clientCAFile)
		} else {
			tlsConf, err = caracaltls.ServerConfig(certFile, keyFile)
		}
		if err != nil {
			log.Error("tls config failed", "error", err)
			os.Exit(1)
		}
		server.TLSConfig = tlsConf
	}

	runLoop("http", func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() {
			if server.TLSConfig != nil {
				errCh <- server.ListenAndServeTLS("", "")
			} else {
				errCh <- server.ListenAndServe()
			}
		}()
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	})

	log.Info("caracal-server started", "port", cfg.GatewayPort, "partitions", cfg.EventBusStreamPartitions)
	<-ctx.Done()
	log.Info("shutting down")
	wg.Wait()
}

// buildAuthenticator assembles the gateway auth chain from the
// environment: static API keys for service callers, mTLS when terminated
// locally.
func buildAuthenticator(log *slog.Logger) gateway.Authenticator {
	chain := gateway.Chain{gateway.MTLSAuthenticator{}}

	pepper := getenvDefault("CARACAL_API_KEY_PEPPER", "")
	keys := getenvDefault("CARACAL_API_KEYS", "") // "key:principal,key:principal"
	if pepper != "" && keys != "" {
		apiAuth := gateway.NewAPIKeyAuthenticator([]byte(pepper))
		for _, pair := range strings.Split(keys, ",") {
			parts := strings.SplitN(pair, ":", 2)
			if len(parts) != 2 {
				continue
			}
			if err := apiAuth.Register(parts[0], parts[1]); err != nil {
				log.Warn("api key registration failed", "principal", parts[1], "error", err)
			}
		}
		chain = append(chain, apiAuth)
	}
	return chain
}

func snapshotBackendConfig(cfg *config.Config) snapshot.BackendConfig {
	return snapshot.BackendConfig{
		Backend:    snapshot.Backend(cfg.SnapshotBackend),
		Dir:        cfg.SnapshotDir,
		S3Bucket:   cfg.SnapshotS3Bucket,
		S3Region:   cfg.SnapshotS3Region,
		S3Endpoint: cfg.SnapshotS3Endpoint,
		S3Prefix:   cfg.SnapshotS3Prefix,
		GCSBucket:  cfg.SnapshotGCSBucket,
		GCSPrefix:  cfg.SnapshotGCSPrefix,
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return log
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
