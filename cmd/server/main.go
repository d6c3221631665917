package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/agenthands/cortex/internal/config"
	"github.com/agenthands/cortex/internal/core/model"
	"github.com/agenthands/cortex/internal/driver"
	"github.com/agenthands/cortex/internal/engine"
	"github.com/agenthands/cortex/internal/federated"
	"github.com/agenthands/cortex/internal/identity"
	"github.com/agenthands/cortex/internal/ledger"
	"github.com/agenthands/cortex/internal/llm"
	"github.com/agenthands/cortex/internal/observability"
	"github.com/agenthands/cortex/internal/orchestrator"
	"github.com/agenthands/cortex/internal/policy"
	"github.com/agenthands/cortex/internal/refresh"
	"github.com/agenthands/cortex/internal/remote"
	"github.com/agenthands/cortex/internal/retrieval"
	"github.com/agenthands/cortex/internal/server"
	"github.com/agenthands/cortex/internal/storage"
	"github.com/agenthands/cortex/internal/telemetry"
)

const (
	flushInterval   = 30 * time.Second
	telemetryRetry  = time.Minute
	shutdownTimeout = 10 * time.Second
)

func logger(component string) *log.Logger {
	return log.New(os.Stderr, "["+component+"] ", log.LstdFlags)
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/config.toml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("Warning: %v. Using defaults", err)
		cfg = config.Default()
	}
	if err := config.ApplyEnv(cfg); err != nil {
		log.Fatalf("Failed to apply environment: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	if dir := filepath.Dir(cfg.Device.StatePath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	device, err := identity.LoadOrCreate(cfg.Device.StatePath, cfg.Device.ID, cfg.Device.HMACKey)
	if err != nil {
		return fmt.Errorf("device identity: %w", err)
	}
	log.Printf("Device %s", device.ID())

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	wb := storage.NewWriteBehind(store, logger("storage"))

	keys, err := policy.ParsePublicKeys(cfg.Policy.PublicKeys)
	if err != nil {
		return fmt.Errorf("policy keys: %w", err)
	}
	policies := policy.NewEngine(policy.NewEd25519Verifier(keys...), policy.WithLogger(logger("policy")))

	localLLM, _, err := llm.NewClient(ctx, cfg.LocalLLM, nil)
	if err != nil {
		return fmt.Errorf("local llm: %w", err)
	}
	// Remote provider requests carry the same device signature as
	// control-plane calls.
	signed := remote.NewSigningClient(device, nil, nil)
	remoteLLM, _, err := llm.NewClient(ctx, cfg.RemoteLLM, signed)
	if err != nil {
		return fmt.Errorf("remote llm: %w", err)
	}
	embedder, err := newEmbedder(ctx, cfg)
	if err != nil {
		return err
	}

	idx := retrieval.New(embedder, retrieval.Options{
		Dimensions:    cfg.Retrieval.Dimensions,
		MemoryCeiling: cfg.Retrieval.MemoryCeilingBytes,
		StaleAfter:    cfg.StaleAfter(),
		CategoryBoost: retrieval.DefaultOptions().CategoryBoost,
		TagBoost:      retrieval.DefaultOptions().TagBoost,
		MaxTagBoost:   retrieval.DefaultOptions().MaxTagBoost,
		AgePenalty:    retrieval.DefaultOptions().AgePenalty,
		EvictFraction: retrieval.DefaultOptions().EvictFraction,
		Logger:        logger("retrieval"),
	})

	gateway := remote.NewGateway(remote.Config{
		BaseURL:           cfg.Remote.BaseURL,
		RequestsPerMinute: cfg.Remote.RequestsPerMinute,
		TokensPerHour:     cfg.Remote.TokensPerHour,
		Timeout:           cfg.RemoteTimeout(),
		TelemetryBuffer:   cfg.Remote.TelemetryBuffer,
	}, device, remoteLLM, remote.WithLogger(logger("remote")))

	registry := engine.NewRegistry(keys, cfg.Models.MemoryCeilingBytes, logger("models"))
	engineOpts := []engine.Option{engine.WithRegistry(registry), engine.WithLogger(logger("engine"))}
	if localLLM != nil {
		engineOpts = append(engineOpts, engine.WithRanker(llm.NewLLMRanker(localLLM)))
	}
	local := engine.New(localLLM, cfg.Prompts, engineOpts...)

	recorder := telemetry.NewRecorder(gateway, telemetry.Options{
		BatchSize:     cfg.Telemetry.BatchSize,
		FlushInterval: cfg.TelemetryFlushInterval(),
		Logger:        logger("telemetry"),
	})
	trainer := federated.NewOutcomeTrainer(cfg.Federated.DeltaLength)

	deps := orchestrator.Deps{
		Ledger:    ledger.New(cfg.Budget.SessionCap),
		Policy:    policies,
		Retrieval: idx,
		Local:     local,
		Telemetry: telemetry.Tee(recorder, trainer),
		Sampler:   observability.NewProcSampler(),
		Logger:    logger("orchestrator"),
		Tracer:    otel.Tracer(cfg.Tracing.ServiceName),
	}
	if cfg.Remote.BaseURL != "" || remoteLLM != nil {
		deps.Remote = gateway
	}
	orch, err := orchestrator.New(deps, orchestratorOptions(cfg))
	if err != nil {
		return err
	}

	var fed *federated.Manager
	if cfg.Federated.Enabled {
		fed = federated.NewManager(federated.Options{
			EpsilonPerRound:      cfg.Federated.EpsilonPerRound,
			MonthlyEpsilonBudget: cfg.Federated.MonthlyEpsilonBudget,
			MaxRoundsPerDay:      cfg.Federated.MaxRoundsPerDay,
			Sensitivity:          cfg.Federated.Sensitivity,
			MinSamples:           cfg.Federated.MinSamples,
			DeltaLength:          cfg.Federated.DeltaLength,
			Logger:               logger("federated"),
		}, gateway, trainer, device, wb)
		if err := fed.Load(ctx); err != nil {
			log.Printf("Warning: federated state not restored: %v", err)
		}
	}

	syncer := refresh.New(refresh.Config{
		Source:   gateway,
		Policies: policies,
		Index:    idx,
		Registry: registry,
		Store:    wb,
		Logger:   logger("refresh"),
	})
	if err := syncer.Restore(ctx); err != nil {
		log.Printf("Warning: restore from storage failed: %v", err)
	}

	var watcher *policy.Watcher
	if cfg.Policy.CacheDir != "" {
		if err := os.MkdirAll(cfg.Policy.CacheDir, 0o755); err != nil {
			return fmt.Errorf("create policy cache: %w", err)
		}
		if cfg.Policy.Watch {
			watcher, err = policy.NewWatcher(policies, cfg.Policy.CacheDir, logger("policy"))
			if err != nil {
				return fmt.Errorf("watch policies: %w", err)
			}
			if _, err := watcher.Reload(); err != nil {
				log.Printf("Warning: initial policy load failed: %v", err)
			}
		}
	}

	srvDeps := server.Deps{
		Orchestrator: orch,
		Index:        idx,
		Syncer:       syncer,
		Limits:       gateway.Limits,
		Logger:       logger("server"),
	}
	if watcher != nil {
		srvDeps.Policies = watcher
	}
	if fed != nil {
		srvDeps.Federated = fed
	}
	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.NewServer(srvDeps).SetupRouter(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := syncer.Once(gctx); err != nil {
			log.Printf("Warning: initial refresh: %v", err)
		}
		syncer.Run(gctx, cfg.RefreshInterval())
		return nil
	})
	g.Go(func() error { recorder.Run(gctx); return nil })
	g.Go(func() error { gateway.RunTelemetry(gctx, telemetryRetry); return nil })
	g.Go(func() error { wb.Run(gctx, flushInterval); return nil })
	if fed != nil && cfg.FederatedInterval() > 0 {
		g.Go(func() error { fed.Run(gctx, cfg.FederatedInterval()); return nil })
	}
	if watcher != nil {
		g.Go(func() error {
			defer watcher.Stop()
			if err := watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		log.Printf("Starting server on port %s", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	recorder.Flush()
	if err := gateway.FlushTelemetry(shutdownCtx); err != nil && !errors.Is(err, remote.ErrNotConfigured) {
		log.Printf("Warning: telemetry not delivered: %v", err)
	}
	if err := wb.Flush(shutdownCtx); err != nil {
		log.Printf("Warning: final flush: %v", err)
	}
	if err := store.Close(shutdownCtx); err != nil {
		log.Printf("Warning: close store: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("Warning: tracing shutdown: %v", err)
	}
	return runErr
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "memgraph":
		d, err := driver.NewMemgraphDriver(ctx, cfg.Memgraph.URI, cfg.Memgraph.User, cfg.Memgraph.Password)
		if err != nil {
			return nil, fmt.Errorf("connect to Memgraph: %w", err)
		}
		return storage.NewMemgraphStore(ctx, d)
	case "sqlite", "":
		if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		return storage.OpenSQLite(cfg.Storage.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

func newEmbedder(ctx context.Context, cfg *config.Config) (retrieval.Embedder, error) {
	if cfg.Embedding.Provider == "" || cfg.Embedding.Provider == "hash" {
		dims := cfg.Retrieval.Dimensions
		if dims <= 0 {
			dims = 256
		}
		return retrieval.NewHashEmbedder(dims), nil
	}
	_, embedder, err := llm.NewClient(ctx, cfg.Embedding, nil)
	if err != nil {
		return nil, fmt.Errorf("embedding client: %w", err)
	}
	if embedder == nil {
		return nil, fmt.Errorf("provider %q has no embedding support", cfg.Embedding.Provider)
	}
	return embedder, nil
}

func orchestratorOptions(cfg *config.Config) orchestrator.Options {
	opts := orchestrator.DefaultOptions()
	if cfg.Orchestrator.HybridConfidenceThreshold > 0 {
		opts.HybridThreshold = cfg.Orchestrator.HybridConfidenceThreshold
	}
	if len(cfg.Orchestrator.AlwaysLocalKinds) > 0 {
		opts.AlwaysLocal = nil
		for _, k := range cfg.Orchestrator.AlwaysLocalKinds {
			kind, err := model.ParseKind(k)
			if err != nil {
				log.Printf("Warning: ignoring always-local kind: %v", err)
				continue
			}
			opts.AlwaysLocal = append(opts.AlwaysLocal, kind)
		}
	}
	for k, v := range cfg.Orchestrator.LocalConfidencePrior {
		kind, err := model.ParseKind(k)
		if err != nil {
			log.Printf("Warning: ignoring confidence prior: %v", err)
			continue
		}
		opts.LocalConfidencePrior[kind] = v
	}
	if cfg.Retrieval.TopK > 0 {
		opts.RetrievalK = cfg.Retrieval.TopK
	}
	opts.MinSimilarity = cfg.Retrieval.MinSimilarity
	return opts
}
