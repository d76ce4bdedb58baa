// Command myceliad runs the operator control plane: the intent pipeline, the
// breaker tree, the config registry, and the operator HTTP API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/Mycelia-Labs/mycelia/core/pkg/api"
	"github.com/Mycelia-Labs/mycelia/core/pkg/audit"
	"github.com/Mycelia-Labs/mycelia/core/pkg/authz"
	"github.com/Mycelia-Labs/mycelia/core/pkg/breaker"
	"github.com/Mycelia-Labs/mycelia/core/pkg/bus"
	"github.com/Mycelia-Labs/mycelia/core/pkg/config"
	"github.com/Mycelia-Labs/mycelia/core/pkg/configreg"
	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
	"github.com/Mycelia-Labs/mycelia/core/pkg/crypto"
	"github.com/Mycelia-Labs/mycelia/core/pkg/ingest"
	"github.com/Mycelia-Labs/mycelia/core/pkg/intent"
	"github.com/Mycelia-Labs/mycelia/core/pkg/observability"
	"github.com/Mycelia-Labs/mycelia/core/pkg/projection"
	"github.com/Mycelia-Labs/mycelia/core/pkg/replay"
	"github.com/Mycelia-Labs/mycelia/core/pkg/state"
	"github.com/Mycelia-Labs/mycelia/core/pkg/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	if cfg.OpsSecret == "" {
		return fmt.Errorf("OPS_SECRET is required")
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	signer, err := crypto.NewHMACSigner([]byte(cfg.OpsSecret))
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	repo, err := store.NewIntentRepository(db)
	if err != nil {
		return err
	}
	snaps, err := store.NewSnapshotStore(db)
	if err != nil {
		return err
	}
	fills, err := store.NewFillJournal(db)
	if err != nil {
		return err
	}

	eventBus := connectBus(cfg, log)
	defer eventBus.Close()

	world := state.NewManager()
	if snap, err := snaps.Latest(ctx); err == nil {
		world.Restore(snap.State)
		log.Info("world restored from snapshot", "seq", snap.Seq, "taken_at", snap.TakenAt)
	}

	auditSink, err := os.OpenFile(cfg.AuditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit sink: %w", err)
	}
	defer auditSink.Close()
	auditLog := audit.NewLog(auditSink, audit.WithPublisher(eventBus))
	if err := restoreAudit(cfg.AuditPath, auditLog, log); err != nil {
		return err
	}

	breakers := breaker.NewTree(world,
		breaker.WithPublisher(eventBus),
		breaker.WithAuditor(auditLog),
	)

	catalog, err := defaultCatalog()
	if err != nil {
		return err
	}
	regOpts := []configreg.RegistryOption{
		configreg.WithPublisher(eventBus),
		configreg.WithAuditor(auditLog),
		configreg.WithPresets(defaultPresets()),
		configreg.WithEnvLayer(envLayer()),
	}
	if fileValues, err := loadConfigFile(cfg.ConfigFile); err != nil {
		return err
	} else if fileValues != nil {
		regOpts = append(regOpts, configreg.WithFileLayer(fileValues))
	}
	receiptSink, err := os.OpenFile(cfg.ReceiptsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open receipt sink: %w", err)
	}
	defer receiptSink.Close()
	regOpts = append(regOpts, configreg.WithReceiptSink(receiptSink))

	configRegistry := configreg.NewRegistry(catalog, signer, regOpts...)
	if err := restoreReceipts(cfg.ReceiptsPath, configRegistry, log); err != nil {
		return err
	}

	obs, err := observability.New(ctx, observabilityConfig())
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	registry := intent.NewRegistry()
	builtins := &intent.Builtins{State: world, Breakers: breakers, Config: configRegistry, Bus: eventBus}
	if err := builtins.Register(registry); err != nil {
		return err
	}

	stream := intent.NewStream(1024)
	// The cap guard needs the service it guards; bind it through a pointer
	// the same way CancelIntent is bound below.
	var svc *intent.Service
	capGuard := intent.CriticalCapGuard(3, func(level contracts.DangerLevel) int {
		if svc == nil {
			return 0
		}
		return svc.InFlightByDanger(level)
	})
	svc = intent.NewService(repo, signer, authz.DefaultTable(), auditLog, stream, registry, world.StateHash,
		intent.WithLogger(log),
		intent.WithMaxInMemory(cfg.MaxInMemory),
		intent.WithTTLGrace(cfg.TTLGrace),
		intent.WithGuard(intent.BreakerGuard(breakers)),
		intent.WithGuard(capGuard),
		intent.WithMetrics(obs),
	)
	builtins.CancelIntent = svc.Cancel
	if err := svc.HydrateFromRepo(ctx, cfg.MaxInMemory); err != nil {
		return fmt.Errorf("hydrate intents: %w", err)
	}

	consumer := ingest.NewFillConsumer(world, fills, log)
	if err := consumer.Start(eventBus); err != nil {
		return fmt.Errorf("start fill consumer: %w", err)
	}
	defer consumer.Stop()

	if _, err := eventBus.Subscribe(bus.SubjectBreakerTripped, "telemetry", func(ctx context.Context, _ string, payload []byte) error {
		var trip breaker.TripEvent
		if err := json.Unmarshal(payload, &trip); err != nil {
			return bus.DecodeError(err)
		}
		obs.RecordBreakerTrip(ctx, string(trip.Layer))
		return nil
	}); err != nil {
		return fmt.Errorf("subscribe breaker telemetry: %w", err)
	}

	snapshotter := replay.NewSnapshotter(world, snaps, cfg.SnapshotInterval, log)
	go snapshotter.Run(ctx)

	proj := projection.New(world, breakers, recentIntents{svc}, configRegistry)
	defer proj.Close()
	engine := replay.NewEngine(snaps, auditLog, fills)

	server := api.NewServer(log, svc, repo, stream, proj, configRegistry, engine)
	return server.ListenAndServe(ctx, api.ServerConfig{
		Addr:           ":" + cfg.Port,
		JWTSecret:      []byte(cfg.JWTSecret),
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Idempotency:    idempotencyStore(cfg, log),
	})
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// connectBus prefers JetStream; a single-node run without NATS falls back to
// the in-process bus.
func connectBus(cfg *config.Config, log *slog.Logger) bus.Bus {
	js, err := bus.NewJetStreamBus(bus.JetStreamConfig{URL: cfg.NATSUrl})
	if err != nil {
		log.Warn("jetstream unavailable, using in-process bus", "url", cfg.NATSUrl, "error", err)
		return bus.NewMemoryBus()
	}
	log.Info("connected to jetstream", "url", cfg.NATSUrl)
	return js
}

func idempotencyStore(cfg *config.Config, log *slog.Logger) api.IdempotencyStore {
	const ttl = 24 * time.Hour
	if cfg.RedisAddr == "" {
		return api.NewMemoryIdempotencyStore(ttl)
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		log.Warn("redis unavailable, using in-memory idempotency store", "addr", cfg.RedisAddr, "error", err)
		return api.NewMemoryIdempotencyStore(ttl)
	}
	log.Info("connected to redis", "addr", cfg.RedisAddr)
	return api.NewRedisIdempotencyStore(client, ttl)
}

// restoreAudit reloads the persisted hash chain so replay history and chain
// continuity survive restarts.
func restoreAudit(path string, auditLog *audit.Log, log *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	entries, err := audit.Load(f)
	if err != nil {
		return fmt.Errorf("restore audit log: %w", err)
	}
	if err := auditLog.Restore(entries); err != nil {
		return err
	}
	if len(entries) > 0 {
		log.Info("audit log restored", "entries", len(entries))
	}
	return nil
}

func restoreReceipts(path string, reg *configreg.Registry, log *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	if err := reg.LoadReceipts(f); err != nil {
		return fmt.Errorf("restore receipts: %w", err)
	}
	log.Info("config receipts restored")
	return nil
}

// loadConfigFile reads the optional file layer of the config registry. The
// extension picks the parser (.yaml/.yml or JSON); nested sections flatten to
// the registry's dotted keys, so `risk: {max_drawdown_pct: 4}` sets
// risk.max_drawdown_pct.
func loadConfigFile(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var values map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &values)
	default:
		err = json.Unmarshal(raw, &values)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	flat := map[string]any{}
	flattenLayer("", values, flat)
	return flat, nil
}

func flattenLayer(prefix string, in map[string]any, out map[string]any) {
	for key, val := range in {
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenLayer(key, nested, out)
			continue
		}
		out[key] = val
	}
}

// envLayer collects MYCELIA_CFG_<KEY> variables, mapping RISK__MAX_DRAWDOWN_PCT
// to risk.max_drawdown_pct. Values parse as JSON scalars where possible, so
// numbers and booleans land typed.
func envLayer() map[string]any {
	const prefix = "MYCELIA_CFG_"
	values := map[string]any{}
	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		dotted := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(key, prefix), "__", "."))
		var parsed any
		if err := json.Unmarshal([]byte(val), &parsed); err != nil {
			parsed = val
		}
		values[dotted] = parsed
	}
	if len(values) == 0 {
		return nil
	}
	return values
}

func observabilityConfig() *observability.Config {
	cfg := observability.DefaultConfig()
	cfg.Enabled = os.Getenv("OTEL_ENABLED") == "true"
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		cfg.OTLPEndpoint = ep
	}
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		cfg.Environment = env
	}
	cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") != "false"
	return cfg
}

type recentIntents struct{ svc *intent.Service }

func (r recentIntents) Recent(ctx context.Context, limit int) ([]*contracts.IntentRecord, error) {
	return r.svc.Recent(ctx, limit)
}
