// Command vaultstream runs the VaultStream daemon: the parse worker pool,
// the distribution scheduler worker pool, the rule engine/enqueue service,
// the rule-seed/bot-config loader, and the Event Bus SSE subscriber
// surface, all wired against one shared SQLite-backed Store.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/vaultstream/internal/adapter"
	"github.com/basket/vaultstream/internal/adapter/bilibili"
	"github.com/basket/vaultstream/internal/bus"
	"github.com/basket/vaultstream/internal/config"
	"github.com/basket/vaultstream/internal/distributor"
	"github.com/basket/vaultstream/internal/doctor"
	"github.com/basket/vaultstream/internal/enqueue"
	"github.com/basket/vaultstream/internal/ingest"
	"github.com/basket/vaultstream/internal/media"
	vsotel "github.com/basket/vaultstream/internal/otel"
	"github.com/basket/vaultstream/internal/parseworker"
	"github.com/basket/vaultstream/internal/persistence"
	"github.com/basket/vaultstream/internal/ruleengine"
	"github.com/basket/vaultstream/internal/sink/onebot"
	"github.com/basket/vaultstream/internal/sink/telegram"
	"github.com/basket/vaultstream/internal/sse"
	"github.com/basket/vaultstream/internal/telemetry"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	doctorMode := flag.Bool("doctor", false, "run startup diagnostics and exit")
	ingestURL := flag.String("ingest", "", "ingest a single URL and exit, instead of running the daemon")
	flag.Parse()

	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "config_load_failed", err)
	}
	if cfg.NeedsGenesis {
		if err := writeMinimalConfig(cfg.HomeDir); err != nil {
			fatalStartup(nil, "config_genesis_failed", err)
		}
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(nil, "config_load_failed", err)
		}
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *doctorMode)
	if err != nil {
		fatalStartup(nil, "logger_init_failed", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if *doctorMode {
		d := doctor.Run(ctx, &cfg, version)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(d)
		return
	}

	if !strings.HasPrefix(cfg.BindAddr, "127.0.0.1:") && !strings.HasPrefix(cfg.BindAddr, "localhost:") && len(cfg.AllowOrigins) == 0 {
		logger.Warn("bind_addr is non-loopback with no allow_origins configured; SSE subscribers from a browser will be rejected")
	}

	otelProvider, err := vsotel.Init(ctx, vsotel.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "otel_init_failed", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := vsotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "otel_metrics_init_failed", err)
	}

	// Create the event bus early so it can be passed to the store, then
	// every subsequent component that publishes through it.
	eventBus := bus.NewWithLogger(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		fatalStartup(logger, "storage_dir_failed", err)
	}
	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "store_open_failed", err)
	}
	defer store.Close()

	outbox := bus.NewOutbox(store.DB(), eventBus, logger)
	if cfg.RetentionOutboxDays > 0 {
		outbox.WithRetention(time.Duration(cfg.RetentionOutboxDays) * 24 * time.Hour)
	}
	if err := outbox.Start(ctx); err != nil {
		fatalStartup(logger, "outbox_start_failed", err)
	}
	defer outbox.Stop()
	eventBus.AttachOutbox(outbox)

	if seed, err := config.LoadRuleSeed(cfg.RuleSeedPath); err != nil {
		fatalStartup(logger, "rule_seed_load_failed", err)
	} else if err := seed.Apply(ctx, store); err != nil {
		fatalStartup(logger, "rule_seed_apply_failed", err)
	}

	storage := media.NewLocalStorage(cfg.StorageRoot, cfg.MediaBaseURL)
	mediaProcessor := media.NewProcessor(nil, storage, "vaultstream").WithMetrics(metrics)

	registry := adapter.NewRegistry(
		bilibili.New(),
	)

	sinks, err := buildSinks(cfg.BotConfigs, storage)
	if err != nil {
		fatalStartup(logger, "sink_init_failed", err)
	}

	engine := ruleengine.New(store, eventBus)
	enqueueSvc := enqueue.New(store, engine, eventBus).WithMetrics(metrics)
	ingestSvc := ingest.New(store, registry, logger).WithTelemetry(otelProvider.Tracer, metrics)

	if *ingestURL != "" {
		result, err := ingestSvc.IngestURL(ctx, *ingestURL, nil)
		if err != nil {
			fatalStartup(logger, "ingest_failed", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}

	parsePool := parseworker.New(parseworker.Config{
		Store:       store,
		Bus:         eventBus,
		Registry:    registry,
		Media:       mediaProcessor,
		Enqueue:     enqueueSvc,
		WorkerCount: cfg.ParseWorkerCount,
		PollWait:    time.Duration(cfg.ParsePollSeconds) * time.Second,
		Logger:      logger,
		Tracer:      otelProvider.Tracer,
		Metrics:     metrics,
	})
	parsePool.Start(ctx)
	defer parsePool.Stop()

	distPool := distributor.New(distributor.Config{
		Store:        store,
		Bus:          eventBus,
		Sinks:        sinks,
		WorkerCount:  cfg.DistributorWorkerCount,
		PollInterval: time.Duration(cfg.DistributorPollSeconds) * time.Second,
		Logger:       logger,
		Tracer:       otelProvider.Tracer,
		Metrics:      metrics,
	})
	distPool.Start(ctx)
	defer distPool.Stop()

	sweepSchedule := fmt.Sprintf("@every %ds", cfg.SweepIntervalSeconds)
	sweeper := distributor.NewSweeper(store, logger, sweepSchedule)
	sweeper.Start()
	defer sweeper.Stop()

	go runRuleReevaluation(ctx, store, enqueueSvc, logger, time.Duration(cfg.SweepIntervalSeconds)*time.Second*4)

	watcher := config.NewWatcher(cfg.HomeDir, logger).WithRuleSeedPath(cfg.RuleSeedPath)
	if err := watcher.Start(ctx); err != nil {
		logger.Error("config watcher failed to start", "error", err)
	} else {
		go watchReloads(ctx, watcher, store, logger)
	}

	sseServer := sse.NewServer(outbox, cfg.AllowOrigins, logger)
	httpSrv := &http.Server{Addr: cfg.BindAddr, Handler: sseServer.Handler()}
	go func() {
		logger.Info("sse server listening", "addr", cfg.BindAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if isAddrInUse(err) {
				fatalStartup(logger, "sse_bind_failed", fmt.Errorf("%w: %s", err, portOccupantHint(cfg.BindAddr)))
			}
			logger.Error("sse server stopped", "error", err)
		}
	}()

	logger.Info("vaultstream started", "version", version, "bind_addr", cfg.BindAddr)
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeoutSeconds)*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// buildSinks constructs one distributor.Sink per configured platform, the
// first bot_configs entry for that platform winning if more than one is
// present. Unsupported platforms are skipped (doctor's checkBotConfigs
// already surfaces them as a warning at startup).
func buildSinks(entries []config.BotConfigEntry, storage *media.LocalStorage) (map[string]distributor.Sink, error) {
	sinks := make(map[string]distributor.Sink)
	for _, e := range entries {
		if _, exists := sinks[e.Platform]; exists {
			continue
		}
		switch e.Platform {
		case "telegram":
			sink, err := telegram.New(e.Token, storage)
			if err != nil {
				return nil, fmt.Errorf("init telegram sink %s: %w", e.DisplayName, err)
			}
			sinks[e.Platform] = sink
		case "onebot":
			sinks[e.Platform] = onebot.New(e.BaseURL, e.Token, storage)
		}
	}
	return sinks, nil
}

const ruleReevalBatchSize = 200

// runRuleReevaluation periodically re-runs EnqueueContent across existing
// PARSED content, so editing a DistributionRule's match conditions takes
// effect for content ingested before the edit, not only for content parsed
// afterward. New content already triggers EnqueueContent from the parse
// worker on every parse; this loop is the catch-up path for edits.
func runRuleReevaluation(ctx context.Context, store *persistence.Store, enqueueSvc *enqueue.Service, logger *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := store.ListParsedContentIDs(ctx, ruleReevalBatchSize)
			if err != nil {
				logger.Error("rule reevaluation: list content failed", "error", err)
				continue
			}
			total := 0
			for _, id := range ids {
				n, err := enqueueSvc.EnqueueContent(ctx, id)
				if err != nil {
					logger.Error("rule reevaluation: enqueue failed", "content_id", id, "error", err)
					continue
				}
				total += n
			}
			if total > 0 {
				logger.Info("rule reevaluation tick", "content_checked", len(ids), "items_created", total)
			}
		}
	}
}

// watchReloads re-applies config.yaml/rule seed changes as they land,
// without restarting any worker pool: DistributionRule/Target rows are
// read fresh from the store on every EnqueueContent/EvaluateContent call,
// so reapplying the seed is sufficient to pick up edits.
func watchReloads(ctx context.Context, watcher *config.Watcher, store *persistence.Store, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			cfg, err := config.Load()
			if err != nil {
				logger.Error("reload: config load failed", "path", ev.Path, "error", err)
				continue
			}
			seed, err := config.LoadRuleSeed(cfg.RuleSeedPath)
			if err != nil {
				logger.Error("reload: rule seed load failed", "path", ev.Path, "error", err)
				continue
			}
			if err := seed.Apply(ctx, store); err != nil {
				logger.Error("reload: rule seed apply failed", "path", ev.Path, "error", err)
				continue
			}
			logger.Info("reload applied", "path", ev.Path)
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: reason_code=%s error=%s\n", reasonCode, message)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return err != nil && strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("another process is using %s; stop it or change bind_addr in config.yaml", addr)
	}
	return fmt.Sprintf("port %s is already in use; stop the existing process or change bind_addr in config.yaml", port)
}

// loadDotEnv applies KEY=VALUE lines from path as process environment,
// without overriding variables already set. A missing file is not an error.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// writeMinimalConfig writes a starter config.yaml, used when Load reports
// NeedsGenesis (no config.yaml found in HomeDir yet).
func writeMinimalConfig(homeDir string) error {
	path := config.ConfigPath(homeDir)
	const starter = `storage_root: ./data/media
db_path: ./data/vaultstream.db
media_base_url: http://127.0.0.1:18790/media
bind_addr: 127.0.0.1:18790
log_level: info
parse_worker_count: 2
distributor_worker_count: 4
sweep_interval_seconds: 30
max_queue_depth: 1000
drain_timeout_seconds: 5
retention_outbox_days: 30
heartbeat_interval_minutes: 30
allow_origins: []
bot_configs: []
telemetry:
  enabled: false
`
	return os.WriteFile(path, []byte(starter), 0o644)
}
