// Package daemon is the composition root: it builds every component from
// config and owns their lifecycles. Process-wide state is limited to the
// single Runtime value holding one handle per store; components receive
// their dependencies explicitly at construction.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kaitd/kaitd/internal/advisory"
	"github.com/kaitd/kaitd/internal/bus"
	"github.com/kaitd/kaitd/internal/cognitive"
	"github.com/kaitd/kaitd/internal/config"
	"github.com/kaitd/kaitd/internal/eidos"
	"github.com/kaitd/kaitd/internal/feedback"
	"github.com/kaitd/kaitd/internal/heartbeat"
	"github.com/kaitd/kaitd/internal/ingest"
	"github.com/kaitd/kaitd/internal/ledger"
	"github.com/kaitd/kaitd/internal/memorycapture"
	"github.com/kaitd/kaitd/internal/metaralph"
	"github.com/kaitd/kaitd/internal/notification"
	"github.com/kaitd/kaitd/internal/observability"
	"github.com/kaitd/kaitd/internal/pipeline"
	"github.com/kaitd/kaitd/internal/promotion"
	"github.com/kaitd/kaitd/internal/queue"
	"github.com/kaitd/kaitd/internal/ratelimit"
	"github.com/kaitd/kaitd/internal/storage"
	"github.com/kaitd/kaitd/internal/storage/postgres"
	"github.com/kaitd/kaitd/internal/storage/sqlite"
)

// Runtime owns one handle per store and every long-running worker.
type Runtime struct {
	Config    *config.Config
	Logger    *slog.Logger
	Obs       *observability.Observability
	Queue     *queue.Queue
	Cognitive *cognitive.Store
	Eidos     storage.Store
	Tracker   *eidos.Tracker
	Advisory  *advisory.Engine
	Scheduler *pipeline.Scheduler
	Ingest    *ingest.Daemon
	Promotion *promotion.Loop
	Matcher   *feedback.Matcher
	Bus       *bus.Bus

	aggregator *eidos.Aggregator
	lite       bool
	closers    []func() error
}

// New builds the full Runtime from config. Fatal conditions (unwritable
// data root, unreadable token) return errors the CLI maps to exit codes.
func New(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("data root not writable: %w", err)
	}

	rt := &Runtime{Config: cfg, Logger: logger, lite: liteMode()}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	rt.Obs = obs

	q, err := queue.Open(cfg.QueuePath(), cfg.Queue.MaxFile(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening queue: %w", err)
	}
	rt.Queue = q
	rt.closers = append(rt.closers, q.Close)

	cogStore, err := cognitive.OpenStore(cfg.CognitiveSnapshotPath(), cfg.Cognitive.Halflife(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening cognitive store: %w", err)
	}
	rt.Cognitive = cogStore
	if obs != nil && obs.Health != nil {
		obs.Health.AddHealthCheck(observability.DegradedCheck("cognitive_store", cogStore.Degraded))
	}

	eidosStore, err := openEidosStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening eidos store: %w", err)
	}
	if err := eidosStore.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrating eidos store: %w", err)
	}
	rt.Eidos = eidosStore
	rt.closers = append(rt.closers, eidosStore.Close)

	rt.Bus = bus.New(logger)
	if obs != nil && obs.Metrics != nil {
		metrics := obs.Metrics
		rt.Bus.SubscribeInsightUpserted(func(bus.InsightUpserted) {
			metrics.InsightsTotal.Set(float64(len(cogStore.Snapshot())))
		})
		rt.Bus.SubscribeDistillationCreated(func(bus.DistillationCreated) {
			metrics.DistillationsTotal.Inc()
		})
	}

	rt.Tracker = eidos.NewTracker(
		eidosStore.Episodes(), eidosStore.Steps(),
		cfg.Eidos.StepTimeout(), cfg.Eidos.SessionTimeout(), logger)
	rt.aggregator = eidos.NewAggregator(
		eidosStore.Episodes(), eidosStore.Steps(), eidosStore.Distillations(),
		cfg.Eidos.MinSteps(), cfg.Eidos.ValidateMin(), logger)

	// Ledgers: decision, feedback, promotion. Append-only JSONL, 0600.
	decisionLedger, err := ledger.Open(cfg.DecisionLedgerPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening decision ledger: %w", err)
	}
	rt.closers = append(rt.closers, decisionLedger.Close)
	feedbackLedger, err := ledger.Open(cfg.FeedbackLedgerPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening feedback ledger: %w", err)
	}
	rt.closers = append(rt.closers, feedbackLedger.Close)
	promotionLedger, err := ledger.Open(cfg.PromotionLedgerPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening promotion ledger: %w", err)
	}
	rt.closers = append(rt.closers, promotionLedger.Close)

	// Implicit feedback.
	exposureTracker := feedback.NewTracker(cfg.Feedback.ExposureTimeout(), cfg.Feedback.ExposureExpiry())
	rt.Matcher = feedback.NewMatcher(exposureTracker, cogStore, feedbackLedger, logger)

	// Advisory engine: four sources fused under one deadline.
	packets := advisory.NewPacketCache(cfg.Advisory.PacketTTL())
	sources := []advisory.Source{
		instrument(advisory.NewCognitiveSource(cogStore), obs),
		instrument(advisory.NewEidosSource(eidosStore.Distillations()), obs),
		packets,
	}
	if advisory.SemanticEnabled() {
		sources = append(sources, instrument(advisory.NewKeywordSemanticSource(cogStore), obs))
	}
	advisoryCfg := advisory.Config{
		Weights:       cfg.Advisory.Weights(),
		MaxEmit:       cfg.Advisory.MaxEmit(),
		Deadline:      cfg.Advisory.Deadline(),
		QuickMin:      cfg.Advisory.QuickMin(),
		Budget:        ratelimit.Config{RequestsPerMinute: cfg.Advisory.SessionBudget()},
		AgreementGate: agreementGate(cfg),
		MinSources:    minSources(cfg),
		ToolCooldown:  cfg.Advisory.Cooldown(),
		AdviceTTL:     cfg.Advisory.TTLDuplicate(),
	}
	rt.Advisory = advisory.NewEngine(sources, packets, decisionLedger, advisoryCfg).
		WithExposures(exposureTracker)

	// Quality gate and capture.
	roasts, err := metaralph.OpenRoastHistory(cfg.RoastHistoryPath(), cfg.MetaRalph.HistorySize(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening roast history: %w", err)
	}
	gate := metaralph.NewGate(cfg.MetaRalph.DupSimilarity(), cogStore, roasts)
	scorer := memorycapture.NewScorer(
		memorycapture.WithThreshold(cfg.MemoryCapture.Threshold()),
		memorycapture.WithChunkBounds(memoryChunkBounds()),
	)

	// Pipeline scheduler and its four sinks; the learning sink runs memory
	// capture and Meta-Ralph in sequence.
	sinks := []pipeline.Sink{}
	var sched *pipeline.Scheduler
	learning := pipeline.NewLearningSink(scorer, gate, cogStore, rt.Bus, func() {
		if sched != nil {
			sched.IncInsights()
		}
	}, logger)
	sinks = append(sinks,
		instrumentSink(learning, obs),
		instrumentSink(pipeline.NewEidosSink(rt.Tracker), obs),
		instrumentSink(pipeline.NewChipsSink(nil), obs),
		instrumentSink(pipeline.NewFeedbackSink(rt.Matcher), obs),
	)
	sched = pipeline.NewScheduler(q, sinks, pipeline.Config{
		BatchMax:     cfg.Pipeline.Batch(),
		Interval:     cfg.Pipeline.CycleInterval(),
		LowKeepRate:  lowKeepRate(cfg),
		SoftPressure: cfg.Pipeline.SoftPressure(),
		HardPressure: cfg.Pipeline.HardPressure(),
		StatsPath:    cfg.PipelineStatsPath(),
	}, logger)
	rt.Scheduler = sched

	// Promotion loop.
	promotionLoop := promotion.New(cogStore, promotionLedger, promotion.Config{
		Interval:    cfg.Promotion.Interval(),
		GuidanceDir: cfg.GuidanceDir(),
	}, obsMetrics(obs), logger)
	if cfg.Notification != nil {
		dispatcher := notification.NewDispatcherFromConfig(cfg.Notification, logger)
		promotionLoop.WithNotifications(dispatcher, cfg.Promotion.NotifyChannels)
	}
	rt.Promotion = promotionLoop

	// Ingest daemon.
	token, err := ingest.ResolveToken(cfg.TokenFilePath())
	if err != nil {
		return nil, fmt.Errorf("resolving bearer token: %w", err)
	}
	metricsPath := ""
	if cfg.Observability != nil && cfg.Observability.Metrics != nil && cfg.Observability.Metrics.Enabled {
		metricsPath = cfg.Observability.Metrics.Path
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
	}
	rt.Ingest = ingest.NewDaemon(ingest.Config{
		ListenAddr:   cfg.Ingest.Addr(),
		Token:        token,
		Workers:      cfg.Ingest.Workers(),
		HeartbeatDir: cfg.DataDir,
		StaleAfter:   cfg.Observability.StaleAfter(),
		MetricsPath:  metricsPath,
	}, q, sched, obs, logger)

	return rt, nil
}

// Run starts every worker and blocks until ctx is canceled or the HTTP
// server fails.
func (rt *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go rt.Scheduler.Run(ctx)
	go rt.Matcher.RunSweeper(ctx, rt.Config.Feedback.SweepInterval())
	go rt.runEidosMaintenance(ctx)

	for _, name := range []string{"kaitd", "pipeline", "advisory"} {
		sender := heartbeat.NewSender(rt.Config.DataDir, name, 15*time.Second, nil, rt.Logger)
		go sender.Run(ctx)
	}

	if !rt.lite {
		if expr := rt.Config.Promotion.CronExpression; expr != "" {
			// Operators may replace the plain interval with a cron
			// schedule; ticks still run one at a time under the loop's
			// singleton lock.
			c := cron.New()
			if _, err := c.AddFunc(expr, func() {
				if err := rt.Promotion.Tick(ctx); err != nil {
					rt.Logger.Error("promotion tick failed", slog.String("error", err.Error()))
				}
			}); err != nil {
				return fmt.Errorf("invalid promotion cron expression %q: %w", expr, err)
			}
			c.Start()
			defer c.Stop()
		} else {
			stop := rt.Promotion.Start(ctx)
			defer stop()
		}
	} else {
		rt.Logger.Info("lite mode: promotion loop and aggregator pulse disabled")
	}

	err := rt.Ingest.Start(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// runEidosMaintenance sweeps idle sessions closed and feeds closed
// episodes to the aggregator.
func (rt *Runtime) runEidosMaintenance(ctx context.Context) {
	if rt.lite {
		return
	}
	ticker := time.NewTicker(rt.Config.Eidos.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rt.Tracker.SweepIdle(ctx); err != nil {
				rt.Logger.Warn("eidos idle sweep failed", slog.String("error", err.Error()))
				continue
			}
			distilled, err := rt.aggregator.Run(ctx, 32)
			if err != nil {
				rt.Logger.Warn("aggregator run failed", slog.String("error", err.Error()))
				continue
			}
			for _, d := range distilled {
				rt.Bus.PublishDistillationCreated(bus.DistillationCreated{Distillation: d})
			}
		}
	}
}

// Shutdown stops the HTTP surface and closes every store.
func (rt *Runtime) Shutdown(ctx context.Context) {
	if rt.Ingest != nil {
		_ = rt.Ingest.Stop(ctx)
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i]()
	}
	if rt.Obs != nil {
		rt.Obs.Shutdown(ctx)
	}
}

func openEidosStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.StorageDriverName() == storage.DriverPostgres {
		pg := cfg.Storage.Postgres
		return postgres.Open(postgres.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
	}
	return sqlite.Open(sqlite.Config{
		Path:        cfg.EidosDatabasePath(),
		JournalMode: journalMode(cfg),
	}, logger)
}

func journalMode(cfg *config.Config) string {
	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		return cfg.Storage.SQLite.JournalMode
	}
	return ""
}

func instrument(src advisory.Source, obs *observability.Observability) advisory.Source {
	if obs == nil || (obs.Metrics == nil && obs.Tracer == nil && obs.Anomaly == nil) {
		return src
	}
	return observability.NewInstrumentedSource(src, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
}

func instrumentSink(sink pipeline.Sink, obs *observability.Observability) pipeline.Sink {
	if obs == nil || (obs.Metrics == nil && obs.Tracer == nil && obs.Anomaly == nil) {
		return sink
	}
	return observability.NewInstrumentedSink(sink, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
}

func obsMetrics(obs *observability.Observability) promotion.Metrics {
	if obs == nil || obs.Metrics == nil {
		return nil
	}
	return obs.Metrics
}

// --- environment toggles ---

func liteMode() bool {
	return os.Getenv("KAIT_LITE") == "1"
}

func agreementGate(cfg *config.Config) bool {
	if v := os.Getenv("KAIT_ADVISORY_AGREEMENT_GATE"); v != "" {
		b, err := strconv.ParseBool(v)
		return err == nil && b
	}
	return cfg.Advisory.AgreementGateEnabled()
}

func minSources(cfg *config.Config) int {
	if v := os.Getenv("KAIT_ADVISORY_MIN_SOURCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return cfg.Advisory.MinSourcesRequired()
}

func lowKeepRate(cfg *config.Config) float64 {
	if v := os.Getenv("KAIT_PIPELINE_LOW_KEEP_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			return f
		}
	}
	return cfg.Pipeline.KeepRate()
}

func memoryChunkBounds() (int, int) {
	min, max := 0, 0
	if v := os.Getenv("KAIT_MEMORY_PATCH_MIN_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			min = n
		}
	}
	if v := os.Getenv("KAIT_MEMORY_PATCH_MAX_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			max = n
		}
	}
	return min, max
}
