// Package config handles loading and validating kaitd configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists.
	_ = godotenv.Load()
}

// Config is the root configuration for kaitd.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.kait. Override: DATA_ROOT env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite default (derived from DataDir)
	Ingest        IngestConfig         `json:"ingest" yaml:"ingest"`
	Queue         QueueConfig          `json:"queue" yaml:"queue"`
	Pipeline      PipelineConfig       `json:"pipeline" yaml:"pipeline"`
	MemoryCapture MemoryCaptureConfig  `json:"memory_capture" yaml:"memory_capture"`
	MetaRalph     MetaRalphConfig      `json:"meta_ralph" yaml:"meta_ralph"`
	Cognitive     CognitiveConfig      `json:"cognitive" yaml:"cognitive"`
	Eidos         EidosConfig          `json:"eidos" yaml:"eidos"`
	Advisory      AdvisoryConfig       `json:"advisory" yaml:"advisory"`
	Feedback      FeedbackConfig       `json:"feedback" yaml:"feedback"`
	Promotion     PromotionConfig      `json:"promotion" yaml:"promotion"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Notification  *NotificationConfig  `json:"notification,omitempty" yaml:"notification,omitempty"`   // nil = notifications disabled
	MCP           *MCPServerConfig     `json:"mcp,omitempty" yaml:"mcp,omitempty"`                     // nil = MCP advisory surface disabled
}

// StorageConfig configures the persistence backend for the EIDOS database.
// When nil, defaults to SQLite with the database path derived from DataDir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`
	JournalMode string `json:"journal_mode" yaml:"journal_mode"` // "wal" (default)
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800
}

// IngestConfig configures the HTTP ingest daemon.
type IngestConfig struct {
	Listen         string `json:"listen" yaml:"listen"`                             // Default: "127.0.0.1:8787"
	TokenFile      string `json:"token_file,omitempty" yaml:"token_file,omitempty"` // Default: <DataDir>/kaitd.token
	WorkerPoolSize int    `json:"worker_pool_size" yaml:"worker_pool_size"`         // Default: 32
}

func (i *IngestConfig) Addr() string {
	if i.Listen != "" {
		return i.Listen
	}
	return "127.0.0.1:8787"
}

func (i *IngestConfig) Workers() int {
	if i.WorkerPoolSize > 0 {
		return i.WorkerPoolSize
	}
	return 32
}

// QueueConfig configures the append-only NDJSON queue.
type QueueConfig struct {
	MaxFileBytes int64 `json:"max_file_bytes" yaml:"max_file_bytes"`     // Default: 64<<20 — rotation threshold
	PollInterval int   `json:"poll_interval_ms" yaml:"poll_interval_ms"` // Default: 250ms
}

func (q *QueueConfig) MaxFile() int64 {
	if q.MaxFileBytes > 0 {
		return q.MaxFileBytes
	}
	return 64 << 20
}

func (q *QueueConfig) Poll() time.Duration {
	if q.PollInterval > 0 {
		return time.Duration(q.PollInterval) * time.Millisecond
	}
	return 250 * time.Millisecond
}

// PipelineConfig configures the batch scheduler.
type PipelineConfig struct {
	BatchMax        int     `json:"batch_max" yaml:"batch_max"`                 // Default: 1000
	CycleIntervalMS int     `json:"cycle_interval_ms" yaml:"cycle_interval_ms"` // Default: 250ms
	LowKeepRate     float64 `json:"low_keep_rate" yaml:"low_keep_rate"`         // Default: 0.25. Override: KAIT_PIPELINE_LOW_KEEP_RATE.
	SoftPressureLen int     `json:"soft_pressure" yaml:"soft_pressure"`         // Default: 5000 — batch size doubles
	HardPressureLen int     `json:"hard_pressure" yaml:"hard_pressure"`         // Default: 20000 — ingest sheds with 429
}

func (p *PipelineConfig) Batch() int {
	if p.BatchMax > 0 {
		return p.BatchMax
	}
	return 1000
}

func (p *PipelineConfig) CycleInterval() time.Duration {
	if p.CycleIntervalMS > 0 {
		return time.Duration(p.CycleIntervalMS) * time.Millisecond
	}
	return 250 * time.Millisecond
}

func (p *PipelineConfig) KeepRate() float64 {
	if p.LowKeepRate > 0 {
		return p.LowKeepRate
	}
	return 0.25
}

func (p *PipelineConfig) SoftPressure() int {
	if p.SoftPressureLen > 0 {
		return p.SoftPressureLen
	}
	return 5000
}

func (p *PipelineConfig) HardPressure() int {
	if p.HardPressureLen > 0 {
		return p.HardPressureLen
	}
	return 20000
}

// MemoryCaptureConfig configures marker-phrase capture scoring.
type MemoryCaptureConfig struct {
	MemThreshold float64 `json:"mem_threshold" yaml:"mem_threshold"` // Default: 0.5
}

func (m *MemoryCaptureConfig) Threshold() float64 {
	if m.MemThreshold > 0 {
		return m.MemThreshold
	}
	return 0.5
}

// MetaRalphConfig configures the quality gate.
type MetaRalphConfig struct {
	DuplicateSimilarity float64 `json:"duplicate_similarity" yaml:"duplicate_similarity"` // Default: 0.85
	RoastHistorySize    int     `json:"roast_history_size" yaml:"roast_history_size"`     // Default: 1000
}

func (m *MetaRalphConfig) DupSimilarity() float64 {
	if m.DuplicateSimilarity > 0 {
		return m.DuplicateSimilarity
	}
	return 0.85
}

func (m *MetaRalphConfig) HistorySize() int {
	if m.RoastHistorySize > 0 {
		return m.RoastHistorySize
	}
	return 1000
}

// CognitiveConfig configures the insight store.
type CognitiveConfig struct {
	ReliabilityHalflifeS int `json:"reliability_halflife_s" yaml:"reliability_halflife_s"` // Default: 14 days
}

func (c *CognitiveConfig) Halflife() time.Duration {
	if c.ReliabilityHalflifeS > 0 {
		return time.Duration(c.ReliabilityHalflifeS) * time.Second
	}
	return 14 * 24 * time.Hour
}

// EidosConfig configures the episodic store and aggregator.
type EidosConfig struct {
	StepTimeoutS    int `json:"step_timeout_s" yaml:"step_timeout_s"`       // Default: 120 — open step force-sealed
	SessionTimeoutS int `json:"session_timeout_s" yaml:"session_timeout_s"` // Default: 1800 — idle session closes its episode
	MinEpisodeSteps int `json:"min_episode_steps" yaml:"min_episode_steps"` // Default: 5 — aggregator input bar
	ValidateMinN    int `json:"validate_min" yaml:"validate_min"`           // Default: 3 — cluster support for a distillation
	SweepIntervalS  int `json:"sweep_interval_s" yaml:"sweep_interval_s"`   // Default: 60
}

func (e *EidosConfig) StepTimeout() time.Duration {
	if e.StepTimeoutS > 0 {
		return time.Duration(e.StepTimeoutS) * time.Second
	}
	return 2 * time.Minute
}

func (e *EidosConfig) SessionTimeout() time.Duration {
	if e.SessionTimeoutS > 0 {
		return time.Duration(e.SessionTimeoutS) * time.Second
	}
	return 30 * time.Minute
}

func (e *EidosConfig) MinSteps() int {
	if e.MinEpisodeSteps > 0 {
		return e.MinEpisodeSteps
	}
	return 5
}

func (e *EidosConfig) ValidateMin() int {
	if e.ValidateMinN > 0 {
		return e.ValidateMinN
	}
	return 3
}

func (e *EidosConfig) SweepInterval() time.Duration {
	if e.SweepIntervalS > 0 {
		return time.Duration(e.SweepIntervalS) * time.Second
	}
	return time.Minute
}

// AdvisoryConfig configures the retrieval/selection engine.
type AdvisoryConfig struct {
	MaxPerSessionPerMinute int     `json:"max_per_session_per_minute" yaml:"max_per_session_per_minute"` // Default: 2
	ToolCooldownS          int     `json:"tool_cooldown_s" yaml:"tool_cooldown_s"`                       // Default: 30
	AdviceTTLS             int     `json:"advice_ttl_s" yaml:"advice_ttl_s"`                             // Default: 600
	SourceWeightCognitive  float64 `json:"source_weight_cognitive" yaml:"source_weight_cognitive"`       // Default: 1.0
	SourceWeightEidos      float64 `json:"source_weight_eidos" yaml:"source_weight_eidos"`               // Default: 0.8
	SourceWeightSemantic   float64 `json:"source_weight_semantic" yaml:"source_weight_semantic"`         // Default: 0.6
	SourceWeightPacket     float64 `json:"source_weight_packet" yaml:"source_weight_packet"`             // Default: 0.4
	DeadlineMS             int     `json:"deadline_ms" yaml:"deadline_ms"`                               // Default: 1500
	QuickMinMS             int     `json:"quick_min_ms" yaml:"quick_min_ms"`                             // Default: 900
	MaxEmitItems           int     `json:"max_emit" yaml:"max_emit"`                                     // Default: 2
	PacketTTLS             int     `json:"packet_ttl_s" yaml:"packet_ttl_s"`                             // Default: 60
	AgreementGate          bool    `json:"agreement_gate" yaml:"agreement_gate"`                         // Override: KAIT_ADVISORY_AGREEMENT_GATE
	MinSources             int     `json:"min_sources" yaml:"min_sources"`                               // Default: 2. Override: KAIT_ADVISORY_MIN_SOURCES
}

func (a *AdvisoryConfig) SessionBudget() int {
	if a.MaxPerSessionPerMinute > 0 {
		return a.MaxPerSessionPerMinute
	}
	return 2
}

func (a *AdvisoryConfig) Cooldown() time.Duration {
	if a.ToolCooldownS > 0 {
		return time.Duration(a.ToolCooldownS) * time.Second
	}
	return 30 * time.Second
}

func (a *AdvisoryConfig) TTLDuplicate() time.Duration {
	if a.AdviceTTLS > 0 {
		return time.Duration(a.AdviceTTLS) * time.Second
	}
	return 600 * time.Second
}

// Weights returns the per-source RRF coefficients keyed by source name.
func (a *AdvisoryConfig) Weights() map[string]float64 {
	w := map[string]float64{
		"cognitive": a.SourceWeightCognitive,
		"eidos":     a.SourceWeightEidos,
		"semantic":  a.SourceWeightSemantic,
		"packet":    a.SourceWeightPacket,
	}
	defaults := map[string]float64{"cognitive": 1.0, "eidos": 0.8, "semantic": 0.6, "packet": 0.4}
	for k, v := range w {
		if v == 0 {
			w[k] = defaults[k]
		}
	}
	return w
}

func (a *AdvisoryConfig) Deadline() time.Duration {
	if a.DeadlineMS > 0 {
		return time.Duration(a.DeadlineMS) * time.Millisecond
	}
	return 1500 * time.Millisecond
}

func (a *AdvisoryConfig) QuickMin() time.Duration {
	if a.QuickMinMS > 0 {
		return time.Duration(a.QuickMinMS) * time.Millisecond
	}
	return 900 * time.Millisecond
}

func (a *AdvisoryConfig) MaxEmit() int {
	if a.MaxEmitItems > 0 {
		return a.MaxEmitItems
	}
	return 2
}

func (a *AdvisoryConfig) PacketTTL() time.Duration {
	if a.PacketTTLS > 0 {
		return time.Duration(a.PacketTTLS) * time.Second
	}
	return 60 * time.Second
}

func (a *AdvisoryConfig) AgreementGateEnabled() bool { return a.AgreementGate }

func (a *AdvisoryConfig) MinSourcesRequired() int {
	if a.MinSources > 0 {
		return a.MinSources
	}
	return 2
}

// FeedbackConfig configures implicit feedback exposure tracking.
type FeedbackConfig struct {
	ExposureTimeoutS int `json:"exposure_timeout_s" yaml:"exposure_timeout_s"` // Default: 30 — different-tool "ignored" window
	ExposureExpiryS  int `json:"exposure_expiry_s" yaml:"exposure_expiry_s"`   // Default: 300
	SweepIntervalS   int `json:"sweep_interval_s" yaml:"sweep_interval_s"`     // Default: 60
}

func (f *FeedbackConfig) ExposureTimeout() time.Duration {
	if f.ExposureTimeoutS > 0 {
		return time.Duration(f.ExposureTimeoutS) * time.Second
	}
	return 30 * time.Second
}

func (f *FeedbackConfig) ExposureExpiry() time.Duration {
	if f.ExposureExpiryS > 0 {
		return time.Duration(f.ExposureExpiryS) * time.Second
	}
	return 5 * time.Minute
}

func (f *FeedbackConfig) SweepInterval() time.Duration {
	if f.SweepIntervalS > 0 {
		return time.Duration(f.SweepIntervalS) * time.Second
	}
	return 60 * time.Second
}

// PromotionConfig configures the promotion/demotion loop.
type PromotionConfig struct {
	IntervalS      int      `json:"interval_s" yaml:"interval_s"`                               // Default: 3600
	CronExpression string   `json:"cron_expression,omitempty" yaml:"cron_expression,omitempty"` // optional override of the plain interval
	GuidanceDirAt  string   `json:"guidance_dir,omitempty" yaml:"guidance_dir,omitempty"`       // Default: <DataDir>/guidance
	NotifyChannels []string `json:"notify_channels,omitempty" yaml:"notify_channels,omitempty"`
}

func (p *PromotionConfig) Interval() time.Duration {
	if p.IntervalS > 0 {
		return time.Duration(p.IntervalS) * time.Second
	}
	return time.Hour
}

// ObservabilityConfig configures metrics and tracing. When nil, disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// StaleAfter returns the heartbeat staleness threshold (nil-safe).
func (o *ObservabilityConfig) StaleAfter() time.Duration {
	if o == nil {
		return 60 * time.Second
	}
	return o.Health.StaleAfter()
}

// AnomalyConfig configures sliding-window anomaly detection over ingest
// and advisory error rates.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // fraction, e.g. 0.2
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Default: 300
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "kaitd"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// HealthConfig configures the /status aggregate check.
type HealthConfig struct {
	HeartbeatStaleS int `json:"heartbeat_stale_s" yaml:"heartbeat_stale_s"` // Default: 60
}

func (h *HealthConfig) StaleAfter() time.Duration {
	if h != nil && h.HeartbeatStaleS > 0 {
		return time.Duration(h.HeartbeatStaleS) * time.Second
	}
	return 60 * time.Second
}

// NotificationConfig configures promotion-failure alert channels.
// When nil, notifications are disabled.
type NotificationConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty" yaml:"telegram,omitempty"`
	Slack    *SlackConfig    `json:"slack,omitempty" yaml:"slack,omitempty"`
	Email    *EmailConfig    `json:"email,omitempty" yaml:"email,omitempty"`
	Webhook  *WebhookConfig  `json:"webhook,omitempty" yaml:"webhook,omitempty"`
	WhatsApp *WhatsAppConfig `json:"whatsapp,omitempty" yaml:"whatsapp,omitempty"`
	Signal   *SignalConfig   `json:"signal,omitempty" yaml:"signal,omitempty"`
}

type TelegramConfig struct {
	BotToken string `json:"bot_token" yaml:"bot_token"`
	ChatID   string `json:"chat_id" yaml:"chat_id"`
}

type SlackConfig struct {
	BotToken  string `json:"bot_token" yaml:"bot_token"`
	ChannelID string `json:"channel_id" yaml:"channel_id"`
}

type EmailConfig struct {
	SMTPHost string `json:"smtp_host" yaml:"smtp_host"`
	SMTPPort int    `json:"smtp_port" yaml:"smtp_port"`
	From     string `json:"from" yaml:"from"`
	To       string `json:"to" yaml:"to"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

type WebhookConfig struct {
	URL string `json:"url" yaml:"url"`
}

type WhatsAppConfig struct {
	AccessToken   string `json:"access_token" yaml:"access_token"`
	PhoneNumberID string `json:"phone_number_id" yaml:"phone_number_id"`
	Recipient     string `json:"recipient" yaml:"recipient"`
}

type SignalConfig struct {
	APIURL       string `json:"api_url" yaml:"api_url"`
	SenderNumber string `json:"sender_number" yaml:"sender_number"`
	Recipient    string `json:"recipient" yaml:"recipient"`
}

// MCPServerConfig configures the MCP advisory tool surface.
type MCPServerConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Name    string `json:"name" yaml:"name"` // Default: "kaitd"
}

func (m *MCPServerConfig) ServerName() string {
	if m != nil && m.Name != "" {
		return m.Name
	}
	return "kaitd"
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/kaitd.json"
	}
	return filepath.Join(home, ".kait", "config.json")
}

// Default returns a Config with every default applied and no file read.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDataDirDefault()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// Format is detected by extension: .yml/.yaml for YAML, everything else
// for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDataDirDefault()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if envDD := os.Getenv("DATA_ROOT"); envDD != "" {
		c.DataDir = envDD
	}
	if envListen := os.Getenv("KAITD_LISTEN"); envListen != "" {
		c.Ingest.Listen = envListen
	}
	if envDSN := os.Getenv("KAITD_POSTGRES_DSN"); envDSN != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Driver = "postgres"
		c.Storage.Postgres.DSN = envDSN
	}
	if envTok := os.Getenv("TELEGRAM_BOT_TOKEN"); envTok != "" {
		if c.Notification == nil {
			c.Notification = &NotificationConfig{}
		}
		if c.Notification.Telegram == nil {
			c.Notification.Telegram = &TelegramConfig{}
		}
		c.Notification.Telegram.BotToken = envTok
	}
	if envTok := os.Getenv("SLACK_BOT_TOKEN"); envTok != "" {
		if c.Notification == nil {
			c.Notification = &NotificationConfig{}
		}
		if c.Notification.Slack == nil {
			c.Notification.Slack = &SlackConfig{}
		}
		c.Notification.Slack.BotToken = envTok
	}
}

func (c *Config) applyDataDirDefault() {
	if c.DataDir != "" {
		return
	}
	home, err := os.UserHomeDir()
	if err == nil {
		c.DataDir = filepath.Join(home, ".kait")
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// --- resolved data-layout paths ---

// QueuePath returns the directory for queue log files.
func (c *Config) QueuePath() string { return filepath.Join(c.DataDir, "queue") }

// CognitiveSnapshotPath returns the cognitive store snapshot file.
func (c *Config) CognitiveSnapshotPath() string {
	return filepath.Join(c.DataDir, "cognitive_insights.json")
}

// EidosDatabasePath returns the SQLite database file path.
func (c *Config) EidosDatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "eidos.db")
}

// DecisionLedgerPath returns the advisory decision ledger file.
func (c *Config) DecisionLedgerPath() string {
	return filepath.Join(c.DataDir, "advisory_decision_ledger.jsonl")
}

// FeedbackLedgerPath returns the implicit feedback log file.
func (c *Config) FeedbackLedgerPath() string {
	return filepath.Join(c.DataDir, "advisor", "implicit_feedback.jsonl")
}

// PromotionLedgerPath returns the promotion audit log file.
func (c *Config) PromotionLedgerPath() string {
	return filepath.Join(c.DataDir, "promotion_log.jsonl")
}

// RoastHistoryPath returns the bounded Meta-Ralph verdict file.
func (c *Config) RoastHistoryPath() string {
	return filepath.Join(c.DataDir, "roast_history.jsonl")
}

// PipelineStatsPath returns the per-cycle batch stats file.
func (c *Config) PipelineStatsPath() string {
	return filepath.Join(c.DataDir, "pipeline_stats.json")
}

// GuidanceDir returns the directory receiving promoted guidance files.
func (c *Config) GuidanceDir() string {
	if c.Promotion.GuidanceDirAt != "" {
		return c.Promotion.GuidanceDirAt
	}
	return filepath.Join(c.DataDir, "guidance")
}

// TokenFilePath returns the bearer token file for the ingest daemon.
func (c *Config) TokenFilePath() string {
	if c.Ingest.TokenFile != "" {
		return c.Ingest.TokenFile
	}
	return filepath.Join(c.DataDir, "kaitd.token")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Storage != nil && c.Storage.StorageDriver() == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required when storage.driver is postgres")
		}
	}
	if c.Advisory.MaxPerSessionPerMinute < 0 {
		return fmt.Errorf("advisory.max_per_session_per_minute cannot be negative")
	}
	if c.Pipeline.LowKeepRate < 0 || c.Pipeline.LowKeepRate > 1 {
		return fmt.Errorf("pipeline.low_keep_rate must be in [0,1]")
	}
	return nil
}
