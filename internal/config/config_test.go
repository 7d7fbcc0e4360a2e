package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "kaitd.json", `{
		"data_dir": "/tmp/kait-test",
		"ingest": {"listen": "127.0.0.1:9999"},
		"advisory": {"max_per_session_per_minute": 4, "advice_ttl_s": 120}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ingest.Addr() != "127.0.0.1:9999" {
		t.Errorf("listen = %s", cfg.Ingest.Addr())
	}
	if cfg.Advisory.SessionBudget() != 4 {
		t.Errorf("budget = %d", cfg.Advisory.SessionBudget())
	}
	if cfg.Advisory.TTLDuplicate() != 2*time.Minute {
		t.Errorf("ttl = %v", cfg.Advisory.TTLDuplicate())
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "kaitd.yaml", `
data_dir: /tmp/kait-test
pipeline:
  batch_max: 500
  low_keep_rate: 0.5
eidos:
  min_episode_steps: 7
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.Batch() != 500 {
		t.Errorf("batch = %d", cfg.Pipeline.Batch())
	}
	if cfg.Pipeline.KeepRate() != 0.5 {
		t.Errorf("keep rate = %v", cfg.Pipeline.KeepRate())
	}
	if cfg.Eidos.MinSteps() != 7 {
		t.Errorf("min steps = %d", cfg.Eidos.MinSteps())
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Ingest.Addr() != "127.0.0.1:8787" {
		t.Errorf("default listen = %s, want loopback 8787", cfg.Ingest.Addr())
	}
	if cfg.Pipeline.Batch() != 1000 {
		t.Errorf("default batch = %d", cfg.Pipeline.Batch())
	}
	if cfg.Pipeline.KeepRate() != 0.25 {
		t.Errorf("default keep rate = %v", cfg.Pipeline.KeepRate())
	}
	if cfg.MemoryCapture.Threshold() != 0.5 {
		t.Errorf("default mem threshold = %v", cfg.MemoryCapture.Threshold())
	}
	if cfg.Advisory.SessionBudget() != 2 {
		t.Errorf("default budget = %d", cfg.Advisory.SessionBudget())
	}
	if cfg.Advisory.Cooldown() != 30*time.Second {
		t.Errorf("default cooldown = %v", cfg.Advisory.Cooldown())
	}
	if cfg.Advisory.TTLDuplicate() != 10*time.Minute {
		t.Errorf("default ttl = %v", cfg.Advisory.TTLDuplicate())
	}
	if cfg.Cognitive.Halflife() != 14*24*time.Hour {
		t.Errorf("default halflife = %v", cfg.Cognitive.Halflife())
	}
	if cfg.Eidos.SessionTimeout() != 30*time.Minute {
		t.Errorf("default session timeout = %v", cfg.Eidos.SessionTimeout())
	}
	if cfg.Feedback.ExposureTimeout() != 30*time.Second {
		t.Errorf("default exposure timeout = %v", cfg.Feedback.ExposureTimeout())
	}
	if cfg.Feedback.ExposureExpiry() != 5*time.Minute {
		t.Errorf("default exposure expiry = %v", cfg.Feedback.ExposureExpiry())
	}
	if cfg.Promotion.Interval() != time.Hour {
		t.Errorf("default promotion interval = %v", cfg.Promotion.Interval())
	}
	if cfg.Queue.MaxFile() != 64<<20 {
		t.Errorf("default rotation threshold = %d", cfg.Queue.MaxFile())
	}
}

func TestDataRootEnvOverride(t *testing.T) {
	t.Setenv("DATA_ROOT", "/tmp/kait-env-root")
	cfg := Default()
	if cfg.DataDir != "/tmp/kait-env-root" {
		t.Errorf("data dir = %s", cfg.DataDir)
	}
	if cfg.CognitiveSnapshotPath() != "/tmp/kait-env-root/cognitive_insights.json" {
		t.Errorf("snapshot path = %s", cfg.CognitiveSnapshotPath())
	}
	if cfg.EidosDatabasePath() != "/tmp/kait-env-root/eidos.db" {
		t.Errorf("eidos path = %s", cfg.EidosDatabasePath())
	}
}

func TestWeightsDefaults(t *testing.T) {
	var a AdvisoryConfig
	w := a.Weights()
	if w["cognitive"] != 1.0 || w["eidos"] != 0.8 || w["semantic"] != 0.6 || w["packet"] != 0.4 {
		t.Errorf("weights = %v", w)
	}
	a.SourceWeightEidos = 0.9
	if a.Weights()["eidos"] != 0.9 {
		t.Error("explicit weight not honored")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/tmp/x"
	cfg.Storage = &StorageConfig{Driver: "postgres"}
	if err := cfg.validate(); err == nil {
		t.Error("postgres without DSN must fail validation")
	}
	cfg.Storage.Postgres = &PostgresStorageConfig{DSN: "postgres://localhost/kait"}
	if err := cfg.validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}
