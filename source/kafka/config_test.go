package kafka

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_YAMLEnvAndDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "kafka_source.yml")
	raw := []byte(`schema_version: v1
brokers: [localhost:9092]
topics: [conversation.changes]
group_id: assembly
checkpoint:
  commit_interval: 2s
`)
	if err := os.WriteFile(p, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONVOFLOW_KAFKA__BACKPRESSURE__CAPACITY", "64")

	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.GroupID != "assembly" || len(cfg.Topics) != 1 {
		t.Fatalf("yaml not applied: %+v", cfg)
	}
	if cfg.Checkpoint.CommitInt != 2*time.Second {
		t.Fatalf("want 2s commit interval, got %v", cfg.Checkpoint.CommitInt)
	}
	if cfg.BackPressure.Capacity != 64 {
		t.Fatalf("env override not applied: %d", cfg.BackPressure.Capacity)
	}
	if cfg.StartFrom != "oldest" || cfg.Version == "" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.BackPressure.Capacity != 1_000 {
		t.Fatalf("default capacity not applied: %d", cfg.BackPressure.Capacity)
	}
}

func TestLoadConfig_InvalidSchema(t *testing.T) {
	p := filepath.Join(t.TempDir(), "k.yml")
	if err := os.WriteFile(p, []byte("schema_version: v9\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(p); err == nil {
		t.Fatal("expected schema_version error")
	}
}
