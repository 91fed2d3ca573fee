package config

import (
	"time"

	"convoflow/internal/assembly"
	"convoflow/internal/capture"
	"convoflow/internal/consumer"
	kcfg "convoflow/source/kafka"
)

const (
	CaptureEnvPrefix  = "CONVOFLOW_CAPTURE__"
	AssemblyEnvPrefix = "CONVOFLOW_ASSEMBLY__"
)

// LoadCaptureConfig reads capture tuning (poll cadence, lag thresholds,
// backfill limits).
func LoadCaptureConfig(path string) (capture.Config, error) {
	var cfg capture.Config
	k, err := load(path, CaptureEnvPrefix)
	if err != nil {
		return cfg, err
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// AssemblyConfig tunes the assembly stage: the conversation buffer and the
// consumer feeding it.
type AssemblyConfig struct {
	Buffer            assembly.Config      `koanf:"buffer"`
	Retry             consumer.RetryPolicy `koanf:"retry"`
	BackpressurePause time.Duration        `koanf:"backpressure_pause"`
}

func LoadAssemblyConfig(path string) (AssemblyConfig, error) {
	var cfg AssemblyConfig
	k, err := load(path, AssemblyEnvPrefix)
	if err != nil {
		return cfg, err
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	if !k.Exists("retry.max_retries") {
		cfg.Retry.MaxRetries = consumer.DefaultRetryPolicy().MaxRetries
	}
	cfg.Retry.ApplyDefaults()
	cfg.Buffer.ApplyDefaults()
	if cfg.BackpressurePause <= 0 {
		cfg.BackpressurePause = 5 * time.Second
	}
	return cfg, nil
}

// LoadKafkaConfig delegates to the Kafka source loader while centralizing
// loader entrypoints under internal/config.
func LoadKafkaConfig(path string) (kcfg.Config, error) {
	return kcfg.LoadConfig(path)
}
