package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"convoflow/internal/spec"
)

// LoadPipelineSpec parses a pipeline YAML, validates schema_version, and
// resolves stage config paths relative to the pipeline file.
func LoadPipelineSpec(path string) (spec.File, error) {
	var cfg spec.File
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, fmt.Errorf("pipeline schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}
	if !cfg.Capture.Enabled && !cfg.Assembly.Enabled {
		return cfg, fmt.Errorf("pipeline: neither capture nor assembly is enabled")
	}

	dir := filepath.Dir(path)
	for _, p := range []*string{
		&cfg.Capture.Config,
		&cfg.Capture.CursorStore.Path,
		&cfg.Assembly.Config,
		&cfg.Assembly.Source.Config,
	} {
		*p = resolve(dir, *p)
	}
	return cfg, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
