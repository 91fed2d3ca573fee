package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const SupportedSchema = "v1"

// load merges a stage YAML (optional) with env-vars under prefix, using
// `__` as the nesting delimiter.
func load(path, prefix string) (*koanf.Koanf, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if sv := k.String("schema_version"); sv != "" && sv != SupportedSchema {
		return nil, fmt.Errorf("%s: schema_version %q not supported (want %s)", path, sv, SupportedSchema)
	}
	if err := k.Load(env.Provider(prefix, ".", envKey(prefix)), nil); err != nil {
		return nil, err
	}
	return k, nil
}

// envKey maps PREFIX__LAG__SOFT to lag.soft.
func envKey(prefix string) func(string) string {
	return func(s string) string {
		s = strings.TrimPrefix(s, prefix)
		return strings.ToLower(strings.ReplaceAll(s, "__", "."))
	}
}
