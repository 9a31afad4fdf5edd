package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kb-labs/analytics/internal/errs"
)

// ApplyFile overlays a YAML config file onto the config. Keys absent from
// the file keep their current values, so defaults survive partial files.
// An empty file is a no-op.
func (c *Config) ApplyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errs.Wrap(errs.CodeConfigInvalid, fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errs.Wrap(errs.CodeConfigInvalid, fmt.Errorf("parse %s: %w", path, err))
	}
	return nil
}

// Load builds the effective configuration: defaults, overlaid by the YAML
// file at path (skipped when empty), overlaid by environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.ApplyEnv()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
