// Package config loads PetalStream run settings from petalstream.yaml and
// merges them into runtime options.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/petalstream/runtime"
)

const (
	projectConfigName = "petalstream.yaml"
	homeConfigDir     = ".petalstream"
	homeConfigName    = "config.yaml"
)

// File is the shape of petalstream.yaml. Zero values mean "not set".
type File struct {
	Scheduler         string `yaml:"scheduler,omitempty"`
	BufferSizeBytes   int    `yaml:"buffer_size_bytes,omitempty"`
	MaxNOutputItems   int    `yaml:"max_noutput_items,omitempty"`
	StallPollInterval string `yaml:"stall_poll_interval,omitempty"`
	LogLevel          string `yaml:"log_level,omitempty"`
	LogFormat         string `yaml:"log_format,omitempty"`
	EventsDB          string `yaml:"events_db,omitempty"`
}

// Discover resolves the config location with first-match semantics:
// explicitPath, then ./petalstream.yaml, then ~/.petalstream/config.yaml.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverFrom(explicitPath, cwd, homeDir)
}

// DiscoverFrom is a testable variant of Discover.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath)
	candidates := make([]string, 0, 2)
	if explicit != "" {
		candidates = append(candidates, filepath.Clean(explicit))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		if homeDir != "" {
			candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
		}
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if explicit != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load discovers and parses the config file. When no file is found the
// zero File is returned.
func Load(explicitPath string) (File, string, error) {
	path, found, err := Discover(explicitPath)
	if err != nil || !found {
		return File{}, "", err
	}
	cfg, err := ReadFile(path)
	return cfg, path, err
}

// ReadFile parses one config file and validates its values.
func ReadFile(path string) (File, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	var cfg File
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return File{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return File{}, fmt.Errorf("config %q: %w", path, err)
	}
	cfg.EventsDB = resolveRelative(filepath.Dir(path), os.ExpandEnv(cfg.EventsDB))
	return cfg, nil
}

// Validate reports the first invalid value.
func (f File) Validate() error {
	if _, ok := runtime.ParseScheduler(f.Scheduler); !ok {
		return fmt.Errorf("unknown scheduler %q", f.Scheduler)
	}
	if f.BufferSizeBytes < 0 {
		return fmt.Errorf("buffer_size_bytes must not be negative, got %d", f.BufferSizeBytes)
	}
	if f.MaxNOutputItems < 0 {
		return fmt.Errorf("max_noutput_items must not be negative, got %d", f.MaxNOutputItems)
	}
	if _, err := f.StallPoll(); err != nil {
		return err
	}
	switch strings.ToLower(f.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q", f.LogFormat)
	}
	return nil
}

// StallPoll parses stall_poll_interval.
func (f File) StallPoll() (time.Duration, error) {
	if f.StallPollInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(f.StallPollInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid stall_poll_interval %q: %w", f.StallPollInterval, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("stall_poll_interval must not be negative, got %s", d)
	}
	return d, nil
}

// Apply copies every set value onto opts.
func (f File) Apply(opts *runtime.RunOptions) {
	if s, ok := runtime.ParseScheduler(f.Scheduler); ok && f.Scheduler != "" {
		opts.Scheduler = s
	}
	if f.BufferSizeBytes > 0 {
		opts.BufferSizeBytes = f.BufferSizeBytes
	}
	if f.MaxNOutputItems > 0 {
		opts.MaxNOutputItems = f.MaxNOutputItems
	}
	if d, err := f.StallPoll(); err == nil && d > 0 {
		opts.StallPollInterval = d
	}
}

func resolveRelative(baseDir, p string) string {
	if p == "" || p == ":memory:" || strings.HasPrefix(p, "file:") {
		return p
	}
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
