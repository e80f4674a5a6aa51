// Package config loads the engine settings for a workspace from
// .mindlayer/engine.yaml, overlaid on DefaultConfig.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AIQIA/corex-ai-mindlayer/internal/errcode"
)

const (
	// MindlayerDir is the metadata directory inside a workspace.
	MindlayerDir = ".mindlayer"
	// ConfigFile is the engine settings file inside MindlayerDir.
	ConfigFile = "engine.yaml"
)

// Config is the full engine configuration.
type Config struct {
	// CriticalFiles are workspace-relative paths of the managed documents.
	CriticalFiles []string `yaml:"critical_files"`
	// PrimaryFile holds the installed schema version. Defaults to the first
	// critical file.
	PrimaryFile string `yaml:"primary_file,omitempty"`
	VersionPath string `yaml:"version_path"`

	ProtectedPaths  []string `yaml:"protected_paths"`
	SchemaOnlyPaths []string `yaml:"schema_only_paths,omitempty"`
	TimestampFields []string `yaml:"timestamp_fields"`

	Release ReleaseConfig `yaml:"release"`
	Backup  BackupConfig  `yaml:"backup"`
	Risk    RiskConfig    `yaml:"risk"`

	AutoApplyLowRisk bool   `yaml:"auto_apply_low_risk"`
	HistoryDB        string `yaml:"history_db"`

	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ReleaseConfig selects where releases come from.
type ReleaseConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
	Asset    string `yaml:"asset"`
	Timeout  string `yaml:"timeout"`
	Retries  int    `yaml:"retries"`
	// SourceDir switches to a local release directory instead of the
	// release endpoint.
	SourceDir string `yaml:"source_dir,omitempty"`
}

type BackupConfig struct {
	Dir         string `yaml:"dir"`
	Convenience bool   `yaml:"convenience_copy"`
	Retain      int    `yaml:"retain"`
}

type RiskConfig struct {
	MaxRemovals int `yaml:"max_removals"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"`
	JSON  bool   `yaml:"json"`
}

type TelemetryConfig struct {
	Metrics bool `yaml:"metrics"`
	Tracing bool `yaml:"tracing"`
}

// DefaultCriticalFiles is the managed document set, primary first.
var DefaultCriticalFiles = []string{
	".mindlayer/project.json",
	".mindlayer/project.dev.json",
	".mindlayer/project.user.json",
	".mindlayer/preferences.json",
	".mindlayer/research.json",
	".mindlayer/schema.json",
}

// DefaultConfig returns the settings used when no engine.yaml exists.
func DefaultConfig() Config {
	return Config{
		CriticalFiles: append([]string(nil), DefaultCriticalFiles...),
		VersionPath:   "schemaVersion",
		ProtectedPaths: []string{
			"project.name",
			"project.description",
			"project.type",
			"project.frameworks",
			"userPreferences",
			"customRules",
			"research",
		},
		TimestampFields: []string{"lastUpdated", "last_updated", "updatedAt", "updated_at", "lastModified"},
		Release: ReleaseConfig{
			Asset:   "mindlayer-template.tar.gz",
			Timeout: "15s",
			Retries: 1,
		},
		Backup: BackupConfig{
			Dir:         "~/.mindlayer/backups",
			Convenience: true,
			Retain:      10,
		},
		Risk:      RiskConfig{MaxRemovals: 5},
		HistoryDB: "~/.mindlayer/history.db",
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{Metrics: true},
	}
}

// Path returns the engine.yaml location for workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, MindlayerDir, ConfigFile)
}

// Load reads engine.yaml from workspace. A missing file yields the
// defaults. The result is validated and has ~ expanded in every path.
func Load(workspace string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(Path(workspace))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("reading config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errcode.New(errcode.InvalidConfig, "", Path(workspace), err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.expand()
	return cfg, nil
}

// Init writes the default engine.yaml into workspace. It refuses to
// overwrite an existing file unless force is set.
func Init(workspace string, force bool) (string, error) {
	p := Path(workspace)
	if _, err := os.Stat(p); err == nil && !force {
		return p, fmt.Errorf("config already exists at %s", p)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return p, fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return p, fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return p, fmt.Errorf("writing config: %w", err)
	}
	return p, nil
}

// Validate reports the first invalid setting as INVALID_CONFIGURATION.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errcode.New(errcode.InvalidConfig, "", "", fmt.Errorf(format, args...))
	}

	if len(c.CriticalFiles) == 0 {
		return invalid("critical_files must not be empty")
	}
	seen := map[string]bool{}
	for _, f := range c.CriticalFiles {
		if f == "" || filepath.IsAbs(f) || strings.HasPrefix(filepath.Clean(f), "..") {
			return invalid("critical file %q must be a workspace-relative path", f)
		}
		if seen[f] {
			return invalid("critical file %q listed twice", f)
		}
		seen[f] = true
	}
	if c.PrimaryFile != "" && !seen[c.PrimaryFile] {
		return invalid("primary_file %q is not a critical file", c.PrimaryFile)
	}
	if c.VersionPath == "" {
		return invalid("version_path must not be empty")
	}
	for _, p := range c.ProtectedPaths {
		if p == "" || strings.HasPrefix(p, ".") || strings.HasSuffix(p, ".") {
			return invalid("protected path %q is not a dot path", p)
		}
	}
	if _, err := c.FetchTimeout(); err != nil {
		return invalid("release.timeout: %v", err)
	}
	if c.Release.Retries < 0 {
		return invalid("release.retries must be >= 0")
	}
	if c.Backup.Dir == "" {
		return invalid("backup.dir must not be empty")
	}
	if c.Backup.Retain < 1 {
		return invalid("backup.retain must be at least 1")
	}
	if c.Risk.MaxRemovals < 1 {
		return invalid("risk.max_removals must be at least 1")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("unknown logging.level %q", c.Logging.Level)
	}
	return nil
}

// FetchTimeout parses Release.Timeout.
func (c Config) FetchTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Release.Timeout)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %s", d)
	}
	return d, nil
}

// Primary returns the primary critical file.
func (c Config) Primary() string {
	if c.PrimaryFile != "" {
		return c.PrimaryFile
	}
	return c.CriticalFiles[0]
}

func (c *Config) expand() {
	c.Backup.Dir = ExpandHome(c.Backup.Dir)
	c.HistoryDB = ExpandHome(c.HistoryDB)
	c.Logging.File = ExpandHome(c.Logging.File)
	c.Release.SourceDir = ExpandHome(c.Release.SourceDir)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// FindWorkspace walks up from dir looking for an existing .mindlayer
// directory so commands work from any subdirectory of the project. If none
// is found it returns dir unchanged.
func FindWorkspace(dir string) (string, error) {
	start, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}
	current := start
	for {
		if fi, err := os.Stat(filepath.Join(current, MindlayerDir)); err == nil && fi.IsDir() {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return start, nil
		}
		current = parent
	}
}
