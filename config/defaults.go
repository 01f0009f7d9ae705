// Package config loads and validates the engine's on-disk settings
// (.claude-rewind/config.toml).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ReservedDir is the reserved project-local directory name.
const ReservedDir = ".claude-rewind"

// Config holds all recognized rewind configuration values.
type Config struct {
	Storage        StorageConfig        `toml:"storage"`
	Performance    PerformanceConfig    `toml:"performance"`
	GitIntegration GitIntegrationConfig `toml:"git_integration"`
	Display        DisplayConfig        `toml:"display"`

	// ProjectRoot is not TOML-configurable; it is the directory Config
	// was loaded for.
	ProjectRoot string `toml:"-"`
}

// StorageConfig controls retention and compression.
type StorageConfig struct {
	MaxSnapshots       int  `toml:"max_snapshots"`
	CleanupAfterDays   int  `toml:"cleanup_after_days"`
	MaxDiskUsageMB     int  `toml:"max_disk_usage_mb"`
	CompressionLevel   int  `toml:"compression_level"`
	CompressionEnabled bool `toml:"compression_enabled"`
}

// PerformanceConfig controls scan behavior.
type PerformanceConfig struct {
	MaxFileSizeMB          int  `toml:"max_file_size_mb"`
	ParallelProcessing     bool `toml:"parallel_processing"`
	MemoryLimitMB          int  `toml:"memory_limit_mb"`
	SnapshotTimeoutSeconds int  `toml:"snapshot_timeout_seconds"`
}

// GitIntegrationConfig controls .gitignore handling.
type GitIntegrationConfig struct {
	RespectGitignore bool `toml:"respect_gitignore"`
}

// DisplayConfig controls diff rendering defaults.
type DisplayConfig struct {
	DiffAlgorithm string `toml:"diff_algorithm"`
	ContextLines  int    `toml:"context_lines"`
}

var allowedDiffAlgorithms = map[string]bool{
	"unified":      true,
	"side_by_side": true,
	"patch":        true,
}

// DefaultConfig returns a Config with all defaults populated for projectRoot.
func DefaultConfig(projectRoot string) Config {
	return Config{
		Storage: StorageConfig{
			MaxSnapshots:       100,
			CleanupAfterDays:   30,
			MaxDiskUsageMB:     500,
			CompressionLevel:   3,
			CompressionEnabled: true,
		},
		Performance: PerformanceConfig{
			MaxFileSizeMB:          50,
			ParallelProcessing:     true,
			MemoryLimitMB:          256,
			SnapshotTimeoutSeconds: 1,
		},
		GitIntegration: GitIntegrationConfig{
			RespectGitignore: true,
		},
		Display: DisplayConfig{
			DiffAlgorithm: "unified",
			ContextLines:  3,
		},
		ProjectRoot: projectRoot,
	}
}

// ReservedDirPath returns <projectRoot>/.claude-rewind.
func (c Config) ReservedDirPath() string {
	return filepath.Join(c.ProjectRoot, ReservedDir)
}

// ConfigFilePath returns the path to config.toml inside the reserved dir.
func (c Config) ConfigFilePath() string {
	return filepath.Join(c.ReservedDirPath(), "config.toml")
}

// Load loads configuration from <projectRoot>/.claude-rewind/config.toml,
// falling back to defaults if the file does not exist.
func Load(projectRoot string) (Config, []string, error) {
	defaults := DefaultConfig(projectRoot)
	return LoadFrom(defaults.ConfigFilePath(), defaults)
}

// LoadFrom loads configuration from path, overlaying TOML values onto
// defaults. A missing file is not an error (first-run case). Unrecognized
// keys are reported as warnings, not errors.
func LoadFrom(path string, defaults Config) (Config, []string, error) {
	cfg := defaults

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil, nil
		}
		return Config{}, nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	// ProjectRoot is not TOML-configurable; always restore it from defaults.
	cfg.ProjectRoot = defaults.ProjectRoot

	if err := validate(cfg); err != nil {
		return Config{}, nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	var warnings []string
	for _, key := range meta.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("unknown config key: %s", key))
	}

	return cfg, warnings, nil
}

// validate enforces value-range invariants at load time so bad settings
// surface at startup, not mid-operation.
func validate(c Config) error {
	if c.Storage.MaxSnapshots <= 0 {
		return fmt.Errorf("storage.max_snapshots must be positive (got %d)", c.Storage.MaxSnapshots)
	}
	if c.Storage.CleanupAfterDays < 0 {
		return fmt.Errorf("storage.cleanup_after_days must be non-negative (got %d)", c.Storage.CleanupAfterDays)
	}
	if c.Storage.MaxDiskUsageMB <= 0 {
		return fmt.Errorf("storage.max_disk_usage_mb must be positive (got %d)", c.Storage.MaxDiskUsageMB)
	}
	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 22 {
		return fmt.Errorf("storage.compression_level must be in [1,22] (got %d)", c.Storage.CompressionLevel)
	}
	if c.Performance.MaxFileSizeMB <= 0 {
		return fmt.Errorf("performance.max_file_size_mb must be positive (got %d)", c.Performance.MaxFileSizeMB)
	}
	if c.Display.ContextLines < 0 {
		return fmt.Errorf("display.context_lines must be non-negative (got %d)", c.Display.ContextLines)
	}
	if !allowedDiffAlgorithms[c.Display.DiffAlgorithm] {
		return fmt.Errorf("display.diff_algorithm must be one of unified/side_by_side/patch (got %q)", c.Display.DiffAlgorithm)
	}
	return nil
}

// EnsureDirs creates the reserved directory tree if it does not exist.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{
		c.ReservedDirPath(),
		filepath.Join(c.ReservedDirPath(), "snapshots"),
		filepath.Join(c.ReservedDirPath(), "content"),
		filepath.Join(c.ReservedDirPath(), "backups"),
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}
