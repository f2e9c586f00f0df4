package txsystem

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for one System instance, loaded
// from YAML.
type Config struct {
	DataDir string `yaml:"data_dir"`

	// BufferFrames is the number of page-sized frames in the shared
	// buffer cache.
	BufferFrames int `yaml:"buffer_frames"`

	// LockTables is the number of lock-manager partitions; rounded up
	// to a power of two by lock.NewManager.
	LockTables int `yaml:"lock_tables"`

	// CheckpointCron is a robfig/cron/v3 expression driving the
	// background checkpoint job.
	CheckpointCron string `yaml:"checkpoint_cron"`

	// VacuumCron is a robfig/cron/v3 expression driving the background
	// vacuum sweep.
	VacuumCron string `yaml:"vacuum_cron"`

	// DeadlockCron is a robfig/cron/v3 expression driving the periodic
	// cross-lock wait-for-graph scan (lock.Manager.DetectDeadlocks),
	// PostgreSQL's SIGALRM-driven deadlock check reimplemented as a cron
	// job alongside checkpoint and vacuum.
	DeadlockCron string `yaml:"deadlock_cron"`

	// MaxThreads bounds the thread (process) registry's slot count.
	MaxThreads int `yaml:"max_threads"`
}

// DefaultConfig returns sane defaults for a local single-process store.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:        dataDir,
		BufferFrames:   256,
		LockTables:     16,
		CheckpointCron: "@every 30s",
		VacuumCron:     "@every 5m",
		DeadlockCron:   "@every 2s",
		MaxThreads:     128,
	}
}

// LoadConfig reads and parses a YAML config file, filling in any
// zero-valued field from DefaultConfig(dataDir).
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("txsystem: read config %s: %w", path, err)
	}
	cfg := DefaultConfig("")
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("txsystem: parse config %s: %w", path, err)
	}
	if cfg.DataDir == "" {
		return Config{}, fmt.Errorf("txsystem: config %s missing data_dir", path)
	}
	if cfg.BufferFrames <= 0 {
		cfg.BufferFrames = DefaultConfig(cfg.DataDir).BufferFrames
	}
	if cfg.LockTables <= 0 {
		cfg.LockTables = DefaultConfig(cfg.DataDir).LockTables
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = DefaultConfig(cfg.DataDir).MaxThreads
	}
	if cfg.DeadlockCron == "" {
		cfg.DeadlockCron = DefaultConfig(cfg.DataDir).DeadlockCron
	}
	return cfg, nil
}

// WriteConfig marshals cfg as YAML to path, for `txcorectl init`.
func WriteConfig(path string, cfg Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("txsystem: marshal config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("txsystem: write config %s: %w", path, err)
	}
	return nil
}
