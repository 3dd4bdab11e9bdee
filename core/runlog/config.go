package runlog

import "fmt"

// Backends accepted by Open.
const (
	BackendNone   = "none"
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

// Config selects the archive backend. For jsonl, MaxSizeMB > 0 enables
// rotation.
type Config struct {
	Backend    string `json:"backend"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

func (c *Config) SetDefaults() {
	if c.Backend == "" {
		c.Backend = BackendJSONL
	}
	if c.Path == "" {
		switch c.Backend {
		case BackendSQLite:
			c.Path = "runs.db"
		default:
			c.Path = "runs.jsonl"
		}
	}
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendNone, BackendJSONL, BackendSQLite:
	default:
		return fmt.Errorf("runlog: unknown backend %q", c.Backend)
	}
	if c.MaxSizeMB < 0 || c.MaxBackups < 0 || c.MaxAgeDays < 0 {
		return fmt.Errorf("runlog: rotation settings must be non-negative")
	}
	return nil
}

// Open returns the store described by cfg, or nil for the none backend.
func Open(cfg Config) (Store, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendNone:
		return nil, nil
	case BackendSQLite:
		s, err := NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite runlog: %w", err)
		}
		return s, nil
	}
	if cfg.MaxSizeMB > 0 {
		s, err := NewRotatingJSONLStore(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, fmt.Errorf("open rotating runlog: %w", err)
		}
		return s, nil
	}
	s, err := NewJSONLStore(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open jsonl runlog: %w", err)
	}
	return s, nil
}
