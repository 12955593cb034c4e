package history

import (
	"path/filepath"

	"codeberg.org/mutker/coolerctl/internal/errors"
)

const (
	defaultDirPerm = 0o755
	defaultDBPath  = "/var/lib/coolerctl/history.db"

	defaultBatchSize    = 16
	defaultBatchTimeout = 30
)

type Config struct {
	Enabled      bool
	DBPath       string
	BatchSize    int
	BatchTimeout int // seconds
}

func DefaultConfig() Config {
	return Config{
		Enabled:      false, // Disabled by default
		DBPath:       defaultDBPath,
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate DBPath if history is enabled
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}

	return nil
}

// withDefaults fills the batching knobs so the flusher always runs.
func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}

	return c
}

// backupDir sits next to the database so relocated or temp-dir setups
// stay self-contained.
func (c Config) backupDir() string {
	return filepath.Join(filepath.Dir(c.DBPath), "backups")
}
