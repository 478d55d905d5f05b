// Package config holds the settings shared by every pagerctl command and
// turns them into pager options.
//
// Settings come from command-line flags, then PAGECORE_* environment
// variables, then defaults; kong resolves all three from the struct tags.
// Load reads a .env file into the environment first so that it can supply
// the variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"

	"github.com/FocuswithJustin/pagecore/core/cachepool"
	"github.com/FocuswithJustin/pagecore/core/pager"
	"github.com/FocuswithJustin/pagecore/core/pcache"
	"github.com/FocuswithJustin/pagecore/internal/logging"
)

// EnvPrefix starts the name of every environment variable read here.
const EnvPrefix = "PAGECORE_"

// Config is embedded in the command line. The tags are read by kong.
type Config struct {
	LogLevel    string `name:"log-level" help:"Log level (debug, info, warn, error)" default:"warn" env:"PAGECORE_LOG_LEVEL"`
	LogFormat   string `name:"log-format" help:"Log format (text, json)" default:"text" env:"PAGECORE_LOG_FORMAT"`
	PageSize    int    `name:"page-size" help:"Page size for new databases" default:"4096" env:"PAGECORE_PAGE_SIZE"`
	CacheSize   int    `name:"cache-size" help:"Cache size in pages, or KiB when negative" default:"2000" env:"PAGECORE_CACHE_SIZE"`
	JournalMode string `name:"journal-mode" help:"Journal mode (delete, persist, off, truncate, memory, wal)" default:"delete" env:"PAGECORE_JOURNAL_MODE"`
	SyncMode    string `name:"sync" help:"Sync mode (off, normal, full)" default:"normal" env:"PAGECORE_SYNC"`
	MemoryLimit int64  `name:"memory-limit" help:"Soft limit in bytes on page buffers; 0 for none" default:"0" env:"PAGECORE_MEMORY_LIMIT"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		LogLevel:    "warn",
		LogFormat:   "text",
		PageSize:    pager.DefaultPageSize,
		CacheSize:   pcache.DefaultCacheSize,
		JournalMode: "delete",
		SyncMode:    "normal",
	}
}

// Load reads name, if it exists, into the environment. Variables already
// set are kept. An empty name means ".env".
func Load(name string) error {
	if name == "" {
		name = ".env"
	}
	err := godotenv.Load(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	return nil
}

// Validate checks every setting that has a fixed set of values.
func (c Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		return err
	}
	if _, err := pager.ParseJournalMode(c.JournalMode); err != nil {
		return err
	}
	if _, err := pager.ParseSyncMode(c.SyncMode); err != nil {
		return err
	}
	if c.PageSize < pager.MinPageSize || c.PageSize > pager.MaxPageSize || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("invalid page size %d", c.PageSize)
	}
	if c.MemoryLimit < 0 {
		return fmt.Errorf("invalid memory limit %d", c.MemoryLimit)
	}
	return nil
}

// InitLogging configures the process logger.
func (c Config) InitLogging() error {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(c.LogFormat)
	if err != nil {
		return err
	}
	logging.InitLogger(level, format)
	return nil
}

// Pool creates the page buffer pool shared by the pagers of one command.
func (c Config) Pool() *pcache.Pool {
	return pcache.NewPool(cachepool.Config{Mode: cachepool.ModeUnified, MemoryLimit: c.MemoryLimit})
}

// PagerOptions converts the configuration. Options given in extra come
// last and take precedence.
func (c Config) PagerOptions(pool *pcache.Pool, log *slog.Logger, extra ...pager.Option) ([]pager.Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	jm, _ := pager.ParseJournalMode(c.JournalMode)
	sm, _ := pager.ParseSyncMode(c.SyncMode)
	opts := []pager.Option{
		pager.WithPageSize(c.PageSize),
		pager.WithCacheSize(c.CacheSize),
		pager.WithJournalMode(jm),
		pager.WithSyncMode(sm),
	}
	if pool != nil {
		opts = append(opts, pager.WithPool(pool))
	}
	if log != nil {
		opts = append(opts, pager.WithLogger(log))
	}
	return append(opts, extra...), nil
}
