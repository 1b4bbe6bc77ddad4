package service

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/airframesio/table-importer/cmd/dbconn"
	"github.com/airframesio/table-importer/cmd/importer"
	"github.com/airframesio/table-importer/cmd/snapshot"
)

var (
	ErrInvalidPageSize   = errors.New("page size must not be negative")
	ErrInvalidMaxRetries = errors.New("max retries must not be negative")
	ErrInvalidRetryDelay = errors.New("retry delay must not be negative")
	ErrStaleSettings     = errors.New("settings were changed by someone else")
)

// Settings is everything an operation needs to know about its environment.
// Values are immutable once stored; change them by storing a new value.
type Settings struct {
	Source     dbconn.Config          `json:"source"`
	Target     dbconn.Config          `json:"target"`
	PageSize   int                    `json:"page_size"`
	MaxRetries int                    `json:"max_retries"`
	RetryDelay time.Duration          `json:"retry_delay"`
	S3         snapshot.S3Config      `json:"s3"`
	Export     snapshot.ExportOptions `json:"export"`
}

// Validate checks both connections and the tuning values.
func (s Settings) Validate() error {
	if err := s.Source.WithDefaults().Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := s.Target.WithDefaults().Validate(); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	if s.PageSize < 0 {
		return fmt.Errorf("%w, got %d", ErrInvalidPageSize, s.PageSize)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("%w, got %d", ErrInvalidMaxRetries, s.MaxRetries)
	}
	if s.RetryDelay < 0 {
		return fmt.Errorf("%w, got %s", ErrInvalidRetryDelay, s.RetryDelay)
	}
	return nil
}

// Redacted hides both passwords and the S3 secret.
func (s Settings) Redacted() Settings {
	s.Source = s.Source.Redacted()
	s.Target = s.Target.Redacted()
	s.S3.SecretKey = ""
	return s
}

func (s Settings) jobSettings() importer.Settings {
	return importer.Settings{
		Source:     s.Source,
		Target:     s.Target,
		PageSize:   s.PageSize,
		MaxRetries: s.MaxRetries,
		RetryDelay: s.RetryDelay,
	}
}

func (s Settings) connection(side Side) dbconn.Config {
	if side == SideSource {
		return s.Source
	}
	return s.Target
}

type versioned struct {
	settings Settings
	version  uint64
}

// ConfigStore publishes Settings snapshots. Readers take one snapshot per
// operation; writers replace the whole value.
type ConfigStore struct {
	current atomic.Pointer[versioned]
}

// NewConfigStore stores s as version 1.
func NewConfigStore(s Settings) *ConfigStore {
	c := &ConfigStore{}
	c.current.Store(&versioned{settings: s, version: 1})
	return c
}

// Load returns the current settings and their version.
func (c *ConfigStore) Load() (Settings, uint64) {
	v := c.current.Load()
	return v.settings, v.version
}

// Replace stores s unconditionally and returns its version.
func (c *ConfigStore) Replace(s Settings) uint64 {
	for {
		old := c.current.Load()
		next := &versioned{settings: s, version: old.version + 1}
		if c.current.CompareAndSwap(old, next) {
			return next.version
		}
	}
}

// CompareAndSwap stores s only if the current version is still version.
func (c *ConfigStore) CompareAndSwap(s Settings, version uint64) (uint64, error) {
	old := c.current.Load()
	if old.version != version {
		return old.version, fmt.Errorf("%w: have version %d, current is %d", ErrStaleSettings, version, old.version)
	}
	next := &versioned{settings: s, version: version + 1}
	if !c.current.CompareAndSwap(old, next) {
		cur := c.current.Load().version
		return cur, fmt.Errorf("%w: have version %d, current is %d", ErrStaleSettings, version, cur)
	}
	return next.version, nil
}
