package queue

import (
	"sync"
	"time"
)

// Config is the mutable subset of queue behavior exposed through IPC's
// get_queue_config / update_queue_config (spec.md §4.3).
type Config struct {
	mu              sync.RWMutex
	skipOldRequests bool
	maxAge          time.Duration
}

// ConfigSnapshot is the JSON-friendly view of Config.
type ConfigSnapshot struct {
	SkipOldRequests bool          `json:"skip_old_requests"`
	MaxAgeSec       float64       `json:"max_age_sec"`
	maxAge          time.Duration `json:"-"`
}

func newConfig(skipOld bool, maxAge time.Duration) *Config {
	return &Config{skipOldRequests: skipOld, maxAge: maxAge}
}

func (c *Config) Get() ConfigSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConfigSnapshot{
		SkipOldRequests: c.skipOldRequests,
		MaxAgeSec:       c.maxAge.Seconds(),
		maxAge:          c.maxAge,
	}
}

// Update applies partial updates; nil pointers leave the field unchanged.
func (c *Config) Update(skipOld *bool, maxAgeSec *float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if skipOld != nil {
		c.skipOldRequests = *skipOld
	}
	if maxAgeSec != nil {
		c.maxAge = time.Duration(*maxAgeSec * float64(time.Second))
	}
}

func (c *Config) skipOld() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.skipOldRequests
}

func (c *Config) maxAgeDuration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxAge
}
