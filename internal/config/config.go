// Package config loads the daemon's environment-variable driven
// configuration, generalizing the teacher's pkg/config.Config (which only
// covered CLI scan/device timeouts) to the full surface spec.md §6
// describes: socket selection, cache TTL, adapter names, retry/backoff
// knobs, and watchdog thresholds.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// Config holds every tunable the daemon reads from its environment at
// startup. Fields carry `default:"..."` tags consumed by go-defaults;
// Load() then overlays any corresponding environment variable on top.
type Config struct {
	// IPC transport
	SocketPath string `default:"/tmp/ble-orchestrator.sock"`
	TCPHost    string `default:"127.0.0.1"`
	TCPPort    int    `default:"8378"`
	UseTCP     bool   `default:"false"`

	// Logging
	LogLevel logrus.Level `default:"-"`
	LogDir   string       `default:""`
	Debug    bool         `default:"false"`

	// Scanner (C2) / cache (C1)
	ScanInterval     time.Duration `default:"500ms"`
	CacheTTL         time.Duration `default:"300s"`
	NoDeviceTimeout  time.Duration `default:"60s"`
	NoCallbackWarn   time.Duration `default:"60s"`
	NoCallbackCrit   time.Duration `default:"300s"`
	RecreateMinGap   time.Duration `default:"180s"`
	RecreateMaxTries int           `default:"3"`

	// Exclusion (C6)
	ScanStoppedTimeout time.Duration `default:"10s"`
	ClientDoneTimeout  time.Duration `default:"60s"`
	DeadlockThreshold  time.Duration `default:"90s"`

	// Request handler (C4)
	ConnectTimeout   time.Duration `default:"10s"`
	RetryCount       int           `default:"2"`
	RetryInterval    time.Duration `default:"1s"`
	AdapterResetWait time.Duration `default:"5s"`

	// Notification manager (C5)
	NotifyMaxRetries   int           `default:"5"`
	NotifyRetryBackoff time.Duration `default:"2s"`
	NotifyBufferBytes  int           `default:"65536"`

	// Request queue (C3)
	MaxAge              time.Duration `default:"30s"`
	SkipOldRequests     bool          `default:"true"`
	ScanLookupWorkers   int           `default:"3"`
	ScanLookupTimeout   time.Duration `default:"5s"`
	DefaultTimeout      time.Duration `default:"10s"`
	SweepInterval       time.Duration `default:"60s"`
	QueueWarnThreshold  int           `default:"20"`
	QueueCritThreshold  int           `default:"50"`

	// Adapters
	ScanAdapter    string `default:"hci0"`
	ConnectAdapter string `default:"hci1"`

	// Watchdog (C7)
	WatchdogInterval      time.Duration `default:"30s"`
	FailureThreshold      int           `default:"3"`
	RecoveryCoolDown      time.Duration `default:"3s"`
	ServiceRestartWait    time.Duration `default:"10s"`
	ServiceReadyPoll      time.Duration `default:"2s"`
	ServiceReadyTimeout   time.Duration `default:"30s"`
}

// Load builds a Config from struct defaults overlaid with environment
// variables. It never fails: malformed env values are silently ignored,
// leaving the default in place, matching spec.md's stance that
// configuration loading is an external, out-of-scope collaborator — this
// daemon's own parsing is deliberately forgiving of its inputs.
func Load() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	c.LogLevel = logrus.InfoLevel

	if v := os.Getenv("BLE_ORCHESTRATOR_SOCKET"); v != "" {
		c.SocketPath = v
	}
	if v := os.Getenv("BLE_ORCHESTRATOR_TCP"); v != "" {
		c.UseTCP = true
	}
	if v := os.Getenv("BLE_ORCHESTRATOR_HOST"); v != "" {
		c.TCPHost = v
	}
	if v := os.Getenv("BLE_ORCHESTRATOR_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.TCPPort = p
		}
	}
	if v := os.Getenv("BLE_ORCHESTRATOR_LOG_LEVEL"); v != "" {
		if lvl, err := logrus.ParseLevel(v); err == nil {
			c.LogLevel = lvl
		}
	}
	if v := os.Getenv("BLE_ORCHESTRATOR_LOG_DIR"); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv("BLE_ORCHESTRATOR_DEBUG"); v != "" {
		c.Debug = parseBool(v, c.Debug)
		if c.Debug {
			c.LogLevel = logrus.DebugLevel
		}
	}
	if v := os.Getenv("BLE_ORCHESTRATOR_SCAN_INTERVAL"); v != "" {
		setDuration(&c.ScanInterval, v)
	}
	if v := os.Getenv("BLE_ORCHESTRATOR_CACHE_TTL"); v != "" {
		setDuration(&c.CacheTTL, v)
	}
	if v := os.Getenv("BLE_ORCHESTRATOR_CONNECT_TIMEOUT"); v != "" {
		setDuration(&c.ConnectTimeout, v)
	}
	if v := os.Getenv("BLE_ORCHESTRATOR_RETRY_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RetryCount = n
		}
	}
	if v := os.Getenv("BLE_ORCHESTRATOR_RETRY_INTERVAL"); v != "" {
		setDuration(&c.RetryInterval, v)
	}
	if v := os.Getenv("BLE_ORCHESTRATOR_NOTIFY_BUFFER_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.NotifyBufferBytes = n
		}
	}
	if v := os.Getenv("BLE_ORCHESTRATOR_SCAN_ADAPTER"); v != "" {
		c.ScanAdapter = v
	}
	if v := os.Getenv("BLE_ORCHESTRATOR_CONNECT_ADAPTER"); v != "" {
		c.ConnectAdapter = v
	}
	if v := os.Getenv("BLE_ORCHESTRATOR_WATCHDOG_INTERVAL"); v != "" {
		setDuration(&c.WatchdogInterval, v)
	}
	if v := os.Getenv("BLE_ORCHESTRATOR_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.FailureThreshold = n
		}
	}
	if v := os.Getenv("BLE_ORCHESTRATOR_MAX_AGE"); v != "" {
		setDuration(&c.MaxAge, v)
	}
	if v := os.Getenv("BLE_ORCHESTRATOR_SKIP_OLD_REQUESTS"); v != "" {
		c.SkipOldRequests = parseBool(v, c.SkipOldRequests)
	}

	return c
}

func setDuration(dst *time.Duration, raw string) {
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}

func parseBool(raw string, fallback bool) bool {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return fallback
}
