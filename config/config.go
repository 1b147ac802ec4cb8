// Package config manages the tuning knobs for the stratodb engine: SQL
// busy-retry behavior, recursion-depth guard, drain-loop cadence, reader
// pool sizing, and quiet mode (plus a store cache size field that no
// package reads; see StoreCacheSize). Defaults are compiled in from an
// embedded YAML file; a running instance may override and persist them
// to confDir/config.json.
package config

import (
	"encoding/json"
	_ "embed"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed config.default.yaml
var defaultYAML []byte

// Data holds the serialisable engine configuration.
type Data struct {
	// BusyRetryMax bounds how many BEGIN IMMEDIATE attempts (the first
	// one included) WithTransaction makes on SQLITE_BUSY before
	// surfacing the error.
	BusyRetryMax int `json:"busy_retry_max" yaml:"busy_retry_max"`

	// BusyBackoffBase and BusyBackoffJitter control the retry delay:
	// base doubled on each subsequent attempt, plus rand(0, jitter).
	BusyBackoffBase   string `json:"busy_backoff_base"   yaml:"busy_backoff_base"`
	BusyBackoffJitter string `json:"busy_backoff_jitter" yaml:"busy_backoff_jitter"`

	// MaxDispatchDepth is the recursion guard on child event nesting —
	// exceeding it fails the event with a "deep" handle error.
	MaxDispatchDepth int `json:"max_dispatch_depth" yaml:"max_dispatch_depth"`

	// DrainPollInterval is how often the engine's drain loop checks for
	// a newly queued event when it finds none to process.
	DrainPollInterval string `json:"drain_poll_interval" yaml:"drain_poll_interval"`

	// ReaderPoolSize bounds the number of read-only connections opened
	// against the same database file for store.* views.
	ReaderPoolSize int `json:"reader_pool_size" yaml:"reader_pool_size"`

	// StoreCacheSize is loaded and persisted but not read by any package:
	// the per-model LRU cache fronting Store.Get has a fixed size of 256
	// entries (model.cacheSize).
	StoreCacheSize int `json:"store_cache_size" yaml:"store_cache_size"`

	// Quiet suppresses the dispatch engine's log.Printf output, for
	// embedding test harnesses that want silent output.
	Quiet bool `json:"quiet" yaml:"quiet"`
}

// BusyBackoff parses BusyBackoffBase/BusyBackoffJitter, falling back to
// 20ms/15ms if either is empty or malformed.
func (d Data) BusyBackoff() (base, jitter time.Duration) {
	base = parseDuration(d.BusyBackoffBase, 20*time.Millisecond)
	jitter = parseDuration(d.BusyBackoffJitter, 15*time.Millisecond)
	return base, jitter
}

// DrainPoll parses DrainPollInterval, falling back to 50ms.
func (d Data) DrainPoll() time.Duration {
	return parseDuration(d.DrainPollInterval, 50*time.Millisecond)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return dur
}

// Global is a thread-safe, disk-backed wrapper around Data.
type Global struct {
	mu      sync.RWMutex
	data    Data
	confDir string
}

// Load reads the config from confDir/config.json, filling in defaults
// (from the embedded YAML) for any missing fields. Creates confDir if it
// does not exist. A zero confDir skips persistence entirely — Set then
// only updates the in-memory copy, which is useful for tests.
func Load(confDir string) (*Global, error) {
	g := &Global{confDir: confDir, data: defaults()}

	if confDir == "" {
		return g, nil
	}
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(filepath.Join(confDir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(raw, &g.data); err != nil {
		return nil, err
	}
	return g, nil
}

func defaults() Data {
	var d Data
	_ = yaml.Unmarshal(defaultYAML, &d)
	return d
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the current configuration and persists it to disk (a
// no-op when Load was called with an empty confDir).
func (g *Global) Set(d Data) error {
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return g.save()
}

func (g *Global) save() error {
	if g.confDir == "" {
		return nil
	}
	g.mu.RLock()
	raw, err := json.MarshalIndent(g.data, "", "  ")
	g.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(g.confDir, "config.json"), raw, 0o644)
}
