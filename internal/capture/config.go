package capture

import (
	"time"

	"lifetrace/internal/capture/blacklist"
)

// Config mirrors jobs.recorder.params in the config store (spec §6).
type Config struct {
	Screens           []int // empty captures screen 1 only; there is no "all screens" enumeration
	Deduplicate       bool
	HashThreshold     int
	FileIOTimeout     time.Duration
	DBTimeout         time.Duration
	WindowInfoTimeout time.Duration
	Blacklist         blacklist.Config
}

// DefaultConfig mirrors default_config.yaml's jobs.recorder.params.
func DefaultConfig() Config {
	return Config{
		Deduplicate:       true,
		HashThreshold:     5,
		FileIOTimeout:     15 * time.Second,
		DBTimeout:         20 * time.Second,
		WindowInfoTimeout: 5 * time.Second,
		Blacklist: blacklist.Config{
			Enabled:         true,
			AutoExcludeSelf: true,
		},
	}
}
