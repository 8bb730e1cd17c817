// Package config loads the timeout and backoff tunables shared by the Olm
// session manager, the verification garbage-collection sweep, and the
// failure caches from YAML, applying built-in defaults for anything unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every duration the core needs to tune without a rebuild.
type Config struct {
	// KeyClaimTimeout bounds a single outstanding keys/claim request.
	KeyClaimTimeout time.Duration `yaml:"key_claim_timeout"`
	// KeyQueryWait is the configured wait for device lists to settle after
	// discovering a new user. It is loaded and defaulted; no component in
	// this module reads it.
	KeyQueryWait time.Duration `yaml:"key_query_wait"`
	// UnwedgingInterval is the minimum age of the canonical session before
	// mark_device_as_wedged is allowed to enqueue a fresh key claim.
	UnwedgingInterval time.Duration `yaml:"unwedging_interval"`
	// VerificationTimeout is the lifetime of a verification flow from creation.
	VerificationTimeout time.Duration `yaml:"verification_timeout"`
	// FailureCacheInitialBackoff is the first backoff applied to a failing
	// server or device.
	FailureCacheInitialBackoff time.Duration `yaml:"failure_cache_initial_backoff"`
	// FailureCacheMaxBackoff caps the exponential backoff of the failures cache.
	FailureCacheMaxBackoff time.Duration `yaml:"failure_cache_max_backoff"`
}

// Default returns the built-in tunables.
func Default() Config {
	return Config{
		KeyClaimTimeout:            10 * time.Second,
		KeyQueryWait:               5 * time.Second,
		UnwedgingInterval:          time.Hour,
		VerificationTimeout:        10 * time.Minute,
		FailureCacheInitialBackoff: time.Second,
		FailureCacheMaxBackoff:     5 * time.Minute,
	}
}

// Load reads a YAML config file, applying Default() for any zero-valued field
// left unset. A missing file is not an error: Default() is returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.KeyClaimTimeout == 0 {
		c.KeyClaimTimeout = d.KeyClaimTimeout
	}
	if c.KeyQueryWait == 0 {
		c.KeyQueryWait = d.KeyQueryWait
	}
	if c.UnwedgingInterval == 0 {
		c.UnwedgingInterval = d.UnwedgingInterval
	}
	if c.VerificationTimeout == 0 {
		c.VerificationTimeout = d.VerificationTimeout
	}
	if c.FailureCacheInitialBackoff == 0 {
		c.FailureCacheInitialBackoff = d.FailureCacheInitialBackoff
	}
	if c.FailureCacheMaxBackoff == 0 {
		c.FailureCacheMaxBackoff = d.FailureCacheMaxBackoff
	}
}
