package config

import (
	"fmt"
	"net/url"
	"time"
)

// Validate checks that the NodeConfig contains valid values.
// Returns an error describing the first invalid field found.
func (c NodeConfig) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("config: --interface is required")
	}
	if err := validatePort(c.Port); err != nil {
		return err
	}
	if c.Interval < time.Second {
		return fmt.Errorf("config: --interval must be >= 1s, got %v", c.Interval)
	}
	if c.LeakThreshold < 0 {
		return fmt.Errorf("config: --threshold must be >= 0, got %d", c.LeakThreshold)
	}
	if c.CgroupRoot == "" {
		return fmt.Errorf("config: --cgroup-root must not be empty")
	}
	if c.ZombieDecay <= 0 {
		return fmt.Errorf("config: --zombie-decay must be > 0, got %v", c.ZombieDecay)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("config: --command-timeout must be > 0, got %v", c.CommandTimeout)
	}
	return nil
}

// Validate checks that the WatchdogConfig contains valid values.
// Returns an error describing the first invalid field found.
func (c WatchdogConfig) Validate() error {
	if c.APIServerURL == "" {
		return fmt.Errorf("config: cluster API URI is required")
	}
	u, err := url.Parse(c.APIServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: invalid cluster API URI %q", c.APIServerURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: cluster API URI must use http:// or https:// (got %q)", c.APIServerURL)
	}
	if (c.CAFile == "") != (c.BearerFile == "") {
		return fmt.Errorf("config: --ca and --bearer must be supplied together")
	}
	if err := validatePort(c.Port); err != nil {
		return err
	}
	if c.Interval < time.Second {
		return fmt.Errorf("config: --interval must be >= 1s, got %v", c.Interval)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: --request-timeout must be > 0, got %v", c.RequestTimeout)
	}
	return nil
}

func validatePort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("config: --port must be 1-65535, got %d", p)
	}
	return nil
}
