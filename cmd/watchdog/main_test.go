package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpai/pai-telemetry/internal/config"
)

func parseWatchdog(t *testing.T, args ...string) (config.WatchdogConfig, error) {
	t.Helper()
	var got config.WatchdogConfig
	cmd := newCommand(func(_ context.Context, cfg config.WatchdogConfig) error {
		got = cfg
		return nil
	})
	err := cmd.Run(context.Background(), append([]string{name}, args...))
	return got, err
}

func TestCommand_Defaults(t *testing.T) {
	cfg, err := parseWatchdog(t, "http://10.0.0.1:8080")
	require.NoError(t, err)

	assert.Equal(t, "http://10.0.0.1:8080", cfg.APIServerURL)
	assert.Equal(t, config.DefaultWatchdogPort, cfg.Port)
	assert.Equal(t, config.DefaultInterval, cfg.Interval)
	assert.Equal(t, config.DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Empty(t, cfg.HivedConfig)
}

func TestCommand_Flags(t *testing.T) {
	cfg, err := parseWatchdog(t,
		"--ca", "/etc/ca.crt", "--bearer", "/etc/token",
		"-i", "60", "-l", "/var/log/pai", "--hived-config", "/etc/hived.yaml",
		"https://k8s.example.com:6443/")
	require.NoError(t, err)

	assert.Equal(t, "/etc/ca.crt", cfg.CAFile)
	assert.Equal(t, "/etc/token", cfg.BearerFile)
	assert.Equal(t, time.Minute, cfg.Interval)
	assert.Equal(t, "/etc/hived.yaml", cfg.HivedConfig)
	assert.Equal(t, "/var/log/pai/watchdog.prom", cfg.Textfile(config.WatchdogTextfile))
}

func TestCommand_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing uri", nil},
		{"bad scheme", []string{"ftp://10.0.0.1"}},
		{"ca without bearer", []string{"--ca", "/etc/ca.crt", "https://10.0.0.1"}},
		{"bad timeout", []string{"--request-timeout", "0s", "https://10.0.0.1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseWatchdog(t, tt.args...)
			assert.Error(t, err)
		})
	}
}
