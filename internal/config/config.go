// Package config loads startup configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 32175
	DefaultPollIntervalMs = 1000
)

// Config is the startup configuration. The API binds to localhost by
// default; exposing it wider is a deliberate choice via config.
type Config struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
}

func defaults() *Config {
	return &Config{
		Host:           DefaultHost,
		Port:           DefaultPort,
		PollIntervalMs: DefaultPollIntervalMs,
	}
}

// Load reads the YAML file at path (skipped silently when path is empty or
// the file does not exist), then applies CARD_AGENT_HOST, CARD_AGENT_PORT
// and CARD_AGENT_POLL_MS overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("decode config: %w", err)
			}
		}
	}

	if host := os.Getenv("CARD_AGENT_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("CARD_AGENT_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid CARD_AGENT_PORT: %q", port)
		}
		cfg.Port = p
	}
	if ms := os.Getenv("CARD_AGENT_POLL_MS"); ms != "" {
		v, err := strconv.Atoi(ms)
		if err != nil || v < 100 {
			return nil, fmt.Errorf("invalid CARD_AGENT_POLL_MS: %q", ms)
		}
		cfg.PollIntervalMs = v
	}

	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.PollIntervalMs <= 0 {
		cfg.PollIntervalMs = DefaultPollIntervalMs
	}

	return cfg, nil
}

// Address returns the host:port the HTTP server binds to.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PollInterval returns the auto-read cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}
