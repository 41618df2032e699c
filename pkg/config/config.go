// Package config loads probe settings from an env-style file, one key=value
// per line with # comments.
package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings for a probe run.
type Config struct {
	// URL is the rtsp:// or rtsps:// endpoint to connect to.
	URL string

	// Username and Password are used for basic auth on DESCRIBE.
	Username string
	Password string

	// KeepaliveInterval paces keepalive OPTIONS requests while playing.
	KeepaliveInterval time.Duration

	// DialTimeout bounds the initial connection attempt. Reconnects
	// triggered later by auto-reconnect are not bounded by it.
	DialTimeout time.Duration

	// AutoReconnect makes sends against a dropped connection redial
	// transparently.
	AutoReconnect bool
}

// defaults returns a Config with everything but the URL filled in.
func defaults() *Config {
	return &Config{
		KeepaliveInterval: 25 * time.Second,
		DialTimeout:       10 * time.Second,
		AutoReconnect:     true,
	}
}

// Load reads configuration from an env file.
func Load(envPath string) (*Config, error) {
	file, err := os.Open(envPath)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	cfg := defaults()
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Credentials may arrive URL-encoded
		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			decodedValue = value
		}

		switch key {
		case "rtsp_url":
			cfg.URL = decodedValue
		case "username":
			cfg.Username = decodedValue
		case "password":
			cfg.Password = decodedValue
		case "keepalive_interval":
			d, err := time.ParseDuration(decodedValue)
			if err != nil {
				return nil, fmt.Errorf("invalid keepalive_interval %q: %w", decodedValue, err)
			}
			cfg.KeepaliveInterval = d
		case "dial_timeout":
			d, err := time.ParseDuration(decodedValue)
			if err != nil {
				return nil, fmt.Errorf("invalid dial_timeout %q: %w", decodedValue, err)
			}
			cfg.DialTimeout = d
		case "auto_reconnect":
			b, err := strconv.ParseBool(decodedValue)
			if err != nil {
				return nil, fmt.Errorf("invalid auto_reconnect %q: %w", decodedValue, err)
			}
			cfg.AutoReconnect = b
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan env file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are present
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("missing rtsp_url")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid rtsp_url: %w", err)
	}
	if u.Scheme != "rtsp" && u.Scheme != "rtsps" {
		return fmt.Errorf("rtsp_url must use the rtsp or rtsps scheme, got %q", u.Scheme)
	}
	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("keepalive_interval must be positive")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive")
	}
	return nil
}
