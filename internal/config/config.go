package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// AppConfig holds settings shared by the chat client and the relay.
type AppConfig struct {
	BackendURL   string `yaml:"backend_url"`
	WSURL        string `yaml:"ws_url"`
	UserID       int64  `yaml:"user_id"`
	SessionToken string `yaml:"session_token"`

	RelayAddr   string `yaml:"relay_addr"`
	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	EditBufferWindow time.Duration `yaml:"edit_buffer_window"`
	EditBufferSize   int           `yaml:"edit_buffer_size"`
	PageSize         int           `yaml:"page_size"`
	CountdownSeconds int           `yaml:"countdown_seconds"`

	RelayEventsPerSec float64 `yaml:"relay_events_per_sec"`
	RelayBurst        int     `yaml:"relay_burst"`

	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
}

func defaults() *AppConfig {
	return &AppConfig{
		RelayAddr:         ":8089",
		EditBufferWindow:  5 * time.Second,
		EditBufferSize:    256,
		PageSize:          20,
		CountdownSeconds:  30,
		RelayEventsPerSec: 20,
		RelayBurst:        40,
		ReconnectAttempts: 8,
		ReconnectDelay:    time.Second,
	}
}

// Load reads the optional YAML file named by CHAT_CONFIG_FILE and then
// applies environment overrides. Validation is left to the binaries since
// the client and relay need different fields.
func Load() (*AppConfig, error) {
	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("CHAT_CONFIG_FILE")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() error {
	setString(&c.BackendURL, "CHAT_BACKEND_URL")
	setString(&c.WSURL, "CHAT_WS_URL")
	setString(&c.SessionToken, "CHAT_SESSION_TOKEN")
	setString(&c.RelayAddr, "RELAY_ADDR")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.DatabaseURL, "DATABASE_URL")

	if v := strings.TrimSpace(os.Getenv("CHAT_USER_ID")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("CHAT_USER_ID must be a positive integer: %q", v)
		}
		c.UserID = n
	}
	if v := strings.TrimSpace(os.Getenv("EDIT_BUFFER_WINDOW")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("EDIT_BUFFER_WINDOW: %w", err)
		}
		c.EditBufferWindow = d
	}
	if v := strings.TrimSpace(os.Getenv("RECONNECT_DELAY")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.ReconnectDelay = d
		}
	}
	setPositiveInt(&c.EditBufferSize, "EDIT_BUFFER_SIZE")
	setPositiveInt(&c.PageSize, "PAGE_SIZE")
	setPositiveInt(&c.CountdownSeconds, "COUNTDOWN_SECONDS")
	setPositiveInt(&c.RelayBurst, "RELAY_BURST")
	setPositiveInt(&c.ReconnectAttempts, "RECONNECT_ATTEMPTS")
	if v := strings.TrimSpace(os.Getenv("RELAY_EVENTS_PER_SEC")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.RelayEventsPerSec = f
		}
	}
	return nil
}

// ValidateClient checks what a chat client needs to start.
func (c *AppConfig) ValidateClient() error {
	if c.BackendURL == "" {
		return errors.New("CHAT_BACKEND_URL is required")
	}
	if c.WSURL == "" {
		return errors.New("CHAT_WS_URL is required")
	}
	if c.UserID <= 0 {
		return errors.New("CHAT_USER_ID is required")
	}
	return nil
}

// ValidateRelay checks what the relay needs to start.
func (c *AppConfig) ValidateRelay() error {
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.RelayAddr == "" {
		return errors.New("RELAY_ADDR is required")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setPositiveInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}
