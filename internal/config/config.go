// Package config loads server settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	DefaultTCPPort       = 40404
	DefaultDiscoveryPort = 40406
	DefaultHTTPAddr      = ":8080"
	DefaultModuleID      = "demo"
)

type Config struct {
	SessionID     string
	ModuleID      string
	TCPPort       int
	DiscoveryPort int
	// HTTPAddr is empty when the HTTP side surface is disabled.
	HTTPAddr      string
	AdvertiseHost string
	DatabaseURL   string
	LogDev        bool
}

// Load reads files (default ".env") if present, then the QUIZ_* variables.
// Variables already set in the environment win over the file.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	c := Config{
		SessionID:     get(lookup, "QUIZ_SESSION_ID", ""),
		ModuleID:      get(lookup, "QUIZ_MODULE_ID", DefaultModuleID),
		AdvertiseHost: get(lookup, "QUIZ_ADVERTISE_HOST", ""),
		DatabaseURL:   get(lookup, "QUIZ_DATABASE_URL", ""),
	}
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()[:8]
	}

	// Set-but-empty disables HTTP.
	if v, ok := lookup("QUIZ_HTTP_ADDR"); ok {
		c.HTTPAddr = strings.TrimSpace(v)
	} else {
		c.HTTPAddr = DefaultHTTPAddr
	}

	var err error
	if c.TCPPort, err = port(lookup, "QUIZ_TCP_PORT", DefaultTCPPort); err != nil {
		return Config{}, err
	}
	if c.DiscoveryPort, err = port(lookup, "QUIZ_DISCOVERY_PORT", DefaultDiscoveryPort); err != nil {
		return Config{}, err
	}
	if v := get(lookup, "QUIZ_LOG_DEV", ""); v != "" {
		if c.LogDev, err = strconv.ParseBool(v); err != nil {
			return Config{}, fmt.Errorf("QUIZ_LOG_DEV: %w", err)
		}
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	if err := checkPort("tcp port", c.TCPPort); err != nil {
		return err
	}
	if err := checkPort("discovery port", c.DiscoveryPort); err != nil {
		return err
	}
	if strings.TrimSpace(c.SessionID) == "" {
		return errors.New("config: session id is blank")
	}
	return nil
}

func get(lookup func(string) (string, bool), key, def string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func port(lookup func(string) (string, bool), key string, def int) (int, error) {
	v := get(lookup, key, "")
	if v == "" {
		return def, nil
	}
	p, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a port", key, v)
	}
	return p, nil
}

// checkPort allows 0 so tests can bind ephemeral ports.
func checkPort(name string, p int) error {
	if p < 0 || p > 65535 {
		return fmt.Errorf("config: %s %d out of range", name, p)
	}
	return nil
}
