// Package config loads the settings of the duplexrpc programs from the
// environment and optional .env files.
package config

import (
	"encoding/base64"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
)

// EnvPrefix prefixes every variable read by FromEnv.
const EnvPrefix = "DUPLEXRPC_"

// Variable names, without EnvPrefix.
const (
	EnvListenAddr  = "LISTEN_ADDR"
	EnvKeepalive   = "KEEPALIVE"
	EnvLogConfig   = "LOG_CONFIG"
	EnvTokenKeyID  = "TOKEN_KEY_ID"
	EnvTokenKeys   = "TOKEN_KEYS"
	EnvClientURL   = "CLIENT_URL"
	EnvClientToken = "CLIENT_TOKEN"
	EnvMinBackoff  = "BACKOFF_MIN"
	EnvMaxBackoff  = "BACKOFF_MAX"
	EnvMaxAttempts = "MAX_ATTEMPTS"
)

// Config holds the settings shared by the example server and client.
type Config struct {
	ListenAddr string
	Keepalive  time.Duration
	// LogConfig is a loggo specification, e.g. "<root>=INFO;duplexrpc.wsrpc=DEBUG".
	LogConfig string

	// TokenKeyID names the key in TokenKeys used to seal new tokens.
	TokenKeyID string
	TokenKeys  map[string][]byte

	ClientURL   string
	ClientToken string
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		Keepalive:  30 * time.Second,
		LogConfig:  "<root>=INFO",
		TokenKeyID: "default",
		ClientURL:  "ws://localhost:8080/ws",
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 30 * time.Second,
	}
}

// Load reads files into the environment with godotenv, then builds the
// configuration from it. Variables already set in the environment win over
// the files. Files that do not exist are skipped; with no files, ".env" is
// tried.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return Config{}, errors.Annotatef(err, "loading %s", file)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds the configuration from the variables returned by lookup.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	if v, ok := get(EnvListenAddr); ok {
		cfg.ListenAddr = v
	}
	if v, ok := get(EnvLogConfig); ok {
		cfg.LogConfig = v
	}
	if v, ok := get(EnvTokenKeyID); ok {
		cfg.TokenKeyID = v
	}
	if v, ok := get(EnvClientURL); ok {
		cfg.ClientURL = v
	}
	if v, ok := get(EnvClientToken); ok {
		cfg.ClientToken = v
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{EnvKeepalive, &cfg.Keepalive},
		{EnvMinBackoff, &cfg.MinBackoff},
		{EnvMaxBackoff, &cfg.MaxBackoff},
	}
	for _, d := range durations {
		v, ok := get(d.name)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, errors.NotValidf("%s%s %q", EnvPrefix, d.name, v)
		}
		*d.dst = parsed
	}

	if v, ok := get(EnvMaxAttempts); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.NotValidf("%s%s %q", EnvPrefix, EnvMaxAttempts, v)
		}
		cfg.MaxAttempts = n
	}

	if v, ok := get(EnvTokenKeys); ok {
		keys, err := parseKeys(v)
		if err != nil {
			return Config{}, errors.Annotatef(err, "%s%s", EnvPrefix, EnvTokenKeys)
		}
		cfg.TokenKeys = keys
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// parseKeys reads a comma separated list of id:base64url pairs.
func parseKeys(s string) (map[string][]byte, error) {
	keys := make(map[string][]byte)
	for _, pair := range strings.Split(s, ",") {
		id, encoded, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || id == "" || encoded == "" {
			return nil, errors.NotValidf("key entry %q", pair)
		}
		key, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if err != nil {
			return nil, errors.NotValidf("key %q encoding", id)
		}
		keys[id] = key
	}
	return keys, nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.Keepalive <= 0 {
		return errors.NotValidf("keepalive %v", c.Keepalive)
	}
	if c.MinBackoff <= 0 || c.MaxBackoff <= 0 {
		return errors.NotValidf("non-positive backoff")
	}
	if c.MinBackoff > c.MaxBackoff {
		return errors.NotValidf("backoff min %v above max %v", c.MinBackoff, c.MaxBackoff)
	}
	if len(c.TokenKeys) > 0 {
		if _, ok := c.TokenKeys[c.TokenKeyID]; !ok {
			return errors.NotFoundf("token key %q", c.TokenKeyID)
		}
	}
	return nil
}
