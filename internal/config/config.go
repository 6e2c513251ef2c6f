// Package config loads and validates the process configuration once at startup.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kimhsiao/rocade/internal/errors"
)

// Environment variable names.
const (
	EnvSteamAPIKey          = "STEAM_API_KEY"
	EnvSteamProfileID       = "STEAM_PROFILE_ID"
	EnvTwitchClientID       = "TWITCH_CLIENT_ID"
	EnvTwitchClientSecret   = "TWITCH_CLIENT_SECRET"
	EnvDataDir              = "ROCADE_DATA_DIR"
	EnvSteamLibraryPath     = "STEAM_LIBRARY_PATH"
	EnvSteamAssumeInstalled = "STEAM_ASSUME_INSTALLED"
	EnvHTTPAddr             = "ROCADE_HTTP_ADDR"
	EnvSyncSchedule         = "ROCADE_SYNC_SCHEDULE"
	EnvLogLevel             = "ROCADE_LOG_LEVEL"
	EnvFuzzyThreshold       = "ROCADE_FUZZY_THRESHOLD"
	EnvIGDBRequestsPerSec   = "IGDB_REQUESTS_PER_SECOND"
	EnvHTTPTimeout          = "HTTP_TIMEOUT"
)

// Config holds the settings the core needs. Built once by Load.
type Config struct {
	SteamAPIKey        string
	SteamProfileID     string
	TwitchClientID     string
	TwitchClientSecret string

	DataDir              string
	SteamLibraryPath     string
	SteamAssumeInstalled bool
	HTTPAddr             string
	SyncSchedule         string
	LogLevel             string
	FuzzyThreshold       float64
	IGDBRequestsPerSec   float64
	HTTPTimeout          time.Duration
}

// DatabasePath returns the SQLite file location inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "rocade.db")
}

// AssetsDir returns the image cache location inside the data directory.
func (c *Config) AssetsDir() string {
	return filepath.Join(c.DataDir, "assets")
}

// LoadDotenv reads .env from the working directory, falling back to its parent.
// Variables already present in the environment win.
func LoadDotenv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil
	}
	parent := filepath.Join(filepath.Dir(wd), ".env")
	if _, err := os.Stat(parent); err == nil {
		return godotenv.Load(parent)
	}
	return nil
}

// Load reads .env files and the environment and validates the result.
func Load() (*Config, error) {
	if err := LoadDotenv(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "unable to parse .env file", err)
	}
	return FromLookup(os.LookupEnv)
}

// LoadLocal is Load without the upstream credentials, for commands that
// only touch the local database.
func LoadLocal() (*Config, error) {
	if err := LoadDotenv(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "unable to parse .env file", err)
	}
	return build(os.LookupEnv, false)
}

// FromLookup builds a Config from an arbitrary variable source.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	return build(lookup, true)
}

func build(lookup func(string) (string, bool), requireCredentials bool) (*Config, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	cfg := &Config{
		SteamAPIKey:        get(EnvSteamAPIKey),
		SteamProfileID:     get(EnvSteamProfileID),
		TwitchClientID:     get(EnvTwitchClientID),
		TwitchClientSecret: get(EnvTwitchClientSecret),
		DataDir:            get(EnvDataDir),
		SteamLibraryPath:   get(EnvSteamLibraryPath),
		HTTPAddr:           get(EnvHTTPAddr),
		SyncSchedule:       get(EnvSyncSchedule),
		LogLevel:           get(EnvLogLevel),
	}

	for _, req := range []struct {
		name  string
		value string
	}{
		{EnvSteamAPIKey, cfg.SteamAPIKey},
		{EnvSteamProfileID, cfg.SteamProfileID},
		{EnvTwitchClientID, cfg.TwitchClientID},
		{EnvTwitchClientSecret, cfg.TwitchClientSecret},
	} {
		if requireCredentials && req.value == "" {
			return nil, errors.Newf(errors.ErrConfigMissing, "required setting %s is not set", req.name)
		}
	}

	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.SteamLibraryPath == "" {
		cfg.SteamLibraryPath = DefaultSteamLibraryPath()
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:8090"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	var err error
	if cfg.SteamAssumeInstalled, err = parseBool(EnvSteamAssumeInstalled, get(EnvSteamAssumeInstalled), true); err != nil {
		return nil, err
	}
	if cfg.FuzzyThreshold, err = parseFloat(EnvFuzzyThreshold, get(EnvFuzzyThreshold), 0.3); err != nil {
		return nil, err
	}
	if cfg.FuzzyThreshold <= 0 || cfg.FuzzyThreshold > 1 {
		return nil, errors.Newf(errors.ErrInvalid, "%s must be in (0, 1], got %v", EnvFuzzyThreshold, cfg.FuzzyThreshold)
	}
	if cfg.IGDBRequestsPerSec, err = parseFloat(EnvIGDBRequestsPerSec, get(EnvIGDBRequestsPerSec), 4); err != nil {
		return nil, err
	}
	if cfg.IGDBRequestsPerSec <= 0 {
		return nil, errors.Newf(errors.ErrInvalid, "%s must be positive", EnvIGDBRequestsPerSec)
	}
	if raw := get(EnvHTTPTimeout); raw != "" {
		cfg.HTTPTimeout, err = time.ParseDuration(raw)
		if err != nil || cfg.HTTPTimeout <= 0 {
			return nil, errors.Newf(errors.ErrInvalid, "%s must be a positive duration, got %q", EnvHTTPTimeout, raw)
		}
	} else {
		cfg.HTTPTimeout = 30 * time.Second
	}

	return cfg, nil
}

// DefaultSteamLibraryPath returns the usual steamapps directory for this OS.
func DefaultSteamLibraryPath() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "windows":
		return `C:\Program Files (x86)\Steam\steamapps`
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Steam", "steamapps")
	default:
		return filepath.Join(home, ".steam", "steam", "steamapps")
	}
}

func parseBool(name, raw string, def bool) (bool, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.Newf(errors.ErrInvalid, "%s must be a boolean, got %q", name, raw)
	}
	return v, nil
}

func parseFloat(name, raw string, def float64) (float64, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.Newf(errors.ErrInvalid, "%s must be a number, got %q", name, raw)
	}
	return v, nil
}
