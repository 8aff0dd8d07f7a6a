package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// FileName is the config file inside the data directory.
const FileName = "config.toml"

// Config is the root configuration for worktime, stored in
// ~/.worktime/config.toml.
type Config struct {
	// HoursPerDay is the daily work target. Zero means DefaultHoursPerDay.
	HoursPerDay float64
	// OrganizationMatch selects the Hubstaff organization whose name contains it.
	OrganizationMatch string
	// Timezone is the IANA zone used for the report date and weekday. Empty = local.
	Timezone string

	CredentialsFile string
	DiscoveryURL    string
	APIBaseURL      string
	ImagesDir       string
	FontFile        string
	RestartCommand  []string
	WatchdogLimit   time.Duration
	LogFile         string
}

const (
	DefaultHoursPerDay       = 8.5
	DefaultOrganizationMatch = "NXLog"
	DefaultDiscoveryURL      = "https://account.hubstaff.com/.well-known/openid-configuration"
	DefaultAPIBaseURL        = "https://api.hubstaff.com"
	DefaultWatchdogLimit     = 60 * time.Minute
	DefaultFontFile          = "Font.ttc"
)

// Env abstracts environment lookups so tests can supply a map.
type Env interface {
	Getenv(key string) string
}

// OSEnv reads the process environment.
type OSEnv struct{}

func (OSEnv) Getenv(key string) string { return os.Getenv(key) }

// Location resolves Timezone, falling back to time.Local.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// FontPath returns FontFile resolved against ImagesDir.
func (c Config) FontPath() string {
	if filepath.IsAbs(c.FontFile) {
		return c.FontFile
	}
	return filepath.Join(c.ImagesDir, c.FontFile)
}

// defaultConfig returns a Config pre-filled with defaults rooted at dir.
func defaultConfig(dir string) Config {
	return Config{
		HoursPerDay:       DefaultHoursPerDay,
		OrganizationMatch: DefaultOrganizationMatch,
		CredentialsFile:   filepath.Join(dir, "refresh_token.json"),
		DiscoveryURL:      DefaultDiscoveryURL,
		APIBaseURL:        DefaultAPIBaseURL,
		ImagesDir:         filepath.Join(dir, "images"),
		FontFile:          DefaultFontFile,
		RestartCommand:    []string{"reboot"},
		WatchdogLimit:     DefaultWatchdogLimit,
	}
}

// configTemplate is the annotated config written on first run.
const configTemplate = `# worktime configuration
#
# All settings are optional. Remove the leading # to override a default.

# Daily work target in hours. 0 or absent means 8.5.
hours_per_day = 8.5

# The Hubstaff organization whose name contains this text is reported on.
# organization_match = "NXLog"

# IANA timezone for "today" (e.g. "Europe/Berlin"). Empty uses the host zone.
# timezone = ""

# Token record with access_token, access_expiry and refresh_token.
# credentials_file = "~/.worktime/refresh_token.json"

# Directory holding sunday.bmp, saturday.bmp, hour-glasses.bmp and the font.
# images_dir = "~/.worktime/images"
# font_file = "Font.ttc"

# Command run when the watchdog fires, and the uptime that fires it.
# restart_command = ["reboot"]
# watchdog_minutes = 60

# Also append logs to this file.
# log_file = "logs.log"
`

// Load reads the TOML file at path, creating it with annotated defaults on
// first run, then applies environment overrides from env.
func Load(path string, env Env) (Config, error) {
	cfg := defaultConfig(filepath.Dir(path))

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// First run: write the annotated template so users can discover options.
		if writeErr := writeDefault(path); writeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not create config file %s: %v\n", path, writeErr)
		}
	case err != nil:
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	default:
		var raw map[string]any
		if err := toml.Unmarshal(data, &raw); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w\nTip: delete the file to regenerate defaults", path, err)
		}
		if err := apply(&cfg, raw); err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, env); err != nil {
		return cfg, err
	}

	cfg.CredentialsFile = expandHome(cfg.CredentialsFile)
	cfg.ImagesDir = expandHome(cfg.ImagesDir)
	cfg.LogFile = expandHome(cfg.LogFile)
	return cfg, nil
}

// apply copies recognised keys from raw into cfg. Zero values keep defaults.
func apply(cfg *Config, raw map[string]any) error {
	if v, ok := raw["hours_per_day"]; ok {
		h, err := number(v)
		if err != nil {
			return fmt.Errorf("hours_per_day: %w", err)
		}
		if h < 0 {
			return fmt.Errorf("hours_per_day must not be negative")
		}
		if h > 0 {
			cfg.HoursPerDay = h
		}
	}
	if v, ok := raw["watchdog_minutes"]; ok {
		m, err := number(v)
		if err != nil {
			return fmt.Errorf("watchdog_minutes: %w", err)
		}
		if m > 0 {
			cfg.WatchdogLimit = time.Duration(m * float64(time.Minute))
		}
	}

	stringKeys := map[string]*string{
		"organization_match": &cfg.OrganizationMatch,
		"timezone":           &cfg.Timezone,
		"credentials_file":   &cfg.CredentialsFile,
		"discovery_url":      &cfg.DiscoveryURL,
		"api_base_url":       &cfg.APIBaseURL,
		"images_dir":         &cfg.ImagesDir,
		"font_file":          &cfg.FontFile,
		"log_file":           &cfg.LogFile,
	}
	for key, dst := range stringKeys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		s, isString := v.(string)
		if !isString {
			return fmt.Errorf("%s must be a string", key)
		}
		if s != "" {
			*dst = s
		}
	}

	if v, ok := raw["restart_command"]; ok {
		// TOML arrays are parsed as []any
		items, isSlice := v.([]any)
		if !isSlice {
			return fmt.Errorf("restart_command must be an array of strings")
		}
		cmd := make([]string, 0, len(items))
		for _, item := range items {
			s, isString := item.(string)
			if !isString {
				return fmt.Errorf("restart_command must be an array of strings")
			}
			cmd = append(cmd, s)
		}
		if len(cmd) > 0 {
			cfg.RestartCommand = cmd
		}
	}
	return nil
}

func applyEnv(cfg *Config, env Env) error {
	if env == nil {
		return nil
	}
	if raw := env.Getenv("WORKTIME_HOURS_PER_DAY"); raw != "" {
		h, err := strconv.ParseFloat(raw, 64)
		if err != nil || h < 0 {
			return fmt.Errorf("invalid WORKTIME_HOURS_PER_DAY")
		}
		if h > 0 {
			cfg.HoursPerDay = h
		}
	}
	if raw := env.Getenv("WORKTIME_CREDENTIALS_FILE"); raw != "" {
		cfg.CredentialsFile = raw
	}
	if raw := env.Getenv("WORKTIME_ORGANIZATION"); raw != "" {
		cfg.OrganizationMatch = raw
	}
	if raw := env.Getenv("WORKTIME_TIMEZONE"); raw != "" {
		cfg.Timezone = raw
	}
	return nil
}

// number accepts TOML integers (int64) and floats.
func number(v any) (float64, error) {
	switch n := v.(type) {
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

func expandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// writeDefault creates the config directory and writes the annotated default
// config template.
func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configTemplate), 0o600); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	return nil
}
