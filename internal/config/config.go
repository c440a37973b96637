package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Calendar source kinds.
const (
	SourceGraph  = "graph"
	SourceGoogle = "google"
	SourceCalDAV = "caldav"
)

// Config holds every setting read from the environment.
type Config struct {
	Source string

	AzureTenantID     string
	AzureClientID     string
	AzureClientSecret string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleAccount      string

	CalDAVEndpoint string
	CalDAVUsername string
	CalDAVPassword string

	UserEmails []string

	SyncInterval  time.Duration
	CacheDuration time.Duration
	SyncDaysAhead int
	SyncDaysBack  int
	FetchTimeout  time.Duration
	Location      *time.Location

	APIKey         string
	AllowedOrigins []string
	Host           string
	Port           int

	OnCallSchedulePath string

	LogLevel string
	LogFile  string
}

// Load reads the configuration from environment variables, applying defaults
// for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		Source:             strings.ToLower(getenv("CALENDAR_SOURCE", SourceGraph)),
		AzureTenantID:      os.Getenv("AZURE_TENANT_ID"),
		AzureClientID:      os.Getenv("AZURE_CLIENT_ID"),
		AzureClientSecret:  os.Getenv("AZURE_CLIENT_SECRET"),
		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleAccount:      getenv("GOOGLE_ACCOUNT", "default"),
		CalDAVEndpoint:     getenv("CALDAV_ENDPOINT", "https://caldav.icloud.com/"),
		CalDAVUsername:     os.Getenv("CALDAV_USERNAME"),
		CalDAVPassword:     os.Getenv("CALDAV_PASSWORD"),
		UserEmails:         SplitList(os.Getenv("USER_EMAILS")),
		APIKey:             os.Getenv("API_KEY"),
		AllowedOrigins:     SplitList(getenv("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000")),
		Host:               getenv("HOST", "0.0.0.0"),
		OnCallSchedulePath: getenv("ONCALL_SCHEDULE_PATH", "data/oncall_schedule.json"),
		LogLevel:           getenv("LOG_LEVEL", "info"),
		LogFile:            getenv("LOG_FILE", "logs/teamcal.log"),
	}

	switch cfg.Source {
	case SourceGraph, SourceGoogle, SourceCalDAV:
	default:
		return nil, fmt.Errorf("unknown CALENDAR_SOURCE %q", cfg.Source)
	}

	ints := []struct {
		name string
		def  int
		dst  *int
	}{
		{"SYNC_DAYS_AHEAD", 60, &cfg.SyncDaysAhead},
		{"SYNC_DAYS_BACK", 365, &cfg.SyncDaysBack},
		{"PORT", 8000, &cfg.Port},
	}
	for _, v := range ints {
		n, err := getInt(v.name, v.def)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("%s must not be negative, got %d", v.name, n)
		}
		*v.dst = n
	}

	durations := []struct {
		name string
		def  int
		unit time.Duration
		dst  *time.Duration
	}{
		{"SYNC_INTERVAL_MINUTES", 10, time.Minute, &cfg.SyncInterval},
		{"CACHE_DURATION_MINUTES", 15, time.Minute, &cfg.CacheDuration},
		{"FETCH_TIMEOUT_SECONDS", 30, time.Second, &cfg.FetchTimeout},
	}
	for _, v := range durations {
		n, err := getInt(v.name, v.def)
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return nil, fmt.Errorf("%s must be positive, got %d", v.name, n)
		}
		*v.dst = time.Duration(n) * v.unit
	}

	tz := getenv("PRIMARY_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone '%s': %w", tz, err)
	}
	cfg.Location = loc

	return cfg, nil
}

// IsSourceConfigured reports whether the selected calendar source has the
// credentials it needs.
func (c *Config) IsSourceConfigured() bool {
	switch c.Source {
	case SourceGraph:
		return c.AzureTenantID != "" && c.AzureClientID != "" && c.AzureClientSecret != ""
	case SourceGoogle:
		return c.GoogleAccount != ""
	case SourceCalDAV:
		return c.CalDAVUsername != "" && c.CalDAVPassword != ""
	default:
		return false
	}
}

// SplitList splits a comma separated list, trimming blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenv(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func getInt(name string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", name, err)
	}
	return n, nil
}
