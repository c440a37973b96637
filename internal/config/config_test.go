package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadDefaults(t *testing.T) {
	for _, name := range []string{
		"CALENDAR_SOURCE", "USER_EMAILS", "SYNC_INTERVAL_MINUTES", "CACHE_DURATION_MINUTES",
		"SYNC_DAYS_AHEAD", "SYNC_DAYS_BACK", "FETCH_TIMEOUT_SECONDS", "PRIMARY_TIMEZONE",
		"PORT", "HOST", "ALLOWED_ORIGINS", "API_KEY",
	} {
		t.Setenv(name, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Source != SourceGraph {
		t.Errorf("Source = %q, want %q", cfg.Source, SourceGraph)
	}
	if cfg.SyncInterval != 10*time.Minute || cfg.CacheDuration != 15*time.Minute {
		t.Errorf("intervals = %v / %v", cfg.SyncInterval, cfg.CacheDuration)
	}
	if cfg.SyncDaysAhead != 60 || cfg.SyncDaysBack != 365 {
		t.Errorf("days = %d / %d", cfg.SyncDaysAhead, cfg.SyncDaysBack)
	}
	if cfg.FetchTimeout != 30*time.Second {
		t.Errorf("FetchTimeout = %v", cfg.FetchTimeout)
	}
	if cfg.Port != 8000 || cfg.Host != "0.0.0.0" {
		t.Errorf("listen = %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.Location != time.UTC {
		t.Errorf("Location = %v", cfg.Location)
	}
	if len(cfg.UserEmails) != 0 {
		t.Errorf("UserEmails = %v", cfg.UserEmails)
	}
	want := []string{"http://localhost:5173", "http://localhost:3000"}
	if diff := cmp.Diff(want, cfg.AllowedOrigins); diff != "" {
		t.Errorf("AllowedOrigins mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CALENDAR_SOURCE", "CalDAV")
	t.Setenv("USER_EMAILS", " alice@example.com, ,bob@example.com ")
	t.Setenv("SYNC_INTERVAL_MINUTES", "5")
	t.Setenv("PRIMARY_TIMEZONE", "Asia/Taipei")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Source != SourceCalDAV {
		t.Errorf("Source = %q", cfg.Source)
	}
	if diff := cmp.Diff([]string{"alice@example.com", "bob@example.com"}, cfg.UserEmails); diff != "" {
		t.Errorf("UserEmails mismatch (-want +got):\n%s", diff)
	}
	if cfg.SyncInterval != 5*time.Minute {
		t.Errorf("SyncInterval = %v", cfg.SyncInterval)
	}
	if cfg.Location.String() != "Asia/Taipei" {
		t.Errorf("Location = %v", cfg.Location)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d", cfg.Port)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"bad integer", "SYNC_DAYS_AHEAD", "sixty"},
		{"negative days ahead", "SYNC_DAYS_AHEAD", "-1"},
		{"negative days back", "SYNC_DAYS_BACK", "-30"},
		{"negative port", "PORT", "-8000"},
		{"non-positive interval", "SYNC_INTERVAL_MINUTES", "0"},
		{"bad timezone", "PRIMARY_TIMEZONE", "Mars/Olympus"},
		{"unknown source", "CALENDAR_SOURCE", "exchange2003"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%q succeeded", tt.key, tt.value)
			}
		})
	}
}

func TestLoadZeroSyncWindow(t *testing.T) {
	t.Setenv("SYNC_DAYS_AHEAD", "0")
	t.Setenv("SYNC_DAYS_BACK", "0")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.SyncDaysAhead != 0 || cfg.SyncDaysBack != 0 {
		t.Errorf("sync window = -%d/+%d days, want 0/0", cfg.SyncDaysBack, cfg.SyncDaysAhead)
	}
}

func TestIsSourceConfigured(t *testing.T) {
	cfg := &Config{Source: SourceGraph, AzureTenantID: "t", AzureClientID: "c"}
	if cfg.IsSourceConfigured() {
		t.Error("graph without a secret reported as configured")
	}
	cfg.AzureClientSecret = "s"
	if !cfg.IsSourceConfigured() {
		t.Error("complete graph credentials reported as missing")
	}

	cfg = &Config{Source: SourceCalDAV, CalDAVUsername: "u"}
	if cfg.IsSourceConfigured() {
		t.Error("caldav without a password reported as configured")
	}
}
