package roster

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"teamcal/internal/models"
)

func writeSchedule(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write schedule: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("Failed to set mtime: %v", err)
	}
}

func newTestLoader(t *testing.T) (*Loader, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oncall_schedule.json")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLoader(logger, path, time.UTC), path
}

const schedule = `{
  "2025-03": [
    {"userEmail": "alice@example.com", "start": "2025-03-03", "end": "2025-03-07"},
    {"userEmail": "", "start": "2025-03-10", "end": "2025-03-14"},
    {"userEmail": "bob@example.com", "start": "2025-03-17"},
    {"userEmail": "bob@example.com", "start": "2025/03/17", "end": "2025-03-21"},
    {"userEmail": "bob@example.com", "start": "2025-03-21", "end": "2025-03-17"},
    {"userEmail": "bob@example.com", "start": "2025-03-24", "end": "2025-03-24"}
  ],
  "2025-02": [
    {"userEmail": "carol@example.com", "start": "2025-02-24", "end": "2025-02-28"}
  ]
}`

func TestEventsForMonth(t *testing.T) {
	l, path := newTestLoader(t)
	writeSchedule(t, path, schedule, time.Now())

	profiles := []models.UserProfile{{Email: "Alice@example.com", DisplayName: "Alice Chen"}}
	got := l.Events(2025, time.March, profiles)

	want := []models.CalendarEvent{
		{
			ID:         "oncall-2025-03-0-alice@example.com",
			Subject:    "On-call | Alice Chen",
			Start:      time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
			End:        time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC),
			AllDay:     true,
			Status:     models.StatusBusy,
			OwnerEmail: "alice@example.com",
			OwnerName:  "Alice Chen",
		},
		{
			ID:         "oncall-2025-03-5-bob@example.com",
			Subject:    "On-call | bob",
			Start:      time.Date(2025, 3, 24, 0, 0, 0, 0, time.UTC),
			End:        time.Date(2025, 3, 25, 0, 0, 0, 0, time.UTC),
			AllDay:     true,
			Status:     models.StatusBusy,
			OwnerEmail: "bob@example.com",
			OwnerName:  "bob",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Events() mismatch (-want +got):\n%s", diff)
	}

	if got := l.Events(2025, time.April, nil); len(got) != 0 {
		t.Errorf("Events() for empty month = %d events", len(got))
	}
}

func TestAllEventsInMonthOrder(t *testing.T) {
	l, path := newTestLoader(t)
	writeSchedule(t, path, schedule, time.Now())

	events := l.AllEvents(nil)
	if len(events) != 3 {
		t.Fatalf("AllEvents() returned %d events, want 3", len(events))
	}
	if events[0].OwnerEmail != "carol@example.com" {
		t.Errorf("first event belongs to %s, want February's carol", events[0].OwnerEmail)
	}
}

func TestLoadReReadsOnlyWhenModified(t *testing.T) {
	l, path := newTestLoader(t)
	mtime := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	writeSchedule(t, path, `{"2025-01": []}`, mtime)

	if got := len(l.Load()); got != 1 {
		t.Fatalf("Load() returned %d months, want 1", got)
	}

	// Same mtime: the new content must not be picked up.
	writeSchedule(t, path, `{"2025-01": [], "2025-02": []}`, mtime)
	if got := len(l.Load()); got != 1 {
		t.Errorf("Load() re-read an unmodified file: %d months", got)
	}

	writeSchedule(t, path, `{"2025-01": [], "2025-02": []}`, mtime.Add(time.Minute))
	if got := len(l.Load()); got != 2 {
		t.Errorf("Load() ignored a modified file: %d months", got)
	}
}

func TestLoadMissingAndMalformed(t *testing.T) {
	l, path := newTestLoader(t)
	if got := l.Load(); len(got) != 0 {
		t.Errorf("Load() of missing file = %v", got)
	}

	writeSchedule(t, path, `["not", "an", "object"]`, time.Now())
	if got := l.Load(); len(got) != 0 {
		t.Errorf("Load() of malformed file = %v", got)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	l, path := newTestLoader(t)
	writeSchedule(t, path, `{}`, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	l.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Watch(ctx); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(`{"2025-05": []}`), 0644); err != nil {
		t.Fatalf("Failed to write replacement schedule: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("Failed to replace schedule: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		l.mu.RLock()
		n := len(l.schedule)
		l.mu.RUnlock()
		if n == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("watcher did not reload the schedule")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
