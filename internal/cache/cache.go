// Package cache holds the in-memory calendar data shared by the sync loop and
// query handlers.
package cache

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"teamcal/internal/models"
)

// profileTTLFactor is the minimum ratio of profile TTL to event TTL.
const profileTTLFactor = 4

type eventEntry struct {
	events    []models.CalendarEvent
	expiresAt time.Time
}

type profileEntry struct {
	profile   models.UserProfile
	expiresAt time.Time
}

// Cache is a TTL-bounded store of per-user events and profiles plus the sync
// metadata. Every Put swaps in a new immutable snapshot, so readers never wait
// on a writer and never see a mix of two sync cycles.
type Cache struct {
	logger     *slog.Logger
	eventTTL   time.Duration
	profileTTL time.Duration
	now        func() time.Time

	events   atomic.Pointer[map[string]eventEntry]
	profiles atomic.Pointer[map[string]profileEntry]
	running  atomic.Bool

	mu        sync.RWMutex
	lastSync  time.Time
	lastError string
	hasError  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithProfileTTL overrides the profile TTL. Values below four times the event
// TTL are raised to that minimum.
func WithProfileTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.profileTTL = ttl }
}

// New creates a Cache whose event entries live for eventTTL.
func New(logger *slog.Logger, eventTTL time.Duration, opts ...Option) *Cache {
	c := &Cache{
		logger:   logger,
		eventTTL: eventTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if floor := eventTTL * profileTTLFactor; c.profileTTL < floor {
		c.profileTTL = floor
	}
	c.events.Store(&map[string]eventEntry{})
	c.profiles.Store(&map[string]profileEntry{})
	return c
}

func key(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// PutEvents replaces the whole event set and records the sync time.
func (c *Cache) PutEvents(calendars map[string][]models.CalendarEvent) {
	now := c.now()
	next := make(map[string]eventEntry, len(calendars))
	total := 0
	for email, events := range calendars {
		stored := make([]models.CalendarEvent, len(events))
		copy(stored, events)
		next[key(email)] = eventEntry{events: stored, expiresAt: now.Add(c.eventTTL)}
		total += len(events)
		c.logger.Debug("Cached events", "email", email, "count", len(events))
	}
	c.events.Store(&next)

	c.mu.Lock()
	c.lastSync = now
	c.mu.Unlock()

	c.logger.Info("Cached calendars", "users", len(next), "events", total)
}

// GetEvents returns a user's events. ok is false when the user was never
// cached or the entry has expired; an empty slice with ok true means the user
// genuinely has no events.
func (c *Cache) GetEvents(email string) (events []models.CalendarEvent, ok bool) {
	entry, ok := (*c.events.Load())[key(email)]
	if !ok || !c.now().Before(entry.expiresAt) {
		return nil, false
	}
	return entry.events, true
}

// GetManyEvents returns the events of every requested user that is present.
// Users missing from the result are not yet available.
func (c *Cache) GetManyEvents(emails []string) map[string][]models.CalendarEvent {
	snapshot := *c.events.Load()
	now := c.now()
	out := make(map[string][]models.CalendarEvent, len(emails))
	for _, email := range emails {
		entry, ok := snapshot[key(email)]
		if !ok || !now.Before(entry.expiresAt) {
			continue
		}
		out[email] = entry.events
	}
	return out
}

// PutProfiles replaces the whole profile set.
func (c *Cache) PutProfiles(profiles []models.UserProfile) {
	expiresAt := c.now().Add(c.profileTTL)
	next := make(map[string]profileEntry, len(profiles))
	for _, p := range profiles {
		next[key(p.Email)] = profileEntry{profile: p, expiresAt: expiresAt}
	}
	c.profiles.Store(&next)
}

// GetProfile returns a cached profile; ok is false on a miss or expiry.
func (c *Cache) GetProfile(email string) (models.UserProfile, bool) {
	entry, ok := (*c.profiles.Load())[key(email)]
	if !ok || !c.now().Before(entry.expiresAt) {
		return models.UserProfile{}, false
	}
	return entry.profile, true
}

// GetManyProfiles returns the present profiles in request order.
func (c *Cache) GetManyProfiles(emails []string) []models.UserProfile {
	snapshot := *c.profiles.Load()
	now := c.now()
	out := make([]models.UserProfile, 0, len(emails))
	for _, email := range emails {
		entry, ok := snapshot[key(email)]
		if !ok || !now.Before(entry.expiresAt) {
			continue
		}
		out = append(out, entry.profile)
	}
	return out
}

// TotalEvents counts events across live entries.
func (c *Cache) TotalEvents() int {
	now := c.now()
	total := 0
	for _, entry := range *c.events.Load() {
		if now.Before(entry.expiresAt) {
			total += len(entry.events)
		}
	}
	return total
}

// TotalUsers counts live event entries.
func (c *Cache) TotalUsers() int {
	now := c.now()
	total := 0
	for _, entry := range *c.events.Load() {
		if now.Before(entry.expiresAt) {
			total++
		}
	}
	return total
}

// TryStartRun atomically flips the running flag from false to true.
// It returns false if a run is already in progress.
func (c *Cache) TryStartRun() bool {
	return c.running.CompareAndSwap(false, true)
}

// FinishRun clears the running flag.
func (c *Cache) FinishRun() {
	c.running.Store(false)
}

func (c *Cache) IsRunning() bool {
	return c.running.Load()
}

// LastSync returns the time of the last successful event write.
func (c *Cache) LastSync() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync, !c.lastSync.IsZero()
}

func (c *Cache) SetLastError(msg string) {
	c.mu.Lock()
	c.lastError, c.hasError = msg, true
	c.mu.Unlock()
}

func (c *Cache) ClearLastError() {
	c.mu.Lock()
	c.lastError, c.hasError = "", false
	c.mu.Unlock()
}

// LastError returns the error recorded by the most recent sync run, if any.
func (c *Cache) LastError() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError, c.hasError
}

// Clear drops all entries and sync metadata.
func (c *Cache) Clear() {
	c.events.Store(&map[string]eventEntry{})
	c.profiles.Store(&map[string]profileEntry{})

	c.mu.Lock()
	c.lastSync = time.Time{}
	c.lastError, c.hasError = "", false
	c.mu.Unlock()

	c.logger.Info("Cleared calendar cache")
}
