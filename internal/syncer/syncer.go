package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"teamcal/internal/cache"
	"teamcal/internal/models"
)

var (
	// ErrNoUsers is recorded when a run starts with an empty user list.
	ErrNoUsers = errors.New("no users configured")
	// ErrSourceNotConfigured is recorded when no calendar source is available.
	ErrSourceNotConfigured = errors.New("calendar source not configured")
)

// Source is the remote calendar provider.
type Source interface {
	FetchProfile(ctx context.Context, email string) (models.UserProfile, error)
	FetchEvents(ctx context.Context, email string, start, end time.Time) ([]models.CalendarEvent, error)
}

// Authenticator is implemented by sources that must obtain credentials before
// any per-user fetch. A failure aborts the whole run.
type Authenticator interface {
	Authenticate(ctx context.Context) error
}

// Config holds the sync settings.
type Config struct {
	Users        []string
	Interval     time.Duration
	DaysBack     int
	DaysAhead    int
	FetchTimeout time.Duration
	Location     *time.Location
}

// Status is a point-in-time view of the sync state.
type Status struct {
	LastSync            *time.Time `json:"lastSync"`
	NextSync            *time.Time `json:"nextSync"`
	IsSyncing           bool       `json:"isSyncing"`
	SyncIntervalMinutes int        `json:"syncIntervalMinutes"`
	TotalEvents         int        `json:"totalEvents"`
	TotalUsers          int        `json:"totalUsers"`
	ErrorMessage        *string    `json:"errorMessage"`
}

// Syncer refreshes the cache from the calendar source, on a timer or on demand.
type Syncer struct {
	logger *slog.Logger
	source Source
	cache  *cache.Cache
	cfg    Config
	now    func() time.Time

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
	done    chan struct{}
}

// NewSyncer creates a new Syncer. source may be nil, in which case every run
// fails with ErrSourceNotConfigured.
func NewSyncer(logger *slog.Logger, source Source, c *cache.Cache, cfg Config) *Syncer {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	return &Syncer{
		logger: logger,
		source: source,
		cache:  c,
		cfg:    cfg,
		now:    time.Now,
	}
}

// TriggerSync runs one sync cycle unless one is already in progress.
// It reports whether a cycle was started; a run that started and then failed
// still returns true, with the failure visible in Status.
func (s *Syncer) TriggerSync(ctx context.Context) bool {
	if !s.cache.TryStartRun() {
		s.logger.Warn("Sync already in progress, skipping.")
		return false
	}
	defer s.cache.FinishRun()
	s.runOnce(ctx)
	return true
}

// TriggerSyncAsync claims the running flag and runs the cycle in the
// background. It returns false, without starting anything, if a cycle is
// already in progress. The run is not cancelled when ctx is.
func (s *Syncer) TriggerSyncAsync(ctx context.Context) bool {
	if !s.cache.TryStartRun() {
		s.logger.Warn("Sync already in progress, skipping.")
		return false
	}
	go func() {
		defer s.cache.FinishRun()
		s.runOnce(context.WithoutCancel(ctx))
	}()
	return true
}

func (s *Syncer) runOnce(ctx context.Context) {
	s.cache.ClearLastError()
	if err := s.run(ctx); err != nil {
		s.logger.Error("Sync cycle failed", "error", err)
		s.cache.SetLastError(err.Error())
	}
}

// Window returns the sync range around today's midnight in the configured zone.
func (s *Syncer) Window() (time.Time, time.Time) {
	now := s.now().In(s.cfg.Location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.cfg.Location)
	return today.AddDate(0, 0, -s.cfg.DaysBack), today.AddDate(0, 0, s.cfg.DaysAhead)
}

func (s *Syncer) run(ctx context.Context) error {
	logger := s.logger.With("run", uuid.NewString())
	start, end := s.Window()

	if len(s.cfg.Users) == 0 {
		return ErrNoUsers
	}
	if s.source == nil {
		return ErrSourceNotConfigured
	}
	if auth, ok := s.source.(Authenticator); ok {
		if err := auth.Authenticate(ctx); err != nil {
			return fmt.Errorf("authenticate calendar source: %w", err)
		}
	}

	logger.Info("Starting sync cycle.", "users", len(s.cfg.Users), "from", start, "to", end)
	began := time.Now()

	profiles := s.fetchProfiles(ctx, logger)
	calendars := s.fetchCalendars(ctx, logger, start, end)

	s.cache.PutProfiles(profiles)
	s.cache.PutEvents(calendars)

	total := 0
	for _, events := range calendars {
		total += len(events)
	}
	logger.Info("Sync cycle finished.", "events", total, "duration", time.Since(began))
	return nil
}

// fetchProfiles looks up every user in parallel, substituting a fallback
// profile for any lookup that fails.
func (s *Syncer) fetchProfiles(ctx context.Context, logger *slog.Logger) []models.UserProfile {
	profiles := make([]models.UserProfile, len(s.cfg.Users))
	var g errgroup.Group
	for i, email := range s.cfg.Users {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
			defer cancel()

			p, err := s.source.FetchProfile(fctx, email)
			if err != nil {
				logger.Warn("Could not fetch user profile", "email", email, "error", err)
				p = models.FallbackProfile(email)
			}
			profiles[i] = p
			return nil
		})
	}
	_ = g.Wait()
	return profiles
}

// fetchCalendars retrieves every user's events in parallel. A failed user
// gets an empty list and does not affect the others.
func (s *Syncer) fetchCalendars(ctx context.Context, logger *slog.Logger, start, end time.Time) map[string][]models.CalendarEvent {
	results := make([][]models.CalendarEvent, len(s.cfg.Users))
	var g errgroup.Group
	for i, email := range s.cfg.Users {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
			defer cancel()

			events, err := s.source.FetchEvents(fctx, email, start, end)
			if err != nil {
				logger.Error("Could not fetch calendar", "email", email, "error", err)
				events = []models.CalendarEvent{}
			}
			results[i] = events
			return nil
		})
	}
	_ = g.Wait()

	calendars := make(map[string][]models.CalendarEvent, len(s.cfg.Users))
	for i, email := range s.cfg.Users {
		if results[i] == nil {
			results[i] = []models.CalendarEvent{}
		}
		calendars[email] = results[i]
	}
	return calendars
}

// Start launches the background loop: one cycle immediately, then one per
// interval until Stop is called. Calling Start twice has no effect.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		s.logger.Warn("Scheduler already running.")
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, s.stop, s.done)
	s.logger.Info("Scheduler started.", "interval", s.cfg.Interval)
}

func (s *Syncer) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Runs are detached from ctx so stopping never interrupts one mid-flight.
	runCtx := context.WithoutCancel(ctx)
	s.TriggerSync(runCtx)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			s.TriggerSync(runCtx)
		}
	}
}

// Stop prevents future timer firings. It does not wait for or cancel a run in
// progress and is safe to call more than once.
func (s *Syncer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil || s.stopped {
		return
	}
	close(s.stop)
	s.stopped = true
	s.logger.Info("Scheduler stopped.")
}

// Done is closed once the background loop has exited. It is nil before Start.
func (s *Syncer) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Status reports the current sync state.
func (s *Syncer) Status() Status {
	st := Status{
		IsSyncing:           s.cache.IsRunning(),
		SyncIntervalMinutes: int(s.cfg.Interval / time.Minute),
		TotalEvents:         s.cache.TotalEvents(),
		TotalUsers:          s.cache.TotalUsers(),
	}
	if last, ok := s.cache.LastSync(); ok {
		last = last.In(s.cfg.Location)
		next := last.Add(s.cfg.Interval)
		st.LastSync, st.NextSync = &last, &next
	}
	if msg, ok := s.cache.LastError(); ok {
		st.ErrorMessage = &msg
	}
	return st
}

// Location is the reference zone of the sync window.
func (s *Syncer) Location() *time.Location {
	return s.cfg.Location
}

// Users returns the configured user list.
func (s *Syncer) Users() []string {
	return append([]string(nil), s.cfg.Users...)
}
