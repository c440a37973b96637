package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"teamcal/internal/availability"
	"teamcal/internal/config"
	"teamcal/internal/models"
	"teamcal/internal/service"
	"teamcal/internal/syncer"
)

const (
	apiKeyHeader      = "X-API-Key"
	naiveLayout       = "2006-01-02T15:04:05"
	defaultDuration   = 60
	maxDuration       = 1440
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	version           = "1.0.0"
)

// Backend is the set of operations the HTTP API serves.
type Backend interface {
	GetEvents(q service.EventsQuery) service.EventsResult
	GetAvailability(q service.AvailabilityQuery) availability.Result
	TriggerSync(ctx context.Context) bool
	GetSyncStatus() syncer.Status
	Users() []models.UserProfile
}

// Options configures the HTTP server.
type Options struct {
	Host           string
	Port           int
	APIKey         string
	AllowedOrigins []string
	Location       *time.Location
}

// Server represents the HTTP server
type Server struct {
	logger  *slog.Logger
	backend Backend
	opts    Options
}

// New creates a new server instance
func New(logger *slog.Logger, backend Backend, opts Options) *Server {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Server{logger: logger, backend: backend, opts: opts}
}

// Handler returns the routed handler wrapped in the CORS, auth and logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/calendars/events", s.handleEvents)
	mux.HandleFunc("GET /api/calendars/availability", s.handleAvailability)
	mux.HandleFunc("GET /api/users", s.handleUsers)
	mux.HandleFunc("POST /api/sync", s.handleSync)
	mux.HandleFunc("GET /api/sync/status", s.handleSyncStatus)

	return s.corsMiddleware(s.authMiddleware(s.logMiddleware(mux)))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func isPublic(path string) bool {
	return path == "/" || path == "/api/health"
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIKey != "" && !isPublic(r.URL.Path) {
			provided := r.Header.Get(apiKeyHeader)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(s.opts.APIKey)) != 1 {
				s.logger.Warn("Rejected request with invalid API key", "path", r.URL.Path, "remote", r.RemoteAddr)
				writeError(w, http.StatusUnauthorized, "Invalid or missing API Key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin and
// whether credentials may be shared with it. A listed origin is echoed with
// credentials; a "*" entry allows any other origin without them.
func (s *Server) allowOrigin(origin string) (string, bool) {
	wildcard := false
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		if strings.EqualFold(o, origin) {
			return origin, true
		}
	}
	if wildcard {
		return "*", false
	}
	return "", false
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allow, credentials := "", false
		if origin != "" {
			allow, credentials = s.allowOrigin(origin)
		}
		if allow != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allow)
			if credentials {
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, "+apiKeyHeader)
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("Handled request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("Error writing response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// parseTime accepts RFC 3339 or a zone-less timestamp read in the server's zone.
func (s *Server) parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.ParseInLocation(naiveLayout, v, s.opts.Location)
}

func (s *Server) optionalTime(r *http.Request, name string) (time.Time, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return time.Time{}, nil
	}
	t, err := s.parseTime(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %q", name, v)
	}
	return t, nil
}

func (s *Server) requiredTime(r *http.Request, name string) (time.Time, error) {
	if strings.TrimSpace(r.URL.Query().Get(name)) == "" {
		return time.Time{}, fmt.Errorf("missing required parameter %s", name)
	}
	return s.optionalTime(r, name)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Team Calendar API",
		"version": version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().In(s.opts.Location),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	start, err := s.optionalTime(r, "start")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := s.optionalTime(r, "end")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.backend.GetEvents(service.EventsQuery{
		Users: config.SplitList(r.URL.Query().Get("users")),
		Start: start,
		End:   end,
	}))
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	start, err := s.requiredTime(r, "start")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := s.requiredTime(r, "end")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !end.After(start) {
		writeError(w, http.StatusBadRequest, "end must be after start")
		return
	}

	duration := defaultDuration
	if v := r.URL.Query().Get("duration"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxDuration {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("duration must be an integer between 1 and %d", maxDuration))
			return
		}
		duration = n
	}

	writeJSON(w, http.StatusOK, s.backend.GetAvailability(service.AvailabilityQuery{
		Users:           config.SplitList(r.URL.Query().Get("users")),
		Start:           start,
		End:             end,
		DurationMinutes: duration,
	}))
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Users())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if !s.backend.TriggerSync(r.Context()) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"started": false,
			"message": "Sync already in progress",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"started": true,
		"message": "Sync started",
	})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.GetSyncStatus())
}
