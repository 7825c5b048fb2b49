package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"strconv"
	"sync"
	"time"

	"pical/internal/battery"
	"pical/internal/config"
	"pical/internal/ics"
	appLog "pical/internal/log"
	"pical/internal/model"
	"pical/internal/refresh"
	"pical/internal/scheduler"
)

const (
	batteryCacheTTL = 30 * time.Second
	eventsCacheTTL  = 30 * time.Second
)

// StatusSource reports scheduler progress.
type StatusSource interface {
	Status() scheduler.Status
}

// StateSource reports the committed refresh state.
type StateSource interface {
	Snapshot() refresh.State
}

// Calendars expands the configured calendars for /api/events.
type Calendars interface {
	Collect(ctx context.Context, sources []ics.Source, loc *time.Location, from time.Time, days int) ([]model.Occurrence, error)
}

// Deps are the components the status server reads from. Nil members turn
// the matching endpoint into a 503.
type Deps struct {
	Status    StatusSource
	State     StateSource
	Battery   battery.Reader
	Calendars Calendars
	Sources   []ics.Source
}

// Server exposes the device status over HTTP:
//
//	/health        liveness, never authenticated
//	/api/status    scheduler counters and refresh state
//	/api/battery   battery gauge
//	/api/events    upcoming occurrences
//	/preview.png   last frame committed to the panel
type Server struct {
	cfg  *config.Config
	deps Deps
	mux  *http.ServeMux
	now  func() time.Time

	eventsMu    sync.RWMutex
	eventsCache *eventsCache

	batteryMu    sync.RWMutex
	batteryCache *batteryCache
}

type eventsCache struct {
	resp      eventsResponse
	updatedAt time.Time
}

type batteryCache struct {
	status    battery.Status
	updatedAt time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mux:  http.NewServeMux(),
		now:  time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// 빈 사용자명 또는 비밀번호가 설정된 경우에는 비활성화로 취급한다.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="pical", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/battery", s.handleBattery)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /preview.png", s.handlePreview)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	Scheduler    scheduler.Status `json:"scheduler"`
	PartialCount int              `json:"partial_count"`
	Power        string           `json:"power"`
	Frame        string           `json:"frame,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Status == nil || s.deps.State == nil {
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	st := s.deps.State.Snapshot()
	resp := statusResponse{
		Scheduler:    s.deps.Status.Status(),
		PartialCount: st.PartialCount,
		Power:        st.Power.String(),
	}
	if st.Previous != nil {
		resp.Frame = st.Previous.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePreview encodes the committed frame as a grayscale PNG.
func (s *Server) handlePreview(w http.ResponseWriter, _ *http.Request) {
	if s.deps.State == nil {
		writeError(w, http.StatusServiceUnavailable, "preview unavailable")
		return
	}
	prev := s.deps.State.Snapshot().Previous
	if prev == nil {
		http.Error(w, "no frame committed yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, prev.Gray()); err != nil {
		appLog.Error("preview encode failed", err)
	}
}

// handleBattery exposes current battery status (percent, voltage).
//
// Battery status does not need sub-second precision, so a short cache
// keeps I2C traffic down.
func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Battery == nil {
		writeError(w, http.StatusServiceUnavailable, "battery reader unavailable")
		return
	}
	now := s.now()

	s.batteryMu.RLock()
	bc := s.batteryCache
	s.batteryMu.RUnlock()
	if bc != nil && now.Sub(bc.updatedAt) < batteryCacheTTL {
		writeJSON(w, http.StatusOK, bc.status)
		return
	}

	status, err := s.deps.Battery.Read(r.Context())
	if err != nil {
		appLog.Error("battery read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read battery")
		return
	}

	s.batteryMu.Lock()
	s.batteryCache = &batteryCache{status: status, updatedAt: now}
	s.batteryMu.Unlock()

	writeJSON(w, http.StatusOK, status)
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Occurrences     []occurrenceDTO `json:"occurrences"`
	RangeStart      time.Time       `json:"range_start"`
	Days            int             `json:"days"`
	DisplayTimeZone string          `json:"display_timezone"`
}

// occurrenceDTO is a JSON-friendly view of occurrences.
type occurrenceDTO struct {
	SourceID    string    `json:"source_id"`
	Calendar    string    `json:"calendar,omitempty"`
	UID         string    `json:"uid"`
	InstanceKey string    `json:"instance_key"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	AllDay      bool      `json:"all_day"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// handleEvents returns expanded occurrences for the configured calendars.
//
// GET /api/events?days=7
//   - days: 앞으로 몇 일을 볼 것인지 (기본 render.horizon_days)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Calendars == nil {
		writeError(w, http.StatusServiceUnavailable, "calendars unavailable")
		return
	}
	days := parseIntDefault(r.URL.Query().Get("days"), s.cfg.Render.HorizonDays)
	if days <= 0 {
		days = s.cfg.Render.HorizonDays
	}
	now := s.now()

	s.eventsMu.RLock()
	ec := s.eventsCache
	s.eventsMu.RUnlock()
	if ec != nil && ec.resp.Days == days && now.Sub(ec.updatedAt) < eventsCacheTTL {
		writeJSON(w, http.StatusOK, ec.resp)
		return
	}

	loc := s.cfg.Location()
	occs, err := s.deps.Calendars.Collect(r.Context(), s.deps.Sources, loc, now, days)
	if err != nil {
		appLog.Error("api events: collect failed", err)
		writeError(w, http.StatusBadGateway, "failed to load calendars")
		return
	}

	dtos := make([]occurrenceDTO, 0, len(occs))
	for _, occ := range occs {
		dtos = append(dtos, occurrenceDTO{
			SourceID:    occ.SourceID,
			Calendar:    occ.Calendar,
			UID:         occ.UID,
			InstanceKey: occ.InstanceKey,
			Summary:     occ.Summary,
			Description: occ.Description,
			Location:    occ.Location,
			AllDay:      occ.AllDay,
			Start:       occ.Start,
			End:         occ.End,
		})
	}
	local := now.In(loc)
	resp := eventsResponse{
		Occurrences:     dtos,
		RangeStart:      time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc),
		Days:            days,
		DisplayTimeZone: loc.String(),
	}

	s.eventsMu.Lock()
	s.eventsCache = &eventsCache{resp: resp, updatedAt: now}
	s.eventsMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
