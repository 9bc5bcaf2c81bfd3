package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"seatplan/layout-server/internal/layout"
	"seatplan/layout-server/internal/model"
	"seatplan/layout-server/internal/savequeue"
	"seatplan/layout-server/internal/schedule"
	"seatplan/layout-server/internal/store"
	"seatplan/layout-server/internal/viewport"
)

const dayLayout = "2006-01-02"

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", a.handleGetConfig)
		r.Post("/config", a.handleUpdateConfig)

		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Post("/sessions", a.handleOpenSession)
			r.Post("/positions", a.handleSavePositions)
			r.Get("/schedule", a.handleSchedule)
			r.Post("/schedule/events", a.handleAddScheduleEvent)
		})

		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", a.withSession(a.handleView))
			r.Delete("/", a.handleCloseSession)
			r.Get("/layout", a.withSession(a.handleLayout))
			r.Post("/zoom-in", a.withSession(a.handleZoomIn))
			r.Post("/zoom-out", a.withSession(a.handleZoomOut))
			r.Post("/reset", a.withSession(a.handleReset))
			r.Put("/zoom", a.withSession(a.handleSetZoom))
			r.Post("/wheel", a.withSession(a.handleWheel))
			r.Post("/pointer/{phase}", a.withSession(a.handlePointer))
			r.Put("/entities/{entityID}/position", a.withSession(a.handleMoveEntity))
			r.Post("/flush", a.withSession(a.handleFlush))
		})
	})

	return r
}

func (a *App) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type sessionHandler func(http.ResponseWriter, *http.Request, *layout.Session)

func (a *App) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := a.sessions.Get(chi.URLParam(r, "sessionID"))
		if err != nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		h(w, r, session)
	}
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok", "sessions": a.sessions.Len()}
	if a.broker != nil {
		resp["mqtt_clients"] = a.broker.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.store == nil || a.broker == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	if err := a.store.Ping(r.Context()); err != nil {
		a.logger.Warn("readiness check failed", "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *App) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	entries, err := a.store.AppConfig(r.Context())
	if err != nil {
		a.logger.Error("load config", "error", err)
		http.Error(w, "failed to load config", http.StatusInternalServerError)
		return
	}

	cfg := a.config()
	writeJSON(w, http.StatusOK, map[string]any{
		"active": map[string]any{
			"http_port":     cfg.HTTPPort,
			"mqtt_bind":     cfg.MQTTBindAddress,
			"mdns_enabled":  cfg.MDNSEnabled,
			"save_debounce": cfg.SaveDebounce.String(),
			"save_timeout":  cfg.SaveTimeout.String(),
			"save_requeue":  cfg.SaveRequeue,
			"min_zoom":      cfg.MinZoom,
			"max_zoom":      cfg.MaxZoom,
			"default_zoom":  cfg.DefaultZoom,
			"zoom_step":     cfg.ZoomStep,
			"min_gap":       cfg.MinGap.String(),
		},
		"persisted": entries,
	})
}

func (a *App) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(req) == 0 {
		http.Error(w, "no config keys provided", http.StatusBadRequest)
		return
	}

	parsed := make(map[string]time.Duration, len(req))
	for key, value := range req {
		if key != configKeySaveDebounce && key != configKeyMinGap {
			http.Error(w, fmt.Sprintf("unsupported config key %q", key), http.StatusBadRequest)
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			http.Error(w, fmt.Sprintf("%s must be a positive duration", key), http.StatusBadRequest)
			return
		}
		parsed[key] = d
	}

	for key, d := range parsed {
		if err := a.store.UpsertAppConfig(r.Context(), key, d.String()); err != nil {
			a.logger.Error("persist config", "key", key, "error", err)
			http.Error(w, "failed to persist config", http.StatusInternalServerError)
			return
		}
	}

	// New values apply to sessions opened from now on.
	a.cfgMu.Lock()
	if d, ok := parsed[configKeySaveDebounce]; ok {
		a.cfg.SaveDebounce = d
	}
	if d, ok := parsed[configKeyMinGap]; ok {
		a.cfg.MinGap = d
	}
	a.cfgMu.Unlock()

	a.logger.Info("config updated", "keys", len(parsed))
	a.handleGetConfig(w, r)
}

type openSessionResponse struct {
	SessionID string         `json:"session_id"`
	View      layout.View    `json:"view"`
	Layout    model.Snapshot `json:"layout"`
}

func (a *App) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	session, err := a.openSession(r.Context(), projectID)
	if err != nil {
		a.writeError(w, "open session", err)
		return
	}
	writeJSON(w, http.StatusCreated, openSessionResponse{
		SessionID: session.ID(),
		View:      session.View(),
		Layout:    session.Snapshot(),
	})
}

func (a *App) handleView(w http.ResponseWriter, _ *http.Request, s *layout.Session) {
	writeJSON(w, http.StatusOK, s.View())
}

func (a *App) handleLayout(w http.ResponseWriter, _ *http.Request, s *layout.Session) {
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (a *App) handleZoomIn(w http.ResponseWriter, _ *http.Request, s *layout.Session) {
	s.Viewport().ZoomIn()
	writeJSON(w, http.StatusOK, s.View())
}

func (a *App) handleZoomOut(w http.ResponseWriter, _ *http.Request, s *layout.Session) {
	s.Viewport().ZoomOut()
	writeJSON(w, http.StatusOK, s.View())
}

func (a *App) handleReset(w http.ResponseWriter, _ *http.Request, s *layout.Session) {
	s.Viewport().ResetView()
	writeJSON(w, http.StatusOK, s.View())
}

func (a *App) handleSetZoom(w http.ResponseWriter, r *http.Request, s *layout.Session) {
	var req struct {
		Zoom *float64 `json:"zoom"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.Zoom == nil {
		http.Error(w, "zoom is required", http.StatusBadRequest)
		return
	}
	s.Viewport().SetZoom(*req.Zoom)
	writeJSON(w, http.StatusOK, s.View())
}

func (a *App) handleWheel(w http.ResponseWriter, r *http.Request, s *layout.Session) {
	var ev viewport.WheelEvent
	if err := decodeBody(w, r, &ev); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	s.Wheel(ev)
	writeJSON(w, http.StatusOK, s.View())
}

func (a *App) handlePointer(w http.ResponseWriter, r *http.Request, s *layout.Session) {
	var ev viewport.PointerEvent
	if err := decodeBody(w, r, &ev); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	var err error
	switch phase := chi.URLParam(r, "phase"); phase {
	case "down":
		s.PointerDown(ev)
	case "move":
		err = s.PointerMove(ev)
	case "up":
		err = s.PointerUp(ev)
	default:
		http.Error(w, fmt.Sprintf("unknown pointer phase %q", phase), http.StatusNotFound)
		return
	}
	if err != nil {
		a.writeError(w, "pointer input", err)
		return
	}
	writeJSON(w, http.StatusOK, s.View())
}

func (a *App) handleMoveEntity(w http.ResponseWriter, r *http.Request, s *layout.Session) {
	var req struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.X == nil || req.Y == nil {
		http.Error(w, "x and y are required", http.StatusBadRequest)
		return
	}
	if err := s.MoveEntity(chi.URLParam(r, "entityID"), *req.X, *req.Y); err != nil {
		a.writeError(w, "move entity", err)
		return
	}
	writeJSON(w, http.StatusOK, s.View())
}

func (a *App) handleFlush(w http.ResponseWriter, r *http.Request, s *layout.Session) {
	if err := s.Flush(r.Context()); err != nil {
		a.logger.Warn("explicit flush failed", "session", s.ID(), "error", err)
		writeJSON(w, http.StatusBadGateway, s.View())
		return
	}
	writeJSON(w, http.StatusOK, s.View())
}

func (a *App) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	session, err := a.sessions.Remove(chi.URLParam(r, "sessionID"))
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	resp := map[string]any{"session_id": session.ID(), "closed": true}
	if discard, _ := strconv.ParseBool(r.URL.Query().Get("discard")); discard {
		resp["discarded"] = session.Abandon()
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if err := session.Close(r.Context()); err != nil {
		resp["save_error"] = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleSavePositions(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var req struct {
		Updates []model.PositionUpdate `json:"updates"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(req.Updates) == 0 {
		http.Error(w, "no updates provided", http.StatusBadRequest)
		return
	}
	for i, u := range req.Updates {
		kind, err := model.ParseEntityKind(string(u.Kind))
		if err != nil || u.ID == "" {
			http.Error(w, fmt.Sprintf("update %d: id and a valid kind are required", i), http.StatusBadRequest)
			return
		}
		req.Updates[i].Kind = kind
	}

	if err := a.store.SavePositions(r.Context(), projectID, req.Updates); err != nil {
		a.writeError(w, "save positions", err)
		return
	}

	a.publishSaved(projectID, req.Updates, time.Now())
	writeJSON(w, http.StatusOK, map[string]int{"saved": len(req.Updates)})
}

type gapResponse struct {
	AfterID  string    `json:"after_id"`
	BeforeID string    `json:"before_id"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Minutes  int       `json:"minutes"`
}

type scheduleResponse struct {
	ProjectID string                `json:"project_id"`
	Day       string                `json:"day"`
	MinGap    int                   `json:"min_gap_minutes"`
	Events    []model.ScheduleEvent `json:"events"`
	Conflicts []string              `json:"conflicts"`
	Gaps      []gapResponse         `json:"gaps"`
}

func (a *App) handleSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectID")

	project, err := a.store.Project(ctx, projectID)
	if err != nil {
		a.writeError(w, "load project", err)
		return
	}

	day := project.WeddingDate
	if v := r.URL.Query().Get("day"); v != "" {
		day, err = time.Parse(dayLayout, v)
		if err != nil {
			http.Error(w, "day must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}
	if day.IsZero() {
		http.Error(w, "day is required when the project has no wedding date", http.StatusBadRequest)
		return
	}

	minGap := a.config().MinGap
	if v := r.URL.Query().Get("min_gap"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			http.Error(w, "min_gap must be a positive number of minutes", http.StatusBadRequest)
			return
		}
		minGap = time.Duration(minutes) * time.Minute
	}

	events, err := a.store.ScheduleEvents(ctx, projectID, day, day.Add(24*time.Hour))
	if err != nil {
		a.writeError(w, "load schedule", err)
		return
	}

	report := schedule.Scan(events, minGap)
	resp := scheduleResponse{
		ProjectID: projectID,
		Day:       day.Format(dayLayout),
		MinGap:    int(minGap / time.Minute),
		Events:    events,
		Conflicts: report.Conflicts,
		Gaps:      make([]gapResponse, 0, len(report.Gaps)),
	}
	if resp.Events == nil {
		resp.Events = []model.ScheduleEvent{}
	}
	if resp.Conflicts == nil {
		resp.Conflicts = []string{}
	}
	for _, g := range report.Gaps {
		resp.Gaps = append(resp.Gaps, gapResponse{
			AfterID:  g.AfterID,
			BeforeID: g.BeforeID,
			Start:    g.Start,
			End:      g.End,
			Minutes:  g.Minutes(),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleAddScheduleEvent(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var ev model.ScheduleEvent
	if err := decodeBody(w, r, &ev); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	ev.ProjectID = projectID
	ev.Title = strings.TrimSpace(ev.Title)
	if ev.Title == "" || ev.Start.IsZero() {
		http.Error(w, "title and start are required", http.StatusBadRequest)
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	if _, err := a.store.Project(r.Context(), projectID); err != nil {
		a.writeError(w, "load project", err)
		return
	}
	if err := a.store.UpsertScheduleEvent(r.Context(), ev); err != nil {
		a.writeError(w, "save schedule event", err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// writeError maps domain errors onto status codes and logs anything unexpected.
func (a *App) writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrProjectNotFound),
		errors.Is(err, store.ErrEntityNotFound),
		errors.Is(err, layout.ErrUnknownEntity),
		errors.Is(err, layout.ErrSessionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, savequeue.ErrInvalidUpdate),
		errors.Is(err, layout.ErrDuplicateEntity):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, savequeue.ErrClosed):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, context.Canceled):
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
	default:
		a.logger.Error(op, "error", err)
		http.Error(w, fmt.Sprintf("failed to %s", op), http.StatusInternalServerError)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
