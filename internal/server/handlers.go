package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fourpillars/adpilot/internal/adserve"
	"github.com/fourpillars/adpilot/internal/bus"
	"github.com/fourpillars/adpilot/internal/experiment"
	"github.com/fourpillars/adpilot/internal/metrics"
	"github.com/fourpillars/adpilot/internal/perf"
	"github.com/fourpillars/adpilot/internal/saju"
)

const sessionCookieName = "adpilot_sid"

type HealthResponse struct {
	Status           string `json:"status"`
	ExperimentsCount int    `json:"experiments_count"`
	DBSizeBytes      int64  `json:"db_size_bytes"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var count int
	if s.exps != nil {
		count = len(s.exps.AllIDs())
	}

	var dbSize int64
	if s.store != nil {
		row := s.store.DB().QueryRow("SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()")
		_ = row.Scan(&dbSize)
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:           "ok",
		ExperimentsCount: count,
		DBSizeBytes:      dbSize,
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
	})
}

// BeaconRequest is one browser-reported fact. Field names are short
// because beacons ride on every page.
type BeaconRequest struct {
	EventType    string       `json:"e"`
	Unit         string       `json:"u,omitempty"`   // logical ad-unit name
	UnitID       string       `json:"uid,omitempty"` // container id from /api/assign
	SessionID    string       `json:"sid,omitempty"`
	ExperimentID string       `json:"x,omitempty"`
	Metric       string       `json:"m,omitempty"`
	Value        float64      `json:"v,omitempty"`
	Fraction     float64      `json:"vis,omitempty"` // visible fraction 0..1
	DistancePx   float64      `json:"d,omitempty"`   // distance from viewport edge
	ViewportW    int          `json:"vw,omitempty"`
	Vitals       *perf.Vitals `json:"vitals,omitempty"`
}

func (s *Server) handleBeacon(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req BeaconRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		if c, err := r.Cookie(sessionCookieName); err == nil {
			sessionID = c.Value
		}
	}

	metrics.BeaconEvents.WithLabelValues(req.EventType).Inc()

	switch req.EventType {
	case "pageview":
		s.tracker.TrackPageView()
	case "viewport":
		s.engine.SetViewport(req.ViewportW)
	case "proximity":
		s.engine.ViewportSignal(req.UnitID, req.DistancePx, req.Fraction)
	case "visibility":
		s.tracker.OnVisibility(req.Unit, sessionID, req.Fraction)
		if req.Fraction < 0.5 {
			s.engine.SetViewableByName(req.Unit, false)
		}
		if req.UnitID != "" {
			s.engine.ViewportSignal(req.UnitID, 0, req.Fraction)
		}
	case "click":
		s.events.Publish(bus.Event{Type: bus.EventAdClick, UnitID: req.Unit, SessionID: sessionID})
	case "error":
		s.events.Publish(bus.Event{Type: bus.EventAdError, UnitID: req.Unit, SessionID: sessionID, Value: req.Value})
	case "hover":
		s.tracker.TrackHover(req.Unit, req.Value)
		for _, id := range s.exps.ActiveIDs() {
			s.exps.TrackMetric(r.Context(), sessionID, id, "hover_ms", req.Value)
		}
	case "vitals":
		if req.Vitals == nil {
			http.Error(w, "Missing vitals payload", http.StatusBadRequest)
			return
		}
		s.tracker.SetVitals(*req.Vitals)
	case "metric":
		if req.ExperimentID == "" || req.Metric == "" {
			http.Error(w, "Missing experiment or metric", http.StatusBadRequest)
			return
		}
		s.exps.TrackMetric(r.Context(), sessionID, req.ExperimentID, req.Metric, req.Value)
	case "conversion":
		if req.ExperimentID == "" {
			http.Error(w, "Missing experiment", http.StatusBadRequest)
			return
		}
		s.exps.TrackConversion(r.Context(), sessionID, req.ExperimentID, int(req.Value))
	default:
		http.Error(w, "Invalid event type", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// AssignRequest registers a page's ad containers and resolves every active
// experiment for the session.
type AssignRequest struct {
	Units         []string `json:"units"`
	ViewportWidth int      `json:"viewport_width,omitempty"`
}

type AssignResponse struct {
	SessionID   string                    `json:"session_id"`
	Assignments map[string]string         `json:"assignments"`
	Configs     map[string]map[string]any `json:"configs,omitempty"`
	AdUnits     []adserve.Snapshot        `json:"ad_units,omitempty"`
	Degraded    bool                      `json:"degraded,omitempty"`
	AdClient    string                    `json:"ad_client,omitempty"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	sessionID := s.sessionID(w, r)

	if req.ViewportWidth > 0 {
		s.engine.SetViewport(req.ViewportWidth)
	}

	resp := AssignResponse{
		SessionID:   sessionID,
		Assignments: s.exps.Assignments(r.Context(), sessionID),
		Degraded:    s.orch != nil && s.orch.Degraded(),
		AdClient:    s.adClient,
	}

	if len(resp.Assignments) > 0 {
		resp.Configs = make(map[string]map[string]any, len(resp.Assignments))
		for expID, variantID := range resp.Assignments {
			if cfg, ok := s.exps.VariantConfig(expID, variantID); ok && cfg != nil {
				resp.Configs[expID] = cfg
			}
		}
	}

	for _, name := range req.Units {
		resp.AdUnits = append(resp.AdUnits, s.engine.Register(name, sessionID))
	}

	// Mirror the assignment map into the experiment cookie so repeat
	// visits stay pinned even if the session store is wiped.
	if data, err := json.Marshal(resp.Assignments); err == nil {
		http.SetCookie(w, &http.Cookie{
			Name:     s.cookieName,
			Value:    url.QueryEscape(string(data)),
			Path:     "/",
			MaxAge:   int(s.cookieTTL / time.Second),
			SameSite: http.SameSiteLaxMode,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExperiments(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "GET, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if id := r.URL.Query().Get("id"); id != "" {
		summary, err := s.exps.CalculateResults(id)
		if err != nil {
			if err == experiment.ErrNotFound {
				http.Error(w, "Experiment not found", http.StatusNotFound)
				return
			}
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	summaries := []*experiment.Summary{}
	for _, id := range s.exps.AllIDs() {
		if summary, err := s.exps.CalculateResults(id); err == nil {
			summaries = append(summaries, summary)
		}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var in saju.PersonInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	result, err := s.saju.Calculate(r.Context(), in)
	if err != nil {
		status := http.StatusBadGateway
		if errIsMissingField(err) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCompatibility(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req saju.CompatibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	result, err := s.saju.Compatibility(r.Context(), req)
	if err != nil {
		// Only validation errors surface; network failures already fell
		// back to the deterministic local score.
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.orch == nil {
		http.Error(w, "Not initialized", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.orch == nil {
		http.Error(w, "Not initialized", http.StatusServiceUnavailable)
		return
	}

	export, err := s.orch.ExportData(r.Context())
	if err != nil {
		s.log.Error("export failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

// sessionID returns the session cookie value, minting one when absent.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(s.cookieTTL / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func setCORS(w http.ResponseWriter, methods string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", methods)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errIsMissingField(err error) bool {
	return errors.Is(err, saju.ErrMissingField)
}
