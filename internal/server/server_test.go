package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fourpillars/adpilot/internal/adserve"
	"github.com/fourpillars/adpilot/internal/bus"
	"github.com/fourpillars/adpilot/internal/experiment"
	"github.com/fourpillars/adpilot/internal/kv"
	"github.com/fourpillars/adpilot/internal/orchestrator"
	"github.com/fourpillars/adpilot/internal/perf"
	"github.com/fourpillars/adpilot/internal/saju"
	"github.com/fourpillars/adpilot/internal/store"
)

type testServer struct {
	srv     *Server
	engine  *adserve.Engine
	tracker *perf.Tracker
	exps    *experiment.Manager
	events  *bus.Bus
}

// newTestServer wires a full stack against a temp database and an
// always-successful ad loader. sajuURL may be empty when the test never
// touches the saju endpoints.
func newTestServer(t *testing.T, sajuURL string) *testServer {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	events := bus.New()
	sessions := kv.NewMemory()

	cfg := adserve.DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.RefreshInterval = time.Hour
	engine := adserve.NewEngine(cfg,
		adserve.LoaderFunc(func(ctx context.Context, u adserve.Snapshot) error { return nil }),
		events, zap.NewNop())

	tracker := perf.NewTracker(nil, events, zap.NewNop())
	tracker.SetDwell(10 * time.Millisecond)

	exps := experiment.NewManager(sessions, events, zap.NewNop())
	require.NoError(t, exps.Register(&experiment.Experiment{
		ID: "ad-placement",
		Variants: []experiment.Variant{
			{ID: "control", Weight: 0.5},
			{ID: "bottom", Weight: 0.5, Config: map[string]any{"lazy_margin_px": 400}},
		},
	}))

	orch := orchestrator.New(orchestrator.Deps{
		Engine:             engine,
		Tracker:            tracker,
		Experiments:        exps,
		Events:             events,
		Store:              st,
		Log:                zap.NewNop(),
		PerfInterval:       time.Hour,
		ExperimentInterval: time.Hour,
	})
	require.NoError(t, orch.Init(context.Background()))
	t.Cleanup(orch.Close)

	sajuClient := saju.NewClient(sajuURL, sessions, zap.NewNop())

	srv := New(st, engine, tracker, exps, orch, sajuClient, events, zap.NewNop(), Options{
		Port:     0,
		Token:    "test-token",
		AdClient: "ca-pub-1234567890123456",
	})

	return &testServer{srv: srv, engine: engine, tracker: tracker, exps: exps, events: events}
}

func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.ExperimentsCount)
	assert.Positive(t, resp.DBSizeBytes)
}

func TestAssignMintsSessionAndRegistersUnits(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(http.MethodPost, "/api/assign", AssignRequest{
		Units:         []string{"result-top", "result-bottom"},
		ViewportWidth: 375,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp AssignResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID)
	assert.False(t, resp.Degraded)

	require.Contains(t, resp.Assignments, "ad-placement")
	variant := resp.Assignments["ad-placement"]
	if variant == "bottom" {
		assert.Contains(t, resp.Configs, "ad-placement")
	}

	require.Len(t, resp.AdUnits, 2)
	assert.Equal(t, "result-top", resp.AdUnits[0].Name)
	assert.Equal(t, "queued", resp.AdUnits[0].State)
	assert.Equal(t, adserve.DeviceMobile, resp.AdUnits[0].Device, "viewport width drives the slot table")
	assert.Equal(t, 320, resp.AdUnits[0].Slot.Width)

	// Both cookies are set: session id and the assignment mirror.
	cookies := w.Result().Cookies()
	names := make(map[string]bool, len(cookies))
	for _, c := range cookies {
		names[c.Name] = true
	}
	assert.True(t, names[sessionCookieName])
	assert.True(t, names["ab_experiments"])
}

func TestAssignCarriesAdClient(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(http.MethodPost, "/api/assign", AssignRequest{Units: []string{"result-top"}})
	require.Equal(t, http.StatusOK, w.Code)

	// Pages need the publisher id regardless of mode: a degraded response
	// has nothing else to inject tags with.
	var resp AssignResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ca-pub-1234567890123456", resp.AdClient)
}

func TestAssignStickyAcrossRequests(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(http.MethodPost, "/api/assign", AssignRequest{})
	var first AssignResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))

	// Replay with the minted session cookie: same assignment.
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(AssignRequest{})
	req := httptest.NewRequest(http.MethodPost, "/api/assign", &buf)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: first.SessionID})
	w2 := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w2, req)

	var second AssignResponse
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &second))
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.Assignments, second.Assignments)
}

func TestBeaconFlow(t *testing.T) {
	ts := newTestServer(t, "")

	// Register a unit so proximity beacons resolve a container id.
	w := ts.do(http.MethodPost, "/api/assign", AssignRequest{Units: []string{"result-top"}})
	var assign AssignResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &assign))
	unitID := assign.AdUnits[0].ID

	cases := []BeaconRequest{
		{EventType: "pageview"},
		{EventType: "viewport", ViewportW: 1280},
		{EventType: "proximity", UnitID: unitID, DistancePx: 100, Fraction: 0},
		{EventType: "visibility", Unit: "result-top", Fraction: 0.8},
		{EventType: "hover", Unit: "result-top", Value: 1200, SessionID: assign.SessionID},
		{EventType: "click", Unit: "result-top", SessionID: assign.SessionID},
		{EventType: "error", Unit: "result-top", Value: 1},
		{EventType: "vitals", Vitals: &perf.Vitals{CLS: 0.05, FIDMs: 40, LCPMs: 1800}},
	}
	for _, b := range cases {
		resp := ts.do(http.MethodPost, "/b", b)
		require.Equal(t, http.StatusNoContent, resp.Code, "beacon %s", b.EventType)
	}

	// The proximity beacon was inside the margin, so the unit loads and the
	// fan-out counts an impression.
	require.Eventually(t, func() bool {
		return ts.tracker.Summary().Impressions >= 1
	}, time.Second, 5*time.Millisecond)

	summary := ts.tracker.Summary()
	assert.Equal(t, 1, summary.PageViews)
	assert.Equal(t, 1, summary.Clicks)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 1200.0, summary.Units["result-top"].AvgHoverMs)
	assert.True(t, summary.Vitals.Seen)
}

func TestBeaconRejectsUnknownType(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(http.MethodPost, "/b", BeaconRequest{EventType: "teleport"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodPost, "/b", BeaconRequest{EventType: "metric"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "metric beacons need experiment and metric names")

	w = ts.do(http.MethodGet, "/b", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestExperimentsEndpoint(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(http.MethodGet, "/api/experiments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var all []*experiment.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	require.Len(t, all, 1)
	assert.Equal(t, "ad-placement", all[0].ExperimentID)

	w = ts.do(http.MethodGet, "/api/experiments?id=ad-placement", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodGet, "/api/experiments?id=missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCalculateValidationError(t *testing.T) {
	ts := newTestServer(t, "http://127.0.0.1:0")

	w := ts.do(http.MethodPost, "/api/saju/calculate", saju.PersonInput{BirthDate: "1990-03-15"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing fields are the caller's fault")
}

func TestCompatibilityFallsBackWhenServiceDown(t *testing.T) {
	// Unroutable base URL: every call fails fast and falls back locally.
	ts := newTestServer(t, "http://127.0.0.1:0")

	req := saju.CompatibilityRequest{
		Person1: saju.PersonInput{BirthDate: "1990-03-15"},
		Person2: saju.PersonInput{BirthDate: "1992-07-22"},
	}
	w := ts.do(http.MethodPost, "/api/saju/compatibility", req)
	require.Equal(t, http.StatusOK, w.Code)

	var got saju.CompatibilityResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.Fallback)
	assert.NotEmpty(t, got.Advice)

	w2 := ts.do(http.MethodPost, "/api/saju/compatibility", req)
	var again saju.CompatibilityResult
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &again))
	assert.Equal(t, got, again, "fallback is deterministic per couple")
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var st orchestrator.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.False(t, st.Degraded)
	assert.Equal(t, []string{"ad-placement"}, st.ActiveExperiments)
}

func TestExportRequiresToken(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(http.MethodGet, "/api/export", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(http.MethodGet, "/api/export?token=wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(http.MethodGet, fmt.Sprintf("/api/export?token=%s", ts.srv.Token()), nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Header form works too.
	req := httptest.NewRequest(http.MethodGet, "/api/export", nil)
	req.Header.Set("X-Export-Token", ts.srv.Token())
	w2 := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w2, req)
	assert.Equal(t, http.StatusOK, w2.Code)
}

func TestTokenGeneratedWhenUnset(t *testing.T) {
	ts := newTestServer(t, "")
	assert.Equal(t, "test-token", ts.srv.Token())

	srv := New(nil, nil, nil, nil, nil, nil, nil, zap.NewNop(), Options{})
	assert.Len(t, srv.Token(), 16)
}
