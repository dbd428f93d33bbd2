package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fourpillars/adpilot/internal/adserve"
	"github.com/fourpillars/adpilot/internal/bus"
	"github.com/fourpillars/adpilot/internal/experiment"
	"github.com/fourpillars/adpilot/internal/kv"
	"github.com/fourpillars/adpilot/internal/perf"
)

type fixture struct {
	engine  *adserve.Engine
	tracker *perf.Tracker
	exps    *experiment.Manager
	events  *bus.Bus
	orch    *Integration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

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

	orch := New(Deps{
		Engine:      engine,
		Tracker:     tracker,
		Experiments: exps,
		Events:      events,
		Log:         zap.NewNop(),
		// Loops tick far in the future; tests invoke checks directly.
		PerfInterval:       time.Hour,
		ExperimentInterval: time.Hour,
	})
	t.Cleanup(orch.Close)

	return &fixture{engine: engine, tracker: tracker, exps: exps, events: events, orch: orch}
}

func TestInitIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.orch.Init(ctx))
	require.NoError(t, f.orch.Init(ctx))
	require.NoError(t, f.orch.Init(ctx))
	assert.False(t, f.orch.Degraded())

	// A double subscription would fold this event twice into the tracker.
	f.events.Publish(bus.Event{Type: bus.EventAdLoaded, UnitID: "result-top", Value: 200})
	assert.Equal(t, 1, f.tracker.Summary().Impressions)
}

func TestInitDegradedWithoutSubsystems(t *testing.T) {
	orch := New(Deps{Log: zap.NewNop()})
	t.Cleanup(orch.Close)

	require.NoError(t, orch.Init(context.Background()), "missing subsystems degrade, never crash")
	assert.True(t, orch.Degraded())
}

func TestEventFanOutFeedsBothAggregates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Init(ctx))

	// Assign the session so experiment metrics attribute.
	variant, ok := f.exps.Variant(ctx, "session-1", "ad-placement")
	require.True(t, ok)

	f.events.Publish(bus.Event{Type: bus.EventAdLoaded, UnitID: "result-top", SessionID: "session-1", Value: 230})
	f.events.Publish(bus.Event{Type: bus.EventAdClick, UnitID: "result-top", SessionID: "session-1"})
	f.events.Publish(bus.Event{Type: bus.EventAdError, UnitID: "result-top", SessionID: "session-1"})

	// Tracker side.
	summary := f.tracker.Summary()
	assert.Equal(t, 1, summary.Impressions)
	assert.Equal(t, 1, summary.Clicks)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 230.0, summary.Units["result-top"].AvgLoadMs)

	// Experiment side: the same events, attributed to the assigned variant.
	snap, err := f.exps.Snapshot("ad-placement")
	require.NoError(t, err)
	r := snap.Results[variant]
	assert.Equal(t, 1, r.Conversions, "a click is a conversion")
	assert.Equal(t, 1, r.Metrics["impressions"].Count)
	assert.Equal(t, 230.0, r.Metrics["load_time_ms"].Sum)
	assert.Equal(t, 1, r.Metrics["errors"].Count)

	// The bus is the single dispatch point, so both aggregates saw the
	// identical event set.
	assert.Equal(t, summary.Impressions, r.Metrics["impressions"].Count)
}

func TestViewableEventMarksEngineUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Init(ctx))

	snap := f.engine.Register("result-top", "session-1")
	f.engine.ForceLoad(snap.ID)
	require.Eventually(t, func() bool { return f.engine.LoadedCount() == 1 }, time.Second, 5*time.Millisecond)

	f.tracker.TrackImpression("result-top")
	f.tracker.OnVisibility("result-top", "session-1", 0.8)

	require.Eventually(t, func() bool {
		for _, u := range f.engine.Units() {
			if u.ID == snap.ID {
				return u.Viewable
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "dwell-confirmed viewability reaches the engine")
	assert.Equal(t, 1, f.tracker.Summary().ViewableImpressions, "counted exactly once, not re-counted on fan-out")
}

func TestViewableDwellFeedsExperimentMetric(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Init(ctx))

	variant, ok := f.exps.Variant(ctx, "session-1", "ad-placement")
	require.True(t, ok)

	f.tracker.TrackImpression("result-top")
	f.tracker.OnVisibility("result-top", "session-1", 0.8)

	// The confirmed dwell must reach the experiment aggregate, not just the
	// tracker: the viewable event carries the session, and the fan-out folds
	// it into the assigned variant's metrics.
	require.Eventually(t, func() bool {
		snap, err := f.exps.Snapshot("ad-placement")
		if err != nil {
			return false
		}
		r := snap.Results[variant]
		return r != nil && r.Metrics["viewable_impressions"] != nil &&
			r.Metrics["viewable_impressions"].Count == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.tracker.Summary().ViewableImpressions)
}

func TestApplyVariantConfig(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.Init(context.Background()))

	var applied bus.Event
	f.events.Subscribe(func(e bus.Event) {
		if e.Type == bus.EventVariantApplied {
			applied = e
		}
	})

	f.orch.ApplyVariantConfig("ad-placement", "bottom", map[string]any{
		"lazy_margin_px":   400,
		"refresh_enabled":  false,
		"unknown_setting":  "ignored",
		"max_ads_per_page": 7,
	})

	assert.Equal(t, 400, f.engine.Margin())
	assert.Equal(t, bus.EventVariantApplied, applied.Type)
	assert.Equal(t, "bottom", applied.VariantID)
}

func TestCheckPerformanceThrottlesOnLowScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Init(ctx))

	// Ten impressions, nothing viewable, heavy errors: score well below 50.
	for i := 0; i < 10; i++ {
		f.tracker.TrackImpression("result-top")
		f.tracker.TrackError("result-top")
	}

	summary := f.tracker.Summary()
	require.True(t, summary.Scored)
	require.Less(t, summary.Score, lowScoreThreshold)

	// With nothing loaded there is nothing to evict; the pass must still
	// complete and pause refresh without touching the engine.
	f.orch.CheckPerformance(ctx)
	assert.Zero(t, f.engine.LoadedCount())
}

func TestCheckPerformanceEvictsLeastViewable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Init(ctx))

	// Load four units; the fan-out records one impression per load.
	names := []string{"result-top", "result-bottom", "compatibility-mid", "sidebar"}
	for _, name := range names {
		snap := f.engine.Register(name, "session-1")
		f.engine.ForceLoad(snap.ID)
	}
	require.Eventually(t, func() bool { return f.engine.LoadedCount() == 4 }, time.Second, 5*time.Millisecond)

	// Everything but sidebar is confirmed viewable, so sidebar is the
	// eviction candidate.
	for _, name := range names[:3] {
		f.tracker.OnVisibility(name, "session-1", 0.9)
	}
	require.Eventually(t, func() bool {
		return f.tracker.Summary().ViewableImpressions == 3
	}, time.Second, 5*time.Millisecond)

	// Drive the score under the threshold with errors.
	for i := 0; i < 10; i++ {
		f.tracker.TrackError("sidebar")
	}
	require.Less(t, f.tracker.Summary().Score, lowScoreThreshold)

	f.orch.CheckPerformance(ctx)

	require.Eventually(t, func() bool { return f.engine.LoadedCount() == 3 }, time.Second, 5*time.Millisecond)
	for _, u := range f.engine.Units() {
		assert.NotEqual(t, "sidebar", u.Name, "least-viewable unit is shed first")
	}
}

func TestCheckExperimentsPromotesSignificantWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Init(ctx))

	// Install decisive results: bottom converts at 50% vs control's 25% at
	// n=400 each, which clears both the winner gap and 95% confidence.
	exp := &experiment.Experiment{
		ID:     "ad-placement",
		Status: experiment.StatusActive,
		Variants: []experiment.Variant{
			{ID: "control", Weight: 0.5},
			{ID: "bottom", Weight: 0.5, Config: map[string]any{"lazy_margin_px": 400}},
		},
		Participants: 800,
		Results: map[string]*experiment.VariantResult{
			"control": {Participants: 400, Conversions: 100},
			"bottom":  {Participants: 400, Conversions: 200},
		},
	}
	require.NoError(t, f.exps.Hydrate(exp))

	f.orch.CheckExperiments(ctx)

	snap, err := f.exps.Snapshot("ad-placement")
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusEnded, snap.Status)
	assert.Equal(t, "bottom", snap.Winner)
	assert.Equal(t, 400, f.engine.Margin(), "winning variant config was applied globally")
	assert.Empty(t, f.exps.ActiveIDs())
}

func TestCheckExperimentsHoldsWithoutConfidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Init(ctx))

	// Clear winner by gap, but nowhere near 95% confidence.
	exp := &experiment.Experiment{
		ID:     "ad-placement",
		Status: experiment.StatusActive,
		Variants: []experiment.Variant{
			{ID: "control", Weight: 0.5},
			{ID: "bottom", Weight: 0.5},
		},
		Participants: 270,
		Results: map[string]*experiment.VariantResult{
			"control": {Participants: 150, Conversions: 45},
			"bottom":  {Participants: 120, Conversions: 30},
		},
	}
	require.NoError(t, f.exps.Hydrate(exp))

	f.orch.CheckExperiments(ctx)

	snap, err := f.exps.Snapshot("ad-placement")
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusActive, snap.Status, "no promotion without statistical confidence")
}

func TestSharedSingleton(t *testing.T) {
	ResetShared()
	t.Cleanup(ResetShared)

	a := Shared(Deps{Log: zap.NewNop()})
	b := Shared(Deps{Log: zap.NewNop()})
	assert.Same(t, a, b)
}

func TestStatusAndExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Init(ctx))

	f.tracker.TrackImpression("result-top")

	st := f.orch.Status()
	assert.False(t, st.Degraded)
	assert.Equal(t, []string{"ad-placement"}, st.ActiveExperiments)
	assert.True(t, st.Scored)

	export, err := f.orch.ExportData(ctx)
	require.NoError(t, err)
	require.Len(t, export.Experiments, 1)
	assert.Equal(t, "ad-placement", export.Experiments[0].ExperimentID)
	assert.Equal(t, 1, export.Performance.Impressions)
}
