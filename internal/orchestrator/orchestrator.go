// Package orchestrator wires the ad engine, performance tracker, and
// experiment manager together: one bus subscription fans every delivery
// event into both aggregates, periodic loops throttle ad load under poor
// performance and auto-promote winning experiment variants.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fourpillars/adpilot/internal/adserve"
	"github.com/fourpillars/adpilot/internal/bus"
	"github.com/fourpillars/adpilot/internal/experiment"
	"github.com/fourpillars/adpilot/internal/metrics"
	"github.com/fourpillars/adpilot/internal/perf"
	"github.com/fourpillars/adpilot/internal/store"
)

const (
	defaultPerfInterval       = time.Minute
	defaultExperimentInterval = 5 * time.Minute

	// lowScoreThreshold pauses auto-refresh when the aggregate performance
	// score drops below it.
	lowScoreThreshold = 50.0
	refreshPause      = 5 * time.Minute
	// maxHealthyLoaded is the loaded-unit count above which the least
	// viewable units are evicted during a low-score check.
	maxHealthyLoaded = 3

	promotionConfidence = 95.0
)

// Deps are the collaborating subsystems. Store is optional.
type Deps struct {
	Engine      *adserve.Engine
	Tracker     *perf.Tracker
	Experiments *experiment.Manager
	Events      *bus.Bus
	Store       *store.SQLiteStore
	Log         *zap.Logger

	// Intervals are overridable in tests; zero means default.
	PerfInterval       time.Duration
	ExperimentInterval time.Duration
}

// Integration is the top-level coordinator.
type Integration struct {
	engine  *adserve.Engine
	tracker *perf.Tracker
	exps    *experiment.Manager
	events  *bus.Bus
	store   *store.SQLiteStore
	log     *zap.Logger

	perfInterval time.Duration
	expInterval  time.Duration

	mu        sync.Mutex
	degraded  bool
	startedAt time.Time
	inited    bool

	stopOnce sync.Once
	stopc    chan struct{}
}

func New(deps Deps) *Integration {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	perfInterval := deps.PerfInterval
	if perfInterval <= 0 {
		perfInterval = defaultPerfInterval
	}
	expInterval := deps.ExperimentInterval
	if expInterval <= 0 {
		expInterval = defaultExperimentInterval
	}

	return &Integration{
		engine:       deps.Engine,
		tracker:      deps.Tracker,
		exps:         deps.Experiments,
		events:       deps.Events,
		store:        deps.Store,
		log:          log,
		perfInterval: perfInterval,
		expInterval:  expInterval,
		startedAt:    time.Now(),
		stopc:        make(chan struct{}),
	}
}

// Init subscribes the fan-out handler and starts the periodic loops. It is
// idempotent: a second call is a no-op, so repeated initialization can
// never double-subscribe and double-count events. A nil engine puts the
// integration into degraded mode: ads still render via direct script
// injection but lose lazy-loading, tracking, and experimentation.
func (i *Integration) Init(ctx context.Context) error {
	i.mu.Lock()
	if i.inited {
		i.mu.Unlock()
		return nil
	}
	i.inited = true
	if i.engine == nil || i.tracker == nil || i.exps == nil || i.events == nil {
		i.degraded = true
		i.mu.Unlock()
		i.log.Error("ad integration degraded: missing subsystems, falling back to direct injection")
		return nil
	}
	i.mu.Unlock()

	// One dispatch, every aggregate: the tracker and the experiment
	// metrics fold the same event in a single handler call, so their
	// totals cannot drift.
	i.events.Subscribe(i.onEvent)

	go i.perfLoop(ctx)
	go i.experimentLoop(ctx)

	i.log.Info("ad integration initialized",
		zap.Strings("experiments", i.exps.ActiveIDs()))
	return nil
}

// Degraded reports whether the integration fell back to direct injection.
func (i *Integration) Degraded() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.degraded
}

// onEvent is the single fan-out point for delivery events.
func (i *Integration) onEvent(evt bus.Event) {
	ctx := context.Background()

	switch evt.Type {
	case bus.EventAdLoaded:
		i.tracker.TrackImpression(evt.UnitID)
		i.tracker.TrackLoadTime(evt.UnitID, evt.Value)
		i.trackAll(ctx, evt.SessionID, "impressions", 1)
		i.trackAll(ctx, evt.SessionID, "load_time_ms", evt.Value)
	case bus.EventViewableImpression:
		// The tracker counted this itself when the dwell completed.
		i.engine.SetViewableByName(evt.UnitID, true)
		i.trackAll(ctx, evt.SessionID, "viewable_impressions", 1)
	case bus.EventAdClick:
		i.tracker.TrackClick(evt.UnitID)
		for _, id := range i.exps.ActiveIDs() {
			i.exps.TrackConversion(ctx, evt.SessionID, id, 1)
		}
	case bus.EventAdError:
		i.tracker.TrackError(evt.UnitID)
		i.trackAll(ctx, evt.SessionID, "errors", 1)
	}

	if i.store != nil {
		if err := i.store.RecordAdEvent(ctx, string(evt.Type), evt.UnitID, evt.ExperimentID, evt.VariantID, evt.SessionID, evt.Value); err != nil {
			i.log.Warn("failed to persist event", zap.String("type", string(evt.Type)), zap.Error(err))
		}
	}
}

func (i *Integration) trackAll(ctx context.Context, sessionID, metric string, value float64) {
	if sessionID == "" {
		return
	}
	for _, id := range i.exps.ActiveIDs() {
		i.exps.TrackMetric(ctx, sessionID, id, metric, value)
	}
}

// ApplyVariantConfig pushes a variant's opaque configuration into the
// delivery engine. Unknown keys are ignored.
func (i *Integration) ApplyVariantConfig(experimentID, variantID string, cfg map[string]any) {
	if cfg == nil {
		return
	}

	if v, ok := numeric(cfg["lazy_margin_px"]); ok {
		i.engine.SetLazyLoadMargin(int(v))
	}
	if v, ok := numeric(cfg["max_ads_per_page"]); ok {
		i.engine.SetMaxAdsPerPage(int(v))
	}
	if v, ok := cfg["refresh_enabled"].(bool); ok {
		if v {
			i.engine.ResumeAutoRefresh()
		} else {
			i.engine.PauseAutoRefresh()
		}
	}

	i.log.Info("variant config applied",
		zap.String("experiment", experimentID),
		zap.String("variant", variantID))
	if i.events != nil {
		i.events.Publish(bus.Event{
			Type:         bus.EventVariantApplied,
			ExperimentID: experimentID,
			VariantID:    variantID,
		})
	}
}

func (i *Integration) perfLoop(ctx context.Context) {
	ticker := time.NewTicker(i.perfInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-i.stopc:
			return
		case <-ticker.C:
			i.CheckPerformance(ctx)
		}
	}
}

// CheckPerformance runs one performance-check pass: report the score,
// pause refresh under the threshold, and shed least-viewable units when
// too many are loaded.
func (i *Integration) CheckPerformance(ctx context.Context) {
	summary := i.tracker.Summary()

	if i.events != nil {
		i.events.Publish(bus.Event{Type: bus.EventPerformanceReport, Value: summary.Score})
	}
	if i.store != nil {
		if data, err := json.Marshal(summary); err == nil {
			if err := i.store.SaveDailySummary(ctx, summary.Day, string(data)); err != nil {
				i.log.Warn("failed to save daily summary", zap.Error(err))
			}
		}
	}

	if !summary.Scored || summary.Score >= lowScoreThreshold {
		return
	}

	i.log.Warn("ad performance below threshold, throttling",
		zap.Float64("score", summary.Score))
	i.engine.PauseAutoRefreshFor(refreshPause)

	loaded := i.engine.LoadedCount()
	if loaded <= maxHealthyLoaded {
		return
	}
	for _, name := range i.tracker.LeastViewableUnits(loaded - maxHealthyLoaded) {
		for _, snap := range i.engine.Units() {
			if snap.Name == name && snap.State == "loaded" {
				i.engine.Evict(snap.ID)
				break
			}
		}
	}
}

func (i *Integration) experimentLoop(ctx context.Context) {
	ticker := time.NewTicker(i.expInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-i.stopc:
			return
		case <-ticker.C:
			i.CheckExperiments(ctx)
		}
	}
}

// CheckExperiments auto-promotes any experiment with a determined winner at
// promotion confidence: the winning variant's configuration is applied
// globally and the experiment ends early rather than waiting out its full
// duration.
func (i *Integration) CheckExperiments(ctx context.Context) {
	for _, id := range i.exps.ActiveIDs() {
		summary, err := i.exps.CalculateResults(id)
		if err != nil {
			i.log.Warn("failed to calculate results", zap.String("experiment", id), zap.Error(err))
			continue
		}
		if summary.Winner.Status != experiment.WinnerFound {
			continue
		}
		if summary.Significance == nil || summary.Significance.Confidence < promotionConfidence {
			continue
		}

		winner := summary.Winner.VariantID
		i.log.Info("auto-promoting experiment winner",
			zap.String("experiment", id),
			zap.String("variant", winner),
			zap.Float64("confidence", summary.Significance.Confidence),
			zap.Float64("improvement", summary.Winner.Improvement))

		if cfg, ok := i.exps.VariantConfig(id, winner); ok {
			i.ApplyVariantConfig(id, winner, cfg)
		}
		if err := i.exps.End(id, winner); err != nil {
			i.log.Warn("failed to end experiment", zap.String("experiment", id), zap.Error(err))
		}
		if i.store != nil {
			if err := i.store.UpdateExperimentStatus(ctx, id, experiment.StatusEnded, winner); err != nil && err != store.ErrNotFound {
				i.log.Warn("failed to persist experiment end", zap.Error(err))
			}
		}
		metrics.ExperimentsPromoted.WithLabelValues(id).Inc()
	}
}

// Status is the live view surfaced by the status endpoint and CLI.
type Status struct {
	Degraded          bool     `json:"degraded"`
	UptimeSeconds     int64    `json:"uptime_seconds"`
	ActiveExperiments []string `json:"active_experiments"`
	LoadedAdUnits     int      `json:"loaded_ad_units"`
	PerformanceScore  float64  `json:"performance_score"`
	Scored            bool     `json:"scored"`
}

func (i *Integration) Status() Status {
	s := Status{
		Degraded:      i.Degraded(),
		UptimeSeconds: int64(time.Since(i.startedAt).Seconds()),
	}
	if i.exps != nil {
		s.ActiveExperiments = i.exps.ActiveIDs()
	}
	if i.engine != nil {
		s.LoadedAdUnits = i.engine.LoadedCount()
	}
	if i.tracker != nil {
		summary := i.tracker.Summary()
		s.PerformanceScore = summary.Score
		s.Scored = summary.Scored
	}
	return s
}

// Export is the full data dump for the export endpoint and CLI.
type Export struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Status      Status                `json:"status"`
	Experiments []*experiment.Summary `json:"experiments"`
	Performance perf.Summary          `json:"performance"`
	EventCounts map[string]int        `json:"event_counts,omitempty"`
}

func (i *Integration) ExportData(ctx context.Context) (*Export, error) {
	out := &Export{
		GeneratedAt: time.Now(),
		Status:      i.Status(),
	}
	if i.exps != nil {
		for _, id := range i.exps.AllIDs() {
			summary, err := i.exps.CalculateResults(id)
			if err != nil {
				continue
			}
			out.Experiments = append(out.Experiments, summary)
		}
	}
	if i.tracker != nil {
		out.Performance = i.tracker.Summary()
	}
	if i.store != nil {
		counts, err := i.store.EventCounts(ctx)
		if err == nil {
			out.EventCounts = counts
		}
	}
	return out, nil
}

// Close stops the periodic loops and shuts the subsystems down.
func (i *Integration) Close() {
	i.stopOnce.Do(func() { close(i.stopc) })
	if i.engine != nil {
		i.engine.Close()
	}
	if i.tracker != nil {
		if err := i.tracker.Close(); err != nil {
			i.log.Warn("tracker close failed", zap.Error(err))
		}
	}
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
