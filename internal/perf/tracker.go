// Package perf accumulates ad performance metrics: impressions, dwell-gated
// viewable impressions, clicks, hover engagement, load times, errors, and
// page web vitals, folded into a weighted 0-100 score.
package perf

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fourpillars/adpilot/internal/bus"
	"github.com/fourpillars/adpilot/internal/kv"
)

const (
	// DefaultDwell is the continuous >=50% visibility required before an
	// impression counts as viewable.
	DefaultDwell = time.Second

	visibleThreshold = 0.5

	snapshotKeyPrefix = "perf:"
	flushInterval     = time.Minute
)

// Vitals is the page-level web vitals snapshot reported by the client.
type Vitals struct {
	Seen   bool    `json:"seen"`
	CLS    float64 `json:"cls"`
	FIDMs  float64 `json:"fid_ms"`
	LCPMs  float64 `json:"lcp_ms"`
	TTFBMs float64 `json:"ttfb_ms"`
}

type unitMetrics struct {
	Impressions         int       `json:"impressions"`
	ViewableImpressions int       `json:"viewable_impressions"`
	Clicks              int       `json:"clicks"`
	Errors              int       `json:"errors"`
	HoverMs             []float64 `json:"hover_ms,omitempty"`
	LoadTimesMs         []float64 `json:"load_times_ms,omitempty"`
}

// dwellState tracks the pending viewability timer for one unit.
type dwellState struct {
	visible bool
	counted bool
	session string
	timer   *time.Timer
}

// Tracker is session-scoped and safe for concurrent use. Snapshots persist
// keyed by calendar day; a restored snapshot from a different day is
// discarded so metrics never accumulate across days.
type Tracker struct {
	mu        sync.Mutex
	day       string
	pageViews int
	units     map[string]*unitMetrics
	vitals    Vitals
	dwells    map[string]*dwellState

	dwell  time.Duration
	store  kv.Store
	events *bus.Bus
	log    *zap.Logger
	now    func() time.Time

	stopOnce sync.Once
	stopc    chan struct{}
}

func NewTracker(store kv.Store, events *bus.Bus, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tracker{
		units:  make(map[string]*unitMetrics),
		dwells: make(map[string]*dwellState),
		dwell:  DefaultDwell,
		store:  store,
		events: events,
		log:    log,
		now:    time.Now,
		stopc:  make(chan struct{}),
	}
	t.day = t.now().Format("2006-01-02")
	t.restore()
	return t
}

// SetDwell overrides the viewability dwell window (tests).
func (t *Tracker) SetDwell(d time.Duration) {
	t.mu.Lock()
	t.dwell = d
	t.mu.Unlock()
}

func (t *Tracker) TrackPageView() {
	t.mu.Lock()
	t.rolloverLocked()
	t.pageViews++
	t.mu.Unlock()
}

func (t *Tracker) TrackImpression(unit string) {
	t.mu.Lock()
	t.rolloverLocked()
	t.unitLocked(unit).Impressions++
	t.mu.Unlock()
}

func (t *Tracker) TrackLoadTime(unit string, ms float64) {
	t.mu.Lock()
	t.rolloverLocked()
	m := t.unitLocked(unit)
	m.LoadTimesMs = append(m.LoadTimesMs, ms)
	t.mu.Unlock()
}

func (t *Tracker) TrackClick(unit string) {
	t.mu.Lock()
	t.rolloverLocked()
	t.unitLocked(unit).Clicks++
	t.mu.Unlock()
}

func (t *Tracker) TrackHover(unit string, ms float64) {
	t.mu.Lock()
	t.rolloverLocked()
	m := t.unitLocked(unit)
	m.HoverMs = append(m.HoverMs, ms)
	t.mu.Unlock()
}

func (t *Tracker) TrackError(unit string) {
	t.mu.Lock()
	t.rolloverLocked()
	t.unitLocked(unit).Errors++
	t.mu.Unlock()
}

// SetVitals records the page web vitals snapshot.
func (t *Tracker) SetVitals(v Vitals) {
	t.mu.Lock()
	v.Seen = true
	t.vitals = v
	t.mu.Unlock()
}

// OnVisibility feeds a visibility-fraction signal for a unit. Crossing 50%
// arms a dwell timer; sustaining it for the full window records exactly one
// viewable impression until visibility drops below 50% again. Dropping
// below 50% cancels a pending timer, so an instantaneous pass-through never
// counts. The session rides along into the viewable event so experiment
// metrics can attribute it.
func (t *Tracker) OnVisibility(unit, sessionID string, fraction float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rolloverLocked()

	d := t.dwells[unit]
	if d == nil {
		d = &dwellState{}
		t.dwells[unit] = d
	}
	if sessionID != "" {
		d.session = sessionID
	}

	if fraction >= visibleThreshold {
		if d.visible {
			return
		}
		d.visible = true
		d.timer = time.AfterFunc(t.dwell, func() { t.confirmViewable(unit) })
		return
	}

	d.visible = false
	d.counted = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (t *Tracker) confirmViewable(unit string) {
	t.mu.Lock()
	d := t.dwells[unit]
	if d == nil || !d.visible || d.counted {
		t.mu.Unlock()
		return
	}
	d.counted = true
	d.timer = nil
	session := d.session
	t.unitLocked(unit).ViewableImpressions++
	t.mu.Unlock()

	if t.events != nil {
		t.events.Publish(bus.Event{Type: bus.EventViewableImpression, UnitID: unit, SessionID: session})
	}
}

// Run flushes the snapshot once per minute until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopc:
			return
		case <-ticker.C:
			if err := t.Flush(ctx); err != nil {
				t.log.Warn("perf snapshot flush failed", zap.Error(err))
			}
		}
	}
}

// Close stops the flush loop, cancels pending dwell timers, and writes a
// final snapshot.
func (t *Tracker) Close() error {
	t.stopOnce.Do(func() { close(t.stopc) })

	t.mu.Lock()
	for _, d := range t.dwells {
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
	}
	t.mu.Unlock()

	return t.Flush(context.Background())
}

type snapshot struct {
	Day       string                  `json:"day"`
	PageViews int                     `json:"page_views"`
	Units     map[string]*unitMetrics `json:"units"`
	Vitals    Vitals                  `json:"vitals"`
}

// Flush persists the current metrics under today's key.
func (t *Tracker) Flush(ctx context.Context) error {
	if t.store == nil {
		return nil
	}

	t.mu.Lock()
	snap := snapshot{Day: t.day, PageViews: t.pageViews, Units: t.units, Vitals: t.vitals}
	data, err := json.Marshal(snap)
	key := snapshotKeyPrefix + t.day
	t.mu.Unlock()

	if err != nil {
		return err
	}
	// Keep two days so a restart just before midnight can still restore.
	return t.store.Set(ctx, key, string(data), 48*time.Hour)
}

// restore loads a same-day snapshot; anything else starts fresh. Corrupt
// data is treated as empty state.
func (t *Tracker) restore() {
	if t.store == nil {
		return
	}

	data, found, err := t.store.Get(context.Background(), snapshotKeyPrefix+t.day)
	if err != nil || !found {
		return
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		t.log.Warn("discarding corrupt perf snapshot", zap.Error(err))
		return
	}
	if snap.Day != t.day {
		return
	}

	t.mu.Lock()
	t.pageViews = snap.PageViews
	if snap.Units != nil {
		t.units = snap.Units
	}
	t.vitals = snap.Vitals
	t.mu.Unlock()
}

// rolloverLocked resets all metrics when the calendar day changes.
func (t *Tracker) rolloverLocked() {
	today := t.now().Format("2006-01-02")
	if today == t.day {
		return
	}
	t.day = today
	t.pageViews = 0
	t.units = make(map[string]*unitMetrics)
	t.vitals = Vitals{}
	for _, d := range t.dwells {
		if d.timer != nil {
			d.timer.Stop()
		}
	}
	t.dwells = make(map[string]*dwellState)
}

func (t *Tracker) unitLocked(unit string) *unitMetrics {
	m := t.units[unit]
	if m == nil {
		m = &unitMetrics{}
		t.units[unit] = m
	}
	return m
}
