package experiment

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fourpillars/adpilot/internal/bus"
	"github.com/fourpillars/adpilot/internal/kv"
	"github.com/fourpillars/adpilot/internal/metrics"
)

// DefaultAssignmentTTL mirrors the 30-day experiment cookie.
const DefaultAssignmentTTL = 30 * 24 * time.Hour

// Manager owns the experiment catalog, sticky session assignment, and
// metric aggregation. All mutation happens under one mutex; event
// publication is deferred until the mutation is complete so a re-entrant
// tracked event can never observe a half-updated result.
type Manager struct {
	mu          sync.Mutex
	experiments map[string]*Experiment
	order       []string

	// assignments caches sessionID -> experimentID -> variantID. The kv
	// store is the durable copy; the cache keeps assignment lookups (and
	// metric attribution) working even when the store is down.
	assignments map[string]map[string]string

	sessions      kv.Store
	events        *bus.Bus
	log           *zap.Logger
	assignmentTTL time.Duration

	// randFloat and now are swappable in tests.
	randFloat func() float64
	now       func() time.Time
}

func NewManager(sessions kv.Store, events *bus.Bus, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		experiments:   make(map[string]*Experiment),
		assignments:   make(map[string]map[string]string),
		sessions:      sessions,
		events:        events,
		log:           log,
		assignmentTTL: DefaultAssignmentTTL,
		randFloat:     rand.Float64,
		now:           time.Now,
	}
}

// SetAssignmentTTL overrides the persistence window for new assignments.
func (m *Manager) SetAssignmentTTL(ttl time.Duration) {
	m.mu.Lock()
	m.assignmentTTL = ttl
	m.mu.Unlock()
}

// Register adds a validated experiment to the catalog and activates it.
// StartedAt/EndsAt are derived from DurationDays (zero means no deadline).
func (m *Manager) Register(exp *Experiment) error {
	if err := exp.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	exp.StartedAt = now
	if exp.DurationDays > 0 {
		exp.EndsAt = now.Add(time.Duration(exp.DurationDays) * 24 * time.Hour)
	}
	exp.Status = StatusActive
	exp.Results = make(map[string]*VariantResult, len(exp.Variants))
	for _, v := range exp.Variants {
		exp.Results[v.ID] = &VariantResult{Metrics: make(map[string]*MetricAgg)}
	}

	if _, exists := m.experiments[exp.ID]; !exists {
		m.order = append(m.order, exp.ID)
	}
	m.experiments[exp.ID] = exp

	m.log.Info("experiment registered",
		zap.String("experiment", exp.ID),
		zap.Int("variants", len(exp.Variants)),
		zap.Time("ends_at", exp.EndsAt))
	return nil
}

// Hydrate installs a previously persisted experiment as-is, preserving its
// status, participants, and results across restarts.
func (m *Manager) Hydrate(exp *Experiment) error {
	if err := exp.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if exp.Results == nil {
		exp.Results = make(map[string]*VariantResult, len(exp.Variants))
	}
	for _, v := range exp.Variants {
		if exp.Results[v.ID] == nil {
			exp.Results[v.ID] = &VariantResult{Metrics: make(map[string]*MetricAgg)}
		}
		if exp.Results[v.ID].Metrics == nil {
			exp.Results[v.ID].Metrics = make(map[string]*MetricAgg)
		}
	}
	if exp.Status == "" {
		exp.Status = StatusActive
	}

	if _, exists := m.experiments[exp.ID]; !exists {
		m.order = append(m.order, exp.ID)
	}
	m.experiments[exp.ID] = exp
	return nil
}

// ActiveIDs returns ids of currently active experiments in catalog order.
func (m *Manager) ActiveIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, id := range m.order {
		if exp := m.experiments[id]; exp != nil && exp.Status == StatusActive {
			ids = append(ids, id)
		}
	}
	return ids
}

// AllIDs returns every catalog id in registration order.
func (m *Manager) AllIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	return ids
}

// VariantConfig resolves a variant's opaque configuration.
func (m *Manager) VariantConfig(experimentID, variantID string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.experiments[experimentID]
	if !ok {
		return nil, false
	}
	for _, v := range exp.Variants {
		if v.ID == variantID {
			return v.Config, true
		}
	}
	return nil, false
}

// Variant returns the sticky variant for sessionID in the given experiment,
// drawing and persisting a new assignment on first call. It returns ok=false
// when the experiment is unknown, not active, or past its end time (in which
// case the experiment is transitioned to ended as a side effect). It never
// returns an error: a missing experiment is "feature inactive", and kv
// failures degrade to cache-only stickiness.
func (m *Manager) Variant(ctx context.Context, sessionID, experimentID string) (string, bool) {
	m.mu.Lock()

	exp, ok := m.experiments[experimentID]
	if !ok || exp.Status != StatusActive {
		m.mu.Unlock()
		return "", false
	}

	if !exp.EndsAt.IsZero() && m.now().After(exp.EndsAt) {
		m.endLocked(exp, "")
		m.mu.Unlock()
		return "", false
	}

	if variantID, ok := m.assignedLocked(ctx, sessionID, experimentID); ok {
		m.mu.Unlock()
		return variantID, true
	}

	variantID := m.drawLocked(exp)

	if m.assignments[sessionID] == nil {
		m.assignments[sessionID] = make(map[string]string)
	}
	m.assignments[sessionID][experimentID] = variantID

	exp.Participants++
	if r := exp.Results[variantID]; r != nil {
		r.Participants++
	}

	ttl := m.assignmentTTL
	m.mu.Unlock()

	if m.sessions != nil {
		if err := m.sessions.Set(ctx, assignmentKey(sessionID, experimentID), variantID, ttl); err != nil {
			m.log.Warn("failed to persist assignment",
				zap.String("experiment", experimentID),
				zap.Error(err))
		}
	}

	metrics.Assignments.WithLabelValues(experimentID, variantID).Inc()
	if m.events != nil {
		m.events.Publish(bus.Event{
			Type:         bus.EventParticipation,
			SessionID:    sessionID,
			ExperimentID: experimentID,
			VariantID:    variantID,
		})
	}

	return variantID, true
}

// Assignments resolves the session's variant for every active experiment.
func (m *Manager) Assignments(ctx context.Context, sessionID string) map[string]string {
	out := make(map[string]string)
	for _, id := range m.ActiveIDs() {
		if v, ok := m.Variant(ctx, sessionID, id); ok {
			out[id] = v
		}
	}
	return out
}

// TrackMetric folds value into the named metric aggregate for the variant
// the session is assigned to. Calls for unassigned sessions or inactive
// experiments are no-ops: a metric must never be attributed to a session
// that did not participate.
func (m *Manager) TrackMetric(ctx context.Context, sessionID, experimentID, name string, value float64) {
	m.mu.Lock()

	exp, ok := m.experiments[experimentID]
	if !ok || exp.Status != StatusActive {
		m.mu.Unlock()
		return
	}
	variantID, ok := m.assignedLocked(ctx, sessionID, experimentID)
	if !ok {
		m.mu.Unlock()
		return
	}

	r := exp.Results[variantID]
	if r == nil {
		m.mu.Unlock()
		return
	}
	agg := r.Metrics[name]
	if agg == nil {
		agg = &MetricAgg{}
		r.Metrics[name] = agg
	}
	agg.add(value)
	m.mu.Unlock()

	if m.events != nil {
		m.events.Publish(bus.Event{
			Type:         bus.EventMetric,
			SessionID:    sessionID,
			ExperimentID: experimentID,
			VariantID:    variantID,
			Value:        value,
		})
	}
}

// TrackConversion increments the conversion count for the session's
// variant. Unassigned sessions are ignored.
func (m *Manager) TrackConversion(ctx context.Context, sessionID, experimentID string, value int) {
	if value <= 0 {
		value = 1
	}

	m.mu.Lock()

	exp, ok := m.experiments[experimentID]
	if !ok || exp.Status != StatusActive {
		m.mu.Unlock()
		return
	}
	variantID, ok := m.assignedLocked(ctx, sessionID, experimentID)
	if !ok {
		m.mu.Unlock()
		return
	}
	if r := exp.Results[variantID]; r != nil {
		r.Conversions += value
	}
	m.mu.Unlock()

	if m.events != nil {
		m.events.Publish(bus.Event{
			Type:         bus.EventConversion,
			SessionID:    sessionID,
			ExperimentID: experimentID,
			VariantID:    variantID,
			Value:        float64(value),
		})
	}
}

// End transitions an experiment to ended, optionally recording a winner.
func (m *Manager) End(experimentID, winnerVariant string) error {
	m.mu.Lock()
	exp, ok := m.experiments[experimentID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if exp.Status == StatusEnded {
		m.mu.Unlock()
		return nil
	}
	m.endLocked(exp, winnerVariant)
	m.mu.Unlock()
	return nil
}

// Snapshot returns a deep copy of the experiment for reporting/export.
func (m *Manager) Snapshot(experimentID string) (*Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.experiments[experimentID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyExperiment(exp), nil
}

func (m *Manager) endLocked(exp *Experiment, winnerVariant string) {
	exp.Status = StatusEnded
	exp.Winner = winnerVariant
	m.log.Info("experiment ended",
		zap.String("experiment", exp.ID),
		zap.String("winner", winnerVariant),
		zap.Int("participants", exp.Participants))

	if m.events != nil {
		// Deliver after the state flip; the bus queues re-entrant publishes.
		evt := bus.Event{Type: bus.EventExperimentEnded, ExperimentID: exp.ID, VariantID: winnerVariant}
		go m.events.Publish(evt)
	}
}

// assignedLocked checks the cache first, then the durable store. Callers
// hold m.mu.
func (m *Manager) assignedLocked(ctx context.Context, sessionID, experimentID string) (string, bool) {
	if byExp, ok := m.assignments[sessionID]; ok {
		if v, ok := byExp[experimentID]; ok {
			return v, true
		}
	}
	if m.sessions == nil {
		return "", false
	}
	v, found, err := m.sessions.Get(ctx, assignmentKey(sessionID, experimentID))
	if err != nil {
		m.log.Warn("assignment lookup failed", zap.Error(err))
		return "", false
	}
	if !found {
		return "", false
	}
	if m.assignments[sessionID] == nil {
		m.assignments[sessionID] = make(map[string]string)
	}
	m.assignments[sessionID][experimentID] = v
	return v, true
}

// drawLocked performs cumulative-weight sampling. Weights are used as-is:
// if they sum below 1.0 a draw above the cumulative total falls through to
// the last variant.
func (m *Manager) drawLocked(exp *Experiment) string {
	draw := m.randFloat()
	cumulative := 0.0
	for _, v := range exp.Variants {
		cumulative += v.Weight
		if draw < cumulative {
			return v.ID
		}
	}
	return exp.Variants[len(exp.Variants)-1].ID
}

func assignmentKey(sessionID, experimentID string) string {
	return "assign:" + sessionID + ":" + experimentID
}

func copyExperiment(exp *Experiment) *Experiment {
	out := *exp
	out.Variants = make([]Variant, len(exp.Variants))
	copy(out.Variants, exp.Variants)
	out.Results = make(map[string]*VariantResult, len(exp.Results))
	for id, r := range exp.Results {
		rc := &VariantResult{
			Participants: r.Participants,
			Conversions:  r.Conversions,
			Metrics:      make(map[string]*MetricAgg, len(r.Metrics)),
		}
		for name, agg := range r.Metrics {
			a := *agg
			rc.Metrics[name] = &a
		}
		out.Results[id] = rc
	}
	return &out
}
