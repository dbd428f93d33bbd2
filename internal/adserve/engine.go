// Package adserve owns ad-unit delivery: lazy loading on viewport
// proximity, a FIFO queue under the concurrency cap, bounded retry with
// backoff, and periodic refresh of viewable units.
package adserve

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fourpillars/adpilot/internal/bus"
	"github.com/fourpillars/adpilot/internal/metrics"
)

// Engine is the ad delivery engine. All unit state lives in its side
// table, keyed by container id, and is mutated only under mu.
type Engine struct {
	mu    sync.Mutex
	cfg   Config
	units map[string]*Unit
	order []string
	// waitQueue holds load-eligible units blocked by the concurrency cap,
	// in eligibility order.
	waitQueue []string
	// occupied counts units holding a load slot (loading, retrying, or
	// loaded). Queued units are promoted one-for-one as slots free up.
	occupied int

	viewportWidth int
	manualPause   bool
	pausedUntil   time.Time

	retryTimers map[string]*time.Timer

	loader Loader
	events *bus.Bus
	log    *zap.Logger

	now func() time.Time

	stopOnce sync.Once
	stopc    chan struct{}
}

func NewEngine(cfg Config, loader Loader, events *bus.Bus, log *zap.Logger) *Engine {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:           cfg,
		units:         make(map[string]*Unit),
		retryTimers:   make(map[string]*time.Timer),
		viewportWidth: 1280,
		loader:        loader,
		events:        events,
		log:           log,
		now:           time.Now,
		stopc:         make(chan struct{}),
	}
}

// Register adds a container for the logical unit name and returns its
// snapshot (the client reserves the slot's pixel box from it). The unit
// starts queued, waiting for viewport proximity. Registering is never an
// error path for the page: unknown names get a fluid fallback slot.
func (e *Engine) Register(name, sessionID string) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	device := ClassifyDevice(e.viewportWidth)
	u := &Unit{
		ID:           uuid.NewString(),
		Name:         name,
		SessionID:    sessionID,
		Device:       device,
		Slot:         e.cfg.slotFor(name, device),
		State:        StateQueued,
		RegisteredAt: e.now(),
	}
	e.units[u.ID] = u
	e.order = append(e.order, u.ID)

	return u.snapshot()
}

// SetViewport reclassifies the device and reconfigures containers that have
// not loaded yet. Loaded containers keep their creative until an explicit
// refresh.
func (e *Engine) SetViewport(width int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.viewportWidth = width
	device := ClassifyDevice(width)
	for _, id := range e.order {
		u := e.units[id]
		if u == nil || u.State == StateLoaded || u.State == StateLoading {
			continue
		}
		u.Device = device
		u.Slot = e.cfg.slotFor(u.Name, device)
	}
}

// ViewportSignal reports a container's distance from the viewport edge and
// its visible fraction. A queued unit loads once it is within the lazy-load
// margin or minimally visible, whichever signal arrives first. Loaded units
// are never re-observed.
func (e *Engine) ViewportSignal(unitID string, distancePx, visibleFraction float64) {
	e.mu.Lock()
	u, ok := e.units[unitID]
	if !ok || u.State != StateQueued {
		e.mu.Unlock()
		return
	}
	if distancePx > float64(e.cfg.LazyLoadMarginPx) && visibleFraction < e.cfg.MinVisibleFraction {
		e.mu.Unlock()
		return
	}
	e.tryLoadLocked(u)
	e.mu.Unlock()
}

// ForceLoad bypasses the lazy-load gate for a queued unit. The concurrency
// cap still applies.
func (e *Engine) ForceLoad(unitID string) {
	e.mu.Lock()
	u, ok := e.units[unitID]
	if !ok || u.State != StateQueued {
		e.mu.Unlock()
		return
	}
	e.tryLoadLocked(u)
	e.mu.Unlock()
}

// SetViewable marks a unit's dwell-confirmed viewability; only viewable
// units participate in auto-refresh.
func (e *Engine) SetViewable(unitID string, viewable bool) {
	e.mu.Lock()
	if u, ok := e.units[unitID]; ok {
		u.Viewable = viewable
	}
	e.mu.Unlock()
}

// SetViewableByName marks every container of a logical unit name.
func (e *Engine) SetViewableByName(name string, viewable bool) {
	e.mu.Lock()
	for _, u := range e.units {
		if u.Name == name {
			u.Viewable = viewable
		}
	}
	e.mu.Unlock()
}

// RefreshViewable tears down and reloads every viewable loaded unit.
// Non-viewable units are skipped so refreshes are not spent off-screen.
func (e *Engine) RefreshViewable() {
	e.mu.Lock()
	var reload []*Unit
	for _, id := range e.order {
		u := e.units[id]
		if u == nil || u.State != StateLoaded || !u.Viewable || u.FallbackShown {
			continue
		}
		// The refresh load is attempt one, same as a fresh beginLoadLocked,
		// so a failing refresh backs off and gets MaxAttempts total.
		u.State = StateLoading
		u.Attempts = 1
		u.LoadedAt = time.Time{}
		reload = append(reload, u)
	}
	e.updateLoadedGaugeLocked()
	e.mu.Unlock()

	for _, u := range reload {
		go e.doLoad(u.ID)
	}
}

// PauseAutoRefresh stops the refresh loop until ResumeAutoRefresh.
func (e *Engine) PauseAutoRefresh() {
	e.mu.Lock()
	e.manualPause = true
	e.mu.Unlock()
}

// PauseAutoRefreshFor pauses refresh for a bounded window.
func (e *Engine) PauseAutoRefreshFor(d time.Duration) {
	e.mu.Lock()
	e.pausedUntil = e.now().Add(d)
	e.mu.Unlock()
}

func (e *Engine) ResumeAutoRefresh() {
	e.mu.Lock()
	e.manualPause = false
	e.pausedUntil = time.Time{}
	e.mu.Unlock()
}

// Evict removes a unit entirely and promotes the next queued one. Used by
// the orchestrator to shed the least-viewable units under load pressure.
func (e *Engine) Evict(unitID string) {
	e.mu.Lock()
	u, ok := e.units[unitID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if t, ok := e.retryTimers[unitID]; ok {
		t.Stop()
		delete(e.retryTimers, unitID)
	}
	delete(e.units, unitID)
	for i, id := range e.order {
		if id == unitID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	released := u.State == StateLoading || u.State == StateRetrying || u.State == StateLoaded
	if released {
		e.occupied--
		e.promoteLocked()
	}
	e.updateLoadedGaugeLocked()
	e.mu.Unlock()

	e.log.Info("ad unit evicted", zap.String("unit", u.Name), zap.String("id", unitID))
}

// Units returns snapshots in registration order.
func (e *Engine) Units() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Snapshot, 0, len(e.order))
	for _, id := range e.order {
		if u := e.units[id]; u != nil {
			out = append(out, u.snapshot())
		}
	}
	return out
}

// LoadedCount returns the number of units currently in the loaded state.
func (e *Engine) LoadedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadedCountLocked()
}

// Run drives the auto-refresh loop until ctx is done or Close is called.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopc:
			return
		case <-ticker.C:
			e.mu.Lock()
			paused := e.manualPause || (!e.pausedUntil.IsZero() && e.now().Before(e.pausedUntil))
			e.mu.Unlock()
			if !paused {
				e.RefreshViewable()
			}
		}
	}
}

// Close stops the refresh loop and pending retry timers. In-flight loads
// are not aborted; their completions are ignored.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stopc) })

	e.mu.Lock()
	for id, t := range e.retryTimers {
		t.Stop()
		delete(e.retryTimers, id)
	}
	e.mu.Unlock()
}

// tryLoadLocked starts a load if a slot is free, otherwise queues the unit
// FIFO for promotion when one frees up.
func (e *Engine) tryLoadLocked(u *Unit) {
	if e.occupied >= e.cfg.MaxAdsPerPage {
		for _, id := range e.waitQueue {
			if id == u.ID {
				return
			}
		}
		e.waitQueue = append(e.waitQueue, u.ID)
		return
	}
	e.beginLoadLocked(u)
}

func (e *Engine) beginLoadLocked(u *Unit) {
	u.State = StateLoading
	u.Attempts++
	e.occupied++
	go e.doLoad(u.ID)
}

// promoteLocked moves queued units into freed slots, FIFO.
func (e *Engine) promoteLocked() {
	for e.occupied < e.cfg.MaxAdsPerPage && len(e.waitQueue) > 0 {
		id := e.waitQueue[0]
		e.waitQueue = e.waitQueue[1:]
		u, ok := e.units[id]
		if !ok || u.State != StateQueued {
			continue
		}
		e.beginLoadLocked(u)
	}
}

func (e *Engine) doLoad(unitID string) {
	e.mu.Lock()
	u, ok := e.units[unitID]
	if !ok || u.State != StateLoading {
		// Removed or reconfigured while in flight; ignore.
		e.mu.Unlock()
		return
	}
	snap := u.snapshot()
	e.mu.Unlock()

	start := e.now()
	err := e.loader.Load(context.Background(), snap)
	elapsed := e.now().Sub(start)

	if err != nil {
		e.handleLoadFailure(unitID, err)
		return
	}

	e.mu.Lock()
	u, ok = e.units[unitID]
	if !ok || u.State != StateLoading {
		e.mu.Unlock()
		return
	}
	u.State = StateLoaded
	u.LoadedAt = e.now()
	u.LoadTimeMs = float64(elapsed.Milliseconds())
	name := u.Name
	session := u.SessionID
	loadMs := u.LoadTimeMs
	e.updateLoadedGaugeLocked()
	e.mu.Unlock()

	metrics.AdLoads.WithLabelValues("success").Inc()
	if e.events != nil {
		e.events.Publish(bus.Event{
			Type:      bus.EventAdLoaded,
			UnitID:    name,
			SessionID: session,
			Value:     loadMs,
		})
	}
}

func (e *Engine) handleLoadFailure(unitID string, loadErr error) {
	e.mu.Lock()
	u, ok := e.units[unitID]
	if !ok || u.State != StateLoading {
		e.mu.Unlock()
		return
	}

	name := u.Name
	session := u.SessionID
	attempts := u.Attempts

	if u.Attempts >= e.cfg.MaxAttempts {
		// Retries exhausted: show static fallback, free the slot, and drop
		// the unit from all future retry/refresh cycles.
		u.State = StateFailed
		u.FallbackShown = true
		e.occupied--
		e.promoteLocked()
		e.mu.Unlock()

		metrics.AdLoads.WithLabelValues("fallback").Inc()
		e.log.Warn("ad unit degraded to fallback",
			zap.String("unit", name),
			zap.Int("attempts", attempts),
			zap.Error(loadErr))
		if e.events != nil {
			e.events.Publish(bus.Event{
				Type:      bus.EventAdError,
				UnitID:    name,
				SessionID: session,
				Value:     float64(attempts),
			})
		}
		return
	}

	u.State = StateRetrying
	delay := time.Duration(u.Attempts) * e.cfg.RetryBackoff
	e.retryTimers[unitID] = time.AfterFunc(delay, func() { e.retry(unitID) })
	e.mu.Unlock()

	metrics.AdLoads.WithLabelValues("retry").Inc()
	e.log.Info("ad load failed, retrying",
		zap.String("unit", name),
		zap.Int("attempt", attempts),
		zap.Duration("backoff", delay),
		zap.Error(loadErr))
	if e.events != nil {
		e.events.Publish(bus.Event{
			Type:      bus.EventAdError,
			UnitID:    name,
			SessionID: session,
			Value:     float64(attempts),
		})
	}
}

func (e *Engine) retry(unitID string) {
	e.mu.Lock()
	delete(e.retryTimers, unitID)
	u, ok := e.units[unitID]
	if !ok || u.State != StateRetrying {
		e.mu.Unlock()
		return
	}
	// The unit kept its slot through the backoff window.
	u.State = StateLoading
	u.Attempts++
	e.mu.Unlock()

	e.doLoad(unitID)
}

func (e *Engine) loadedCountLocked() int {
	n := 0
	for _, u := range e.units {
		if u.State == StateLoaded {
			n++
		}
	}
	return n
}

func (e *Engine) updateLoadedGaugeLocked() {
	metrics.AdUnitsLoaded.Set(float64(e.loadedCountLocked()))
}
