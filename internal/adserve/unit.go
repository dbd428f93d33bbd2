package adserve

import "time"

// State is the explicit ad-unit lifecycle tag. It lives in the engine's
// side table, never inferred from markup.
type State int

const (
	StateUnregistered State = iota
	// StateQueued: observed and waiting for viewport proximity, or waiting
	// for a loaded slot to free up under the concurrency cap.
	StateQueued
	StateLoading
	StateLoaded
	// StateRetrying: a load failed and a backoff timer is pending.
	StateRetrying
	// StateFailed: retries exhausted; static fallback content is shown and
	// the unit is excluded from all future retry and refresh cycles.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateQueued:
		return "queued"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Unit is one ad container. Mutated only under the engine mutex.
type Unit struct {
	ID        string
	Name      string
	SessionID string
	Device    Device
	Slot      SlotConfig

	State    State
	Attempts int
	// Viewable is set once the performance tracker confirms a dwell-gated
	// viewable impression; only viewable units participate in auto-refresh.
	Viewable      bool
	FallbackShown bool

	RegisteredAt time.Time
	LoadedAt     time.Time
	LoadTimeMs   float64
}

// Snapshot is the exported read-only view of a unit.
type Snapshot struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	SessionID  string     `json:"session_id,omitempty"`
	Device     Device     `json:"device"`
	Slot       SlotConfig `json:"slot"`
	State      string     `json:"state"`
	Attempts   int        `json:"attempts"`
	Viewable   bool       `json:"viewable"`
	Fallback   bool       `json:"fallback"`
	LoadTimeMs float64    `json:"load_time_ms,omitempty"`
}

func (u *Unit) snapshot() Snapshot {
	return Snapshot{
		ID:         u.ID,
		Name:       u.Name,
		SessionID:  u.SessionID,
		Device:     u.Device,
		Slot:       u.Slot,
		State:      u.State.String(),
		Attempts:   u.Attempts,
		Viewable:   u.Viewable,
		Fallback:   u.FallbackShown,
		LoadTimeMs: u.LoadTimeMs,
	}
}
