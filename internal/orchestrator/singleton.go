package orchestrator

import "sync"

var (
	globalMu sync.Mutex
	global   *Integration
)

// Shared returns the process-lifetime integration, constructing it on first
// call. Re-initialization after that returns the existing instance so
// repeated page/server bootstraps never duplicate subscriptions or
// double-count events.
func Shared(deps Deps) *Integration {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global == nil {
		global = New(deps)
	}
	return global
}

// ResetShared drops the shared instance. Tests only.
func ResetShared() {
	globalMu.Lock()
	global = nil
	globalMu.Unlock()
}
