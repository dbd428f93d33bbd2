package adserve

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Loader performs the actual ad fetch for a unit. The engine owns lifecycle
// and retry; the loader is just the network step, so tests swap in fakes
// and the degraded path can bypass the engine entirely.
type Loader interface {
	Load(ctx context.Context, unit Snapshot) error
}

const defaultScriptURL = "https://pagead2.googlesyndication.com/pagead/js/adsbygoogle.js"

// TagLoader confirms the network tag is reachable for the configured
// publisher before a unit is marked loaded. The creative itself renders in
// the browser; a failing tag here is the signal to back off server-side.
type TagLoader struct {
	client    *http.Client
	scriptURL string
	clientID  string
}

func NewTagLoader(clientID string) *TagLoader {
	return &TagLoader{
		client:    &http.Client{Timeout: 10 * time.Second},
		scriptURL: defaultScriptURL,
		clientID:  clientID,
	}
}

func (l *TagLoader) Load(ctx context.Context, unit Snapshot) error {
	url := fmt.Sprintf("%s?client=%s&slot=%s", l.scriptURL, l.clientID, unit.Slot.SlotID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build tag request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("ad tag fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("ad tag returned status %d", resp.StatusCode)
	}
	return nil
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, unit Snapshot) error

func (f LoaderFunc) Load(ctx context.Context, unit Snapshot) error {
	return f(ctx, unit)
}
