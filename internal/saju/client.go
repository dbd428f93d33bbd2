package saju

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fourpillars/adpilot/internal/kv"
	"github.com/fourpillars/adpilot/internal/metrics"
)

const (
	lastCalculationKey = "saju:last_calculation"
	cacheTTL           = 24 * time.Hour
)

// ErrMissingField reports client-side validation failures.
var ErrMissingField = errors.New("missing required field")

// Client calls the external calculation service.
type Client struct {
	baseURL string
	http    *http.Client
	cache   kv.Store
	log     *zap.Logger
}

func NewClient(baseURL string, cache kv.Store, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		cache:   cache,
		log:     log,
	}
}

// Calculate posts birth data to the calculation endpoint. The result is
// cached as the last calculation; on network failure the cached result (if
// any) is returned with an error-free degraded path.
func (c *Client) Calculate(ctx context.Context, in PersonInput) (*CalculateResult, error) {
	if in.BirthDate == "" {
		return nil, fmt.Errorf("%w: birthDate", ErrMissingField)
	}
	if in.BirthTime == "" {
		return nil, fmt.Errorf("%w: birthTime", ErrMissingField)
	}
	if in.Gender == "" {
		return nil, fmt.Errorf("%w: gender", ErrMissingField)
	}

	var result CalculateResult
	if err := c.post(ctx, "/api/saju/calculate", in, &result); err != nil {
		if cached, ok := c.lastCalculation(ctx); ok {
			c.log.Warn("calculate failed, serving cached result", zap.Error(err))
			metrics.SajuFallbacks.WithLabelValues("calculate").Inc()
			return cached, nil
		}
		return nil, err
	}

	c.storeLastCalculation(ctx, &result)
	return &result, nil
}

// Compatibility posts both persons to the compatibility endpoint. On any
// failure it falls back to a deterministic locally computed score so the
// same two inputs always produce the same result.
func (c *Client) Compatibility(ctx context.Context, req CompatibilityRequest) (*CompatibilityResult, error) {
	if req.Person1.BirthDate == "" || req.Person2.BirthDate == "" {
		return nil, fmt.Errorf("%w: birthDate", ErrMissingField)
	}

	var result CompatibilityResult
	if err := c.post(ctx, "/api/saju/compatibility", req, &result); err != nil {
		c.log.Warn("compatibility failed, computing fallback", zap.Error(err))
		metrics.SajuFallbacks.WithLabelValues("compatibility").Inc()
		fb := FallbackCompatibility(req.Person1.BirthDate, req.Person2.BirthDate)
		return &fb, nil
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) lastCalculation(ctx context.Context) (*CalculateResult, bool) {
	if c.cache == nil {
		return nil, false
	}
	data, found, err := c.cache.Get(ctx, lastCalculationKey)
	if err != nil || !found {
		return nil, false
	}
	var result CalculateResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, false
	}
	return &result, true
}

func (c *Client) storeLastCalculation(ctx context.Context, result *CalculateResult) {
	if c.cache == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, lastCalculationKey, string(data), cacheTTL); err != nil {
		c.log.Warn("failed to cache calculation", zap.Error(err))
	}
}
