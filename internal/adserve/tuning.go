package adserve

// Live tuning hooks used when a winning experiment variant is applied
// globally. Loaded units keep their current creative; new loads pick up
// the changed values.

// SetLazyLoadMargin adjusts the viewport-proximity load margin.
func (e *Engine) SetLazyLoadMargin(px int) {
	if px <= 0 {
		return
	}
	e.mu.Lock()
	e.cfg.LazyLoadMarginPx = px
	e.mu.Unlock()
}

// SetMaxAdsPerPage adjusts the concurrency cap. Raising it promotes queued
// units immediately; lowering it only affects future loads.
func (e *Engine) SetMaxAdsPerPage(n int) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	e.cfg.MaxAdsPerPage = n
	e.promoteLocked()
	e.mu.Unlock()
}

// Margin returns the current lazy-load margin in pixels.
func (e *Engine) Margin() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.LazyLoadMarginPx
}
