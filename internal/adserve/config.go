package adserve

import "time"

// SlotConfig describes the ad creative a container should reserve space
// for: the network slot id, the pixel box, and the format flag. Reserving
// the box before load keeps the surrounding layout stable when the
// creative arrives.
type SlotConfig struct {
	SlotID string `json:"slot_id" yaml:"slot_id"`
	Width  int    `json:"width" yaml:"width"`
	Height int    `json:"height" yaml:"height"`
	// Format is the network format hint ("auto", "rectangle", "horizontal").
	Format string `json:"format" yaml:"format"`
	// Fluid slots reserve no fixed box and let the creative size itself.
	Fluid bool `json:"fluid,omitempty" yaml:"fluid,omitempty"`
}

// Config controls delivery behavior. Zero values are replaced by the
// defaults below.
type Config struct {
	// MaxAdsPerPage caps concurrently loaded units; registrations beyond
	// the cap queue FIFO until a loaded slot frees up.
	MaxAdsPerPage int `yaml:"max_ads_per_page"`
	// LazyLoadMarginPx loads a unit once it is within this many pixels of
	// the viewport.
	LazyLoadMarginPx int `yaml:"lazy_load_margin_px"`
	// MinVisibleFraction also triggers a load at this visibility, whichever
	// signal arrives first.
	MinVisibleFraction float64 `yaml:"min_visible_fraction"`
	// RefreshInterval drives the auto-refresh loop over viewable units.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// MaxAttempts bounds load attempts before the unit degrades to static
	// fallback content.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// Slots maps a logical unit name to its per-device slot table.
	Slots map[string]map[Device]SlotConfig `yaml:"slots"`
}

// DefaultConfig returns the production slot table for the saju pages.
func DefaultConfig() Config {
	return Config{
		MaxAdsPerPage:      5,
		LazyLoadMarginPx:   200,
		MinVisibleFraction: 0.01,
		RefreshInterval:    30 * time.Second,
		MaxAttempts:        3,
		RetryBackoff:       5 * time.Second,
		Slots: map[string]map[Device]SlotConfig{
			"result-top": {
				DeviceMobile:  {SlotID: "4810321639", Width: 320, Height: 100, Format: "horizontal"},
				DeviceTablet:  {SlotID: "4810321639", Width: 468, Height: 60, Format: "horizontal"},
				DeviceDesktop: {SlotID: "4810321639", Width: 728, Height: 90, Format: "horizontal"},
			},
			"result-bottom": {
				DeviceMobile:  {SlotID: "9156314625", Width: 300, Height: 250, Format: "rectangle"},
				DeviceTablet:  {SlotID: "9156314625", Width: 336, Height: 280, Format: "rectangle"},
				DeviceDesktop: {SlotID: "9156314625", Width: 336, Height: 280, Format: "rectangle"},
			},
			"compatibility-mid": {
				DeviceMobile:  {SlotID: "2741935860", Width: 300, Height: 250, Format: "rectangle"},
				DeviceTablet:  {SlotID: "2741935860", Width: 336, Height: 280, Format: "rectangle"},
				DeviceDesktop: {SlotID: "2741935860", Width: 728, Height: 90, Format: "horizontal"},
			},
			"sidebar": {
				DeviceMobile:  {Fluid: true, SlotID: "6473920158", Format: "auto"},
				DeviceTablet:  {SlotID: "6473920158", Width: 300, Height: 600, Format: "vertical"},
				DeviceDesktop: {SlotID: "6473920158", Width: 300, Height: 600, Format: "vertical"},
			},
		},
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxAdsPerPage <= 0 {
		c.MaxAdsPerPage = d.MaxAdsPerPage
	}
	if c.LazyLoadMarginPx <= 0 {
		c.LazyLoadMarginPx = d.LazyLoadMarginPx
	}
	if c.MinVisibleFraction <= 0 {
		c.MinVisibleFraction = d.MinVisibleFraction
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = d.RefreshInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.Slots == nil {
		c.Slots = d.Slots
	}
}

// slotFor resolves the slot for a unit name and device class, falling back
// to a fluid auto slot for unknown names.
func (c *Config) slotFor(name string, device Device) SlotConfig {
	if byDevice, ok := c.Slots[name]; ok {
		if slot, ok := byDevice[device]; ok {
			return slot
		}
	}
	return SlotConfig{Fluid: true, Format: "auto"}
}
