package adserve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyDevice(t *testing.T) {
	cases := []struct {
		width int
		want  Device
	}{
		{320, DeviceMobile},
		{375, DeviceMobile},
		{767, DeviceMobile},
		{768, DeviceTablet},
		{1023, DeviceTablet},
		{1024, DeviceDesktop},
		{1920, DeviceDesktop},
		{0, DeviceMobile},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyDevice(tc.width), "width=%d", tc.width)
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	assert.Equal(t, 5, cfg.MaxAdsPerPage)
	assert.Equal(t, 200, cfg.LazyLoadMarginPx)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.RetryBackoff)
	assert.NotEmpty(t, cfg.Slots)

	// Partial configs keep their explicit values.
	cfg = Config{MaxAdsPerPage: 2, LazyLoadMarginPx: 400}
	cfg.applyDefaults()
	assert.Equal(t, 2, cfg.MaxAdsPerPage)
	assert.Equal(t, 400, cfg.LazyLoadMarginPx)
	assert.Equal(t, 3, cfg.MaxAttempts)
}

func TestSlotForDeviceTable(t *testing.T) {
	cfg := DefaultConfig()

	mobile := cfg.slotFor("result-top", DeviceMobile)
	assert.Equal(t, 320, mobile.Width)
	assert.Equal(t, 100, mobile.Height)

	desktop := cfg.slotFor("result-top", DeviceDesktop)
	assert.Equal(t, 728, desktop.Width)
	assert.Equal(t, 90, desktop.Height)

	// Same logical unit keeps the same network slot id across devices.
	assert.Equal(t, mobile.SlotID, desktop.SlotID)

	unknown := cfg.slotFor("not-configured", DeviceDesktop)
	assert.True(t, unknown.Fluid)
	assert.Equal(t, "auto", unknown.Format)
}
