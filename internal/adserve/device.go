package adserve

// Device is the viewport-derived device class used to pick slot sizes.
type Device string

const (
	DeviceMobile  Device = "mobile"
	DeviceTablet  Device = "tablet"
	DeviceDesktop Device = "desktop"
)

const (
	mobileMaxWidth = 768
	tabletMaxWidth = 1024
)

// ClassifyDevice maps a viewport width in pixels to a device class.
func ClassifyDevice(viewportWidth int) Device {
	switch {
	case viewportWidth < mobileMaxWidth:
		return DeviceMobile
	case viewportWidth < tabletMaxWidth:
		return DeviceTablet
	default:
		return DeviceDesktop
	}
}
