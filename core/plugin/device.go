package plugin

import (
	"context"

	"github.com/pingostack/m2mdec/core/mode"
)

// DeviceConfig is handed to a device backend.
type DeviceConfig struct {
	// Path is the device node, ignored by backends without one.
	Path string
}

var devicePlugins = newRegistry[mode.Device, string, DeviceConfig]("device")

func RegisterDevicePlugin(name string, create func(ctx context.Context, cfg DeviceConfig) (mode.Device, error)) error {
	return devicePlugins.register(name, create)
}

func CreateDevicePlugin(ctx context.Context, name string, cfg DeviceConfig) (mode.Device, error) {
	return devicePlugins.create(ctx, name, cfg)
}

func DevicePlugins() []string {
	return devicePlugins.names(func(s string) string { return s })
}
