package fake

import (
	"context"

	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pingostack/m2mdec/core/plugin"
)

func init() {
	if err := plugin.RegisterDevicePlugin("fake", func(ctx context.Context, cfg plugin.DeviceConfig) (mode.Device, error) {
		// holds pictures back like a decoder with B-frames in flight
		return New(WithDPBDepth(2)), nil
	}); err != nil {
		panic(err)
	}
}
