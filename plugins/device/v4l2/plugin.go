// Package v4l2 is the Linux V4L2 stateful decoder backend.
package v4l2

import (
	"context"

	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pingostack/m2mdec/core/plugin"
	"github.com/pingostack/m2mdec/pkg/logger"
)

// DefaultPath is the stateful decoder node on Raspberry Pi 4 class boards.
const DefaultPath = "/dev/video10"

func init() {
	if err := plugin.RegisterDevicePlugin("v4l2", func(ctx context.Context, cfg plugin.DeviceConfig) (mode.Device, error) {
		path := cfg.Path
		if path == "" {
			path = DefaultPath
		}
		d, err := Open(path, logger.Default())
		if err != nil {
			return nil, err
		}
		return d, nil
	}); err != nil {
		panic(err)
	}
}
