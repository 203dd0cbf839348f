//go:build !linux

package v4l2

import (
	"runtime"

	"github.com/pingostack/m2mdec/core/errcode"
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pingostack/m2mdec/pkg/logger"
	"github.com/pkg/errors"
)

func Open(path string, log logger.Logger) (mode.Device, error) {
	return nil, errors.Wrapf(errcode.ErrUnsupportedFormat, "v4l2 on %s", runtime.GOOS)
}
