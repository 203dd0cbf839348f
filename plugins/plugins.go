// Package plugins registers every built-in device backend and reader.
package plugins

import (
	_ "github.com/pingostack/m2mdec/plugins/device/fake"
	_ "github.com/pingostack/m2mdec/plugins/device/v4l2"
	_ "github.com/pingostack/m2mdec/plugins/reader"
)
