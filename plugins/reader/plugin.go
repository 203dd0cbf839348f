package reader

import (
	"context"

	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pingostack/m2mdec/core/plugin"
)

func init() {
	if err := plugin.RegisterReaderPlugin("h264", func(ctx context.Context, cfg plugin.ReaderConfig) (mode.VideoReader, error) {
		return OpenH264(cfg.Input, RawOptions{
			Width:     cfg.Width,
			Height:    cfg.Height,
			FrameRate: cfg.FrameRate,
			Crop:      cfg.Crop,
		})
	}); err != nil {
		panic(err)
	}

	if err := plugin.RegisterReaderPlugin("ivf", func(ctx context.Context, cfg plugin.ReaderConfig) (mode.VideoReader, error) {
		return OpenIVF(cfg.Input)
	}); err != nil {
		panic(err)
	}
}
