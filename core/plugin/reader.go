package plugin

import (
	"context"
	"io"

	"github.com/pingostack/m2mdec/core/mode"
)

// ReaderConfig carries what a container lacks. Raw elementary streams need
// the geometry and frame rate from the caller.
type ReaderConfig struct {
	Input     io.Reader
	Width     int
	Height    int
	FrameRate float64
	Crop      mode.Rect
}

var readerPlugins = newRegistry[mode.VideoReader, string, ReaderConfig]("reader")

func RegisterReaderPlugin(format string, create func(ctx context.Context, cfg ReaderConfig) (mode.VideoReader, error)) error {
	return readerPlugins.register(format, create)
}

func CreateReaderPlugin(ctx context.Context, format string, cfg ReaderConfig) (mode.VideoReader, error) {
	return readerPlugins.create(ctx, format, cfg)
}

func ReaderPlugins() []string {
	return readerPlugins.names(func(s string) string { return s })
}
