// Package config loads the player configuration from YAML.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Input   InputConfig   `yaml:"input"`
	Audio   AudioConfig   `yaml:"audio"`
	Decoder DecoderConfig `yaml:"decoder"`
	Log     LogConfig     `yaml:"log"`
	// Seek, when set, jumps there once the first frame was shown.
	Seek *time.Duration `yaml:"seek,omitempty"`
}

type DeviceConfig struct {
	Name string `yaml:"name"` // v4l2, fake
	Path string `yaml:"path"`
}

type InputConfig struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"` // h264, ivf; guessed from the extension when empty
	// raw H.264 carries neither geometry nor timing
	Width     int        `yaml:"width"`
	Height    int        `yaml:"height"`
	FrameRate float64    `yaml:"frame_rate"`
	Crop      CropConfig `yaml:"crop"`
}

type CropConfig struct {
	Left   int `yaml:"left"`
	Top    int `yaml:"top"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

func (c CropConfig) Rect() mode.Rect {
	return mode.Rect{Left: c.Left, Top: c.Top, Width: c.Width, Height: c.Height}
}

// AudioConfig names an optional Ogg Opus track played alongside the video.
type AudioConfig struct {
	Path     string `yaml:"path"`
	Capacity int    `yaml:"capacity"`
}

type DecoderConfig struct {
	EncodedBuffers int `yaml:"encoded_buffers"`
	DecodedBuffers int `yaml:"decoded_buffers"`
	PageSize       int `yaml:"page_size"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Default() *Config {
	return &Config{
		Device: DeviceConfig{Name: "v4l2"},
		Decoder: DecoderConfig{
			EncodedBuffers: 2,
			DecodedBuffers: 4,
			PageSize:       4096,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

var formatByExt = map[string]string{
	".h264": "h264",
	".264":  "h264",
	".ivf":  "ivf",
}

// Validate fills in derived defaults and rejects unusable settings.
func Validate(cfg *Config) error {
	if cfg.Device.Name == "" {
		cfg.Device.Name = "v4l2"
	}
	if cfg.Input.Path == "" {
		return errors.New("input.path is required")
	}
	if cfg.Input.Format == "" {
		cfg.Input.Format = formatByExt[strings.ToLower(filepath.Ext(cfg.Input.Path))]
		if cfg.Input.Format == "" {
			return errors.Errorf("input.format is required for %s", cfg.Input.Path)
		}
	}
	if cfg.Input.Format == "h264" && (cfg.Input.Width <= 0 || cfg.Input.Height <= 0) {
		return errors.New("input.width and input.height are required for raw h264")
	}
	if cfg.Input.FrameRate < 0 {
		return errors.New("input.frame_rate must be >= 0")
	}
	crop := cfg.Input.Crop
	if crop.Left < 0 || crop.Top < 0 || crop.Width < 0 || crop.Height < 0 {
		return errors.Errorf("input.crop %+v has negative fields", crop)
	}
	if cfg.Input.Width > 0 && crop.Left+crop.Width > cfg.Input.Width ||
		cfg.Input.Height > 0 && crop.Top+crop.Height > cfg.Input.Height {
		return errors.Errorf("input.crop %s exceeds %dx%d", crop.Rect(), cfg.Input.Width, cfg.Input.Height)
	}

	if cfg.Decoder.EncodedBuffers <= 0 {
		cfg.Decoder.EncodedBuffers = 2
	}
	if cfg.Decoder.DecodedBuffers <= 0 {
		cfg.Decoder.DecodedBuffers = 4
	}
	if cfg.Decoder.PageSize <= 0 {
		cfg.Decoder.PageSize = 4096
	}
	if cfg.Decoder.PageSize&(cfg.Decoder.PageSize-1) != 0 {
		return errors.Errorf("decoder.page_size %d is not a power of two", cfg.Decoder.PageSize)
	}
	if cfg.Audio.Capacity <= 0 {
		cfg.Audio.Capacity = 8
	}
	if cfg.Seek != nil && *cfg.Seek < 0 {
		return errors.Errorf("seek %v is negative", *cfg.Seek)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	return nil
}
