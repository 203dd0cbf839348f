package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingostack/m2mdec/core/audio"
	"github.com/pingostack/m2mdec/core/clock"
	"github.com/pingostack/m2mdec/core/config"
	"github.com/pingostack/m2mdec/core/decoder"
	"github.com/pingostack/m2mdec/core/mode"
	"github.com/pingostack/m2mdec/core/plugin"
	_ "github.com/pingostack/m2mdec/plugins"
	"github.com/pingostack/m2mdec/plugins/reader"
	"github.com/pingostack/m2mdec/pkg/event"
	"github.com/pingostack/m2mdec/pkg/logger"
	"github.com/pkg/errors"
)

const (
	renderTick = 2 * time.Millisecond
	// pictures may still arrive after the end of stream event
	drainAfterEOS = 100 * time.Millisecond
)

func parseConfig() (*config.Config, error) {
	var (
		path      = flag.String("config", "", "YAML configuration file, other flags are ignored when set")
		device    = flag.String("device", "v4l2", fmt.Sprintf("decoder backend %v", plugin.DevicePlugins()))
		node      = flag.String("node", "", "device node of the v4l2 backend")
		format    = flag.String("format", "", fmt.Sprintf("input format %v, guessed from the extension when empty", plugin.ReaderPlugins()))
		width     = flag.Int("width", 0, "picture width of raw h264")
		height    = flag.Int("height", 0, "picture height of raw h264")
		fps       = flag.Float64("fps", 0, "frame rate of raw h264")
		audioPath = flag.String("audio", "", "Ogg Opus track played along")
		seek      = flag.Duration("seek", -1, "seek there after the first frame")
		level     = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	if *path != "" {
		return config.Load(*path)
	}
	if flag.NArg() != 1 {
		return nil, errors.New("usage: player [flags] <input>")
	}
	cfg := config.Default()
	cfg.Device = config.DeviceConfig{Name: *device, Path: *node}
	cfg.Input = config.InputConfig{
		Path:      flag.Arg(0),
		Format:    *format,
		Width:     *width,
		Height:    *height,
		FrameRate: *fps,
	}
	cfg.Audio.Path = *audioPath
	cfg.Log.Level = *level
	if *seek >= 0 {
		cfg.Seek = seek
	}
	return cfg, config.Validate(cfg)
}

func main() {
	cfg, err := parseConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.WithFields(map[string]interface{}{
		"input":  cfg.Input.Path,
		"device": cfg.Device.Name,
	})
	if err := play(ctx, cfg, log); err != nil {
		log.WithError(err).Error("playback failed")
		os.Exit(1)
	}
}

func play(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	in, err := os.Open(cfg.Input.Path)
	if err != nil {
		return errors.Wrap(err, "open input")
	}
	defer in.Close()

	video, err := plugin.CreateReaderPlugin(ctx, cfg.Input.Format, plugin.ReaderConfig{
		Input:     in,
		Width:     cfg.Input.Width,
		Height:    cfg.Input.Height,
		FrameRate: cfg.Input.FrameRate,
		Crop:      cfg.Input.Crop.Rect(),
	})
	if err != nil {
		return errors.Wrapf(err, "read %s", cfg.Input.Path)
	}
	info := video.Info()
	log.WithFields(map[string]interface{}{
		"codec":    info.Codec,
		"size":     fmt.Sprintf("%dx%d", info.Width, info.Height),
		"duration": info.Duration,
	}).Info("input indexed")

	device, err := plugin.CreateDevicePlugin(ctx, cfg.Device.Name, plugin.DeviceConfig{Path: cfg.Device.Path})
	if err != nil {
		return errors.Wrap(err, "create device")
	}

	clk := clock.New()
	eos := event.New()
	opts := []decoder.Option{
		decoder.WithLogger(log),
		decoder.WithBuffers(cfg.Decoder.EncodedBuffers, cfg.Decoder.DecodedBuffers),
		decoder.WithPageSize(cfg.Decoder.PageSize),
		decoder.WithClock(clk),
		decoder.WithOnEndOfStream(eos.Set),
		decoder.WithOnResolutionChange(func(f mode.Format) {
			log.Infof("resolution changed to %s", f)
		}),
	}
	if crop := cfg.Input.Crop.Rect(); !crop.Empty() {
		opts = append(opts, decoder.WithCropRect(crop))
	}

	if cfg.Audio.Path != "" {
		af, err := os.Open(cfg.Audio.Path)
		if err != nil {
			return errors.Wrap(err, "open audio")
		}
		defer af.Close()
		track, err := reader.OpenOgg(af)
		if err != nil {
			return errors.Wrapf(err, "read %s", cfg.Audio.Path)
		}
		sink := audio.NewSink(ctx, clk,
			audio.WithCapacity(cfg.Audio.Capacity),
			audio.WithLogger(log.WithField("track", "audio")),
			audio.WithOnPlay(func(au *mode.AccessUnit) {
				log.Debugf("audio %v, %d bytes", au.Timestamp, len(au.Data))
			}),
		)
		defer sink.Close()
		opts = append(opts, decoder.WithAudio(track, sink))
	}

	dec := decoder.New(device, opts...)
	defer dec.Close()
	if err := dec.Start(ctx, video); err != nil {
		return err
	}
	return render(ctx, dec, clk, eos, cfg.Seek, log)
}

// render shows frames when the clock reaches them and returns them at once.
func render(ctx context.Context, dec *decoder.Decoder, clk *clock.Clock, eos *event.Event, seek *time.Duration, log logger.Logger) error {
	ticker := time.NewTicker(renderTick)
	defer ticker.Stop()

	shown := 0
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			log.Info("interrupted")
			return nil
		case <-dec.Done():
			return dec.MarshalPendingError()
		case <-ticker.C:
		}

		if err := dec.MarshalPendingError(); err != nil {
			return err
		}
		ts, ok := dec.NextFramePresentationTime()
		if !ok {
			if eos.IsSet() && dec.State() == decoder.StateRunning && time.Since(last) > drainAfterEOS {
				log.Infof("end of stream after %d frames", shown)
				return nil
			}
			continue
		}
		if shown == 0 && dec.State() == decoder.StateRunning {
			clk.Seek(ts)
			clk.VideoReady()
		}
		if !clk.Due(ts) {
			continue
		}

		frame, err := dec.DequeueReadyFrame()
		if err != nil {
			return err
		}
		fmt.Printf("%12v  buffer %d\n", frame.Timestamp, frame.Index)
		if err := dec.ReturnBuffer(frame.Index); err != nil {
			return err
		}
		shown++
		last = time.Now()

		if seek != nil && shown == 1 {
			log.Infof("seeking to %v", *seek)
			clk.Seek(*seek)
			eos.Reset()
			dec.RequestSeek(*seek)
			seek = nil
		}
	}
}
