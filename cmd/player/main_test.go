package main

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pingostack/m2mdec/core/config"
	"github.com/pingostack/m2mdec/pkg/logger"
)

func writeIVF(t *testing.T, frames int) string {
	t.Helper()
	header := make([]byte, 32)
	copy(header, "DKIF")
	binary.LittleEndian.PutUint16(header[6:], 32)
	copy(header[8:], "VP80")
	binary.LittleEndian.PutUint16(header[12:], 64)
	binary.LittleEndian.PutUint16(header[14:], 32)
	binary.LittleEndian.PutUint32(header[16:], 100)
	binary.LittleEndian.PutUint32(header[20:], 1)
	binary.LittleEndian.PutUint32(header[24:], uint32(frames))
	data := header
	for i := 0; i < frames; i++ {
		frame := []byte{0x11, byte(i)}
		if i == 0 {
			frame[0] = 0x10
		}
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh, uint32(len(frame)))
		binary.LittleEndian.PutUint64(fh[4:], uint64(i))
		data = append(append(data, fh...), frame...)
	}
	path := filepath.Join(t.TempDir(), "clip.ivf")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPlayFake(t *testing.T) {
	seek := 50 * time.Millisecond
	cfg := config.Default()
	cfg.Device.Name = "fake"
	cfg.Input.Path = writeIVF(t, 10)
	cfg.Seek = &seek
	if err := config.Validate(cfg); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := play(ctx, cfg, logger.Discard()); err != nil {
		t.Fatal(err)
	}
	if ctx.Err() != nil {
		t.Fatalf("playback did not finish: %v", ctx.Err())
	}
}
