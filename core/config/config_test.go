package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func write(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "player.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(write(t, `
device:
  name: fake
input:
  path: clip.264
  width: 1920
  height: 1088
  frame_rate: 25
  crop: {width: 1920, height: 1080}
decoder:
  decoded_buffers: 6
seek: 1.5s
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Device.Name != "fake" || cfg.Input.Format != "h264" {
		t.Fatalf("device %q format %q", cfg.Device.Name, cfg.Input.Format)
	}
	if cfg.Decoder.EncodedBuffers != 2 || cfg.Decoder.DecodedBuffers != 6 || cfg.Decoder.PageSize != 4096 {
		t.Fatalf("decoder %+v", cfg.Decoder)
	}
	if cfg.Seek == nil || *cfg.Seek != 1500*time.Millisecond {
		t.Fatalf("seek %v", cfg.Seek)
	}
	if r := cfg.Input.Crop.Rect(); r.Width != 1920 || r.Height != 1080 {
		t.Fatalf("crop %s", r)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("log level %q", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no input", "device: {name: fake}\n", "input.path"},
		{"unknown extension", "input: {path: clip.mkv}\n", "input.format"},
		{"raw without size", "input: {path: clip.h264}\n", "input.width"},
		{"crop too large", "input: {path: a.ivf, width: 64, height: 32, crop: {width: 80, height: 32}}\n", "exceeds"},
		{"page size", "input: {path: a.ivf}\ndecoder: {page_size: 3000}\n", "power of two"},
		{"negative seek", "input: {path: a.ivf}\nseek: -1s\n", "negative"},
	}
	for _, c := range cases {
		_, err := Load(write(t, c.body))
		if err == nil || !strings.Contains(err.Error(), c.want) {
			t.Fatalf("%s: got %v, want %q", c.name, err, c.want)
		}
	}
}
