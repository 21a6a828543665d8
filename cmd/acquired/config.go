package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"periph.io/x/periph/conn/physic"

	"github.com/sl3dscan/acquire/camera/backend"
)

// CameraConfig describes one camera to wire at startup, replaying PNG
// files dropped into Dir the way backend.FromFile is designed for.
type CameraConfig struct {
	UniqueIdentifier string
	Dir              string
	ExposureMS       int
	Format           string
	RingBuffers      int
}

// ProjectorConfig describes one projector and its attached cameras.
type ProjectorConfig struct {
	RefreshHz       float64
	DelayMS         int
	ExposureMS      int
	ConcurrentDelay bool
	PatternDir      string
	Cameras         []CameraConfig
}

// Config is the engine-wide configuration loaded from a JSON file and
// overridden by a handful of process-level flags (port, config path,
// cpuprofile), the same split cmd/lepton/main.go's Config struct and
// flag.String calls make.
type Config struct {
	Session    string
	Method     string
	OutputRoot string

	LowWatermark  int
	HighWatermark int

	SavePNG bool
	SaveRaw bool

	Projectors []ProjectorConfig
}

func defaultConfig() Config {
	return Config{
		Session:       "session",
		Method:        "gray-code",
		OutputRoot:    "acquisitions",
		LowWatermark:  4,
		HighWatermark: 8,
		SavePNG:       true,
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("acquired: decode config %s: %w", path, err)
	}
	return cfg, nil
}

func writeConfig(path string, cfg Config) error {
	data, err := json.MarshalIndent(&cfg, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func parsePixelFormat(s string) (backend.PixelFormat, error) {
	switch s {
	case "", "gray8":
		return backend.PixelFormatGray8, nil
	case "gray16":
		return backend.PixelFormatGray16, nil
	case "bgr8":
		return backend.PixelFormatBGR8, nil
	case "bgra8":
		return backend.PixelFormatBGRA8, nil
	default:
		return 0, fmt.Errorf("acquired: unknown pixel format %q", s)
	}
}

// refreshFallback is passed to coordinator.Config.RefreshFallback;
// 60Hz matches spec.md's worked examples. ApplyConfig does not apply
// that field to any projector.
var refreshFallback = 60 * physic.Hertz

func durationMS(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func durationFromHz(hz float64) time.Duration {
	return time.Duration(float64(time.Second) / hz)
}
