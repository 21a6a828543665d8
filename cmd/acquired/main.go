// Command acquired is the structured-light acquisition daemon: it
// wires projectors and cameras per a JSON config file, runs the
// engine's HTTP control and live-view surface, and tears everything
// down on Ctrl-C.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/maruel/interrupt"

	"github.com/sl3dscan/acquire/camera/backend"
	"github.com/sl3dscan/acquire/camera/backend/backendtest"
	"github.com/sl3dscan/acquire/control"
	"github.com/sl3dscan/acquire/coordinator"
	"github.com/sl3dscan/acquire/decoder"
	"github.com/sl3dscan/acquire/display"
	"github.com/sl3dscan/acquire/pattern"
	"github.com/sl3dscan/acquire/presenter"
)

func mainImpl() error {
	cpuprofile := flag.String("cpuprofile", "", "dump CPU profile in file")
	port := flag.Int("port", 8010, "http port to listen on")
	configPath := flag.String("config", "acquired.json", "path to the engine JSON config file")
	doWriteConfig := flag.Bool("writeConfig", false, "write the default config file and exit")
	flag.Parse()

	if len(flag.Args()) != 0 {
		return fmt.Errorf("unexpected argument: %s", flag.Args())
	}

	if *doWriteConfig {
		return writeConfig(*configPath, defaultConfig())
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	interrupt.HandleCtrlC()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	surface := control.New(cfg.Session, cfg.Method, cfg.OutputRoot)
	defer surface.Shutdown()

	ctx := context.Background()
	if err := wireProjectors(ctx, surface, cfg); err != nil {
		return err
	}

	if err := surface.Coordinator.ApplyConfig(coordinator.Config{
		LowWatermark:    cfg.LowWatermark,
		HighWatermark:   cfg.HighWatermark,
		SavePNG:         cfg.SavePNG,
		SaveRaw:         cfg.SaveRaw,
		RefreshFallback: refreshFallback,
	}); err != nil {
		return fmt.Errorf("acquired: apply config: %w", err)
	}

	srv := startWebServer(*port, surface)
	defer srv.Close()

	fmt.Printf("acquired: session %q listening on %d\n", cfg.Session, *port)
	<-interrupt.Channel
	fmt.Print("\n")
	return nil
}

// wireProjectors adds every projector and camera named in cfg to
// surface, using a software display surface and a directory-replay
// pattern decoder/camera backend so the daemon runs end to end without
// any real projector or camera hardware attached.
func wireProjectors(ctx context.Context, surface *control.Surface, cfg Config) error {
	for _, pc := range cfg.Projectors {
		refresh := durationMS(1000)
		if pc.RefreshHz > 0 {
			refresh = durationFromHz(pc.RefreshHz)
		}
		dec := decoder.NewDirDecoder(pc.PatternDir)
		patterns := pattern.New(0, 0)
		if pc.PatternDir != "" {
			q, err := loadPatternSequence(pc.PatternDir, dec, 0, 0)
			if err != nil {
				return err
			}
			patterns = q
		}

		pid := surface.AddProjector(presenter.Config{
			RefreshPeriod:   refresh,
			Delay:           durationMS(pc.DelayMS),
			Exposure:        durationMS(pc.ExposureMS),
			ConcurrentDelay: pc.ConcurrentDelay,
			SavePNG:         cfg.SavePNG,
			SaveRaw:         cfg.SaveRaw,
			LiveView:        true,
		}, display.NewFake(refresh), dec, patterns)

		for _, cc := range pc.Cameras {
			format, err := parsePixelFormat(cc.Format)
			if err != nil {
				return err
			}
			be := cameraBackend(cc)
			if _, err := surface.AddCamera(ctx, pid, cc.UniqueIdentifier, be, coordinator.CameraConfig{
				Exposure:    durationMS(cc.ExposureMS),
				Format:      format,
				RingBuffers: cc.RingBuffers,
			}, control.PersistenceConfig{
				SavePNG:       cfg.SavePNG,
				SaveRaw:       cfg.SaveRaw,
				HighWatermark: cfg.HighWatermark,
				LowWatermark:  cfg.LowWatermark,
			}); err != nil {
				return fmt.Errorf("acquired: add camera %s: %w", cc.UniqueIdentifier, err)
			}
		}
	}
	return nil
}

// cameraBackend picks backend.FromFile when the camera config names a
// watch directory, falling back to an already-exhausted Playback
// (effectively a disarmed no-op camera) otherwise; a daemon started
// with an incomplete config should not panic on missing hardware.
func cameraBackend(cc CameraConfig) backend.Backend {
	if cc.Dir != "" {
		return backend.NewFromFile(cc.Dir)
	}
	return &backendtest.Playback{ID: cc.UniqueIdentifier}
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "\nacquired: %s.\n", err)
		os.Exit(1)
	}
}
