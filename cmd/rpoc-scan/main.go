package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"rpoc-scan-go/internal/acquisition"
	"rpoc-scan-go/internal/config"
	"rpoc-scan-go/internal/daqlink"
	"rpoc-scan-go/internal/modulation"
	"rpoc-scan-go/internal/output"
	"rpoc-scan-go/internal/processing"
	"rpoc-scan-go/internal/scan"
	"rpoc-scan-go/internal/server"
	"rpoc-scan-go/internal/simulator"
	"rpoc-scan-go/internal/types"
)

func main() {
	var (
		port          = flag.Int("port", 8888, "HTTP port for the live feed (0 disables it)")
		scanConfig    = flag.String("config", "", "Scan config file (yaml, toml or json)")
		dwellMask     = flag.String("dwell-mask", "", "Mask image selecting long-dwell pixels in variable mode")
		simulate      = flag.Bool("simulate", false, "Use the in-process simulated device")
		simRealtime   = flag.Bool("sim-realtime", false, "Pace simulated scans at the sample rate")
		simNoise      = flag.Float64("sim-noise", 0.01, "Simulated noise standard deviation")
		endpoint      = flag.String("endpoint", "tcp://localhost:5555", "ZMQ endpoint of the DAQ bridge")
		frames        = flag.Int("frames", 1, "Number of frames to scan (0 scans until interrupted)")
		frameInterval = flag.Duration("frame-interval", 0, "Pause between frames")
		frameRetries  = flag.Int("frame-retries", 2, "Retries of a frame lost to a device timeout before giving up")
		drainMargin   = flag.Duration("drain-margin", acquisition.MinDrainMargin, "Slack added to the nominal scan duration when waiting for the device")
		rawLogEnabled = flag.Bool("raw-log", false, "Write every scan's raw samples to disk")
		rawLogDir     = flag.String("raw-log-dir", "rawlog", "Directory for raw scan logs")
		logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		viabilityROI  = flag.String("viability-roi", "", "Mask image of the region tracked for frame-to-frame change")
		viabilityWin  = flag.Int("viability-window", 1, "Frames between the two frames of each viability difference")
		viabilityHist = flag.Int("viability-history", 16, "Frames kept per channel for viability tracking")
	)
	flag.Parse()

	cfg := config.AppConfig{
		Port:             *port,
		ScanConfigPath:   *scanConfig,
		Simulate:         *simulate,
		SimRealtime:      *simRealtime,
		SimNoise:         *simNoise,
		DeviceEndpoint:   *endpoint,
		Frames:           *frames,
		FrameInterval:    *frameInterval,
		FrameRetries:     *frameRetries,
		DrainMargin:      *drainMargin,
		RawLogEnabled:    *rawLogEnabled,
		RawLogDir:        *rawLogDir,
		LogLevel:         *logLevel,
		ViabilityROIPath: *viabilityROI,
		ViabilityWindow:  *viabilityWin,
		ViabilityHistory: *viabilityHist,
	}

	logger := newLogger(cfg.LogLevel)
	if err := run(cfg, *dwellMask, logger); err != nil {
		logger.Fatal().Err(err).Stringer("stage", types.StageOf(err)).Msg("rpoc-scan stopped")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

func loadMask(path string) (modulation.Mask, error) {
	f, err := os.Open(path)
	if err != nil {
		return modulation.Mask{}, err
	}
	defer f.Close()
	m, err := modulation.Decode(f)
	if err != nil {
		return modulation.Mask{}, fmt.Errorf("mask %s: %w", path, err)
	}
	return m, nil
}

func run(cfg config.AppConfig, dwellMaskPath string, logger zerolog.Logger) error {
	scanCfg, err := config.Load(cfg.ScanConfigPath)
	if err != nil {
		return err
	}

	masks := make([]modulation.Mask, 0, len(scanCfg.Masks))
	for _, path := range scanCfg.Masks {
		m, err := loadMask(path)
		if err != nil {
			return err
		}
		masks = append(masks, m)
	}
	var dwell *modulation.Mask
	if dwellMaskPath != "" {
		m, err := loadMask(dwellMaskPath)
		if err != nil {
			return err
		}
		dwell = &m
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc := &scanner{
		template: scan.Request{
			Config:    scanCfg,
			DwellMask: dwell,
			Masks:     masks,
		},
		frames:    cfg.Frames,
		interval:  cfg.FrameInterval,
		retries:   cfg.FrameRetries,
		simulated: cfg.Simulate,
		log:       logger,
	}
	if cfg.Port > 0 {
		sc.events = make(chan any, 64)
	}
	if cfg.ViabilityROIPath != "" {
		roi, err := loadMask(cfg.ViabilityROIPath)
		if err != nil {
			return err
		}
		sc.viability, err = processing.NewViability(roi, cfg.ViabilityWindow, cfg.ViabilityHistory)
		if err != nil {
			return err
		}
		logger.Info().Stringer("tracker", sc.viability).Msg("viability tracking enabled")
	}

	var driver acquisition.Driver
	if cfg.Simulate {
		driver = simulator.New(simulator.Config{
			Noise:    cfg.SimNoise,
			Realtime: cfg.SimRealtime,
			Seed:     time.Now().UnixNano(),
		})
		logger.Info().Msg("using simulated device")
	} else {
		driver = daqlink.New(cfg.DeviceEndpoint, daqlink.WithLogger(logger))
		logger.Info().Str("endpoint", cfg.DeviceEndpoint).Msg("using DAQ bridge")
	}

	session := acquisition.NewSession(driver, scanCfg.DeviceID,
		acquisition.WithLogger(logger),
		acquisition.WithDrainMargin(cfg.DrainMargin),
		acquisition.WithTransitionHook(sc.onTransition),
	)
	if err := session.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn().Err(err).Msg("session close failed")
		}
	}()
	sc.session = session
	sc.engine = scan.NewEngine(session, logger)

	if cfg.RawLogEnabled {
		rawLog, err := output.NewRawLogWriter(cfg.RawLogDir, "scan")
		if err != nil {
			return fmt.Errorf("start raw log: %w", err)
		}
		defer func() {
			if err := rawLog.Close(); err != nil {
				logger.Warn().Err(err).Msg("raw log close failed")
			}
		}()
		sc.rawLog = rawLog
		logger.Info().Str("path", rawLog.Path()).Msg("recording raw scans")
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Port > 0 {
		srv := server.New(cfg.Port, scanCfg, sc, logger)
		g.Go(func() error {
			return srv.Run(gctx, sc.events)
		})
	}
	g.Go(func() error {
		// Stop serving once the requested frames are done.
		defer stop()
		return sc.run(gctx)
	})
	return g.Wait()
}
