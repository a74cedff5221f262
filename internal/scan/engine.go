// Package scan composes one raster scan: geometry, drive synthesis,
// modulation encoding, synchronized acquisition and reconstruction.
package scan

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rpoc-scan-go/internal/acquisition"
	"rpoc-scan-go/internal/config"
	"rpoc-scan-go/internal/geometry"
	"rpoc-scan-go/internal/modulation"
	"rpoc-scan-go/internal/processing"
	"rpoc-scan-go/internal/types"
	"rpoc-scan-go/internal/waveform"
)

// Request is one scan call. Masks are given one per modulation line at any
// resolution. In variable mode DwellMask picks the cells that dwell longer;
// without it the first modulation mask is used. An empty ScanID gets a fresh
// UUID.
type Request struct {
	ScanID    string
	Config    config.ScanConfig
	DwellMask *modulation.Mask
	Masks     []modulation.Mask
	Frame     int
}

type Result struct {
	ScanID   string
	Frame    int
	Geometry geometry.Geometry
	Frames   []types.Frame
	// Dwell is nil for uniform scans.
	Dwell   *types.DwellMap
	Raw     types.RawAcquisition
	Elapsed time.Duration
}

type Engine struct {
	session *acquisition.Session
	log     zerolog.Logger
}

func NewEngine(session *acquisition.Session, logger zerolog.Logger) *Engine {
	return &Engine{session: session, log: logger}
}

// Scan runs one frame. Configuration and validation problems are reported
// before the device is touched; nothing partial is returned on failure.
func (e *Engine) Scan(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	scanID := req.ScanID
	if scanID == "" {
		scanID = uuid.NewString()
	}
	log := e.log.With().Str("scan_id", scanID).Int("frame", req.Frame).Logger()

	res, err := e.scan(ctx, scanID, req, log)
	if err != nil {
		log.Error().Err(err).Stringer("stage", types.StageOf(err)).Msg("scan failed")
		return Result{}, err
	}
	res.Elapsed = time.Since(start)
	log.Info().
		Str("mode", req.Config.Mode).
		Int("steps_x", res.Geometry.StepsX).
		Int("steps_y", res.Geometry.StepsY).
		Int("samples", len(res.Raw.Samples[0])).
		Dur("elapsed", res.Elapsed).
		Msg("scan complete")
	return res, nil
}

func (e *Engine) scan(ctx context.Context, scanID string, req Request, log zerolog.Logger) (Result, error) {
	cfg := req.Config
	g, err := geometry.New(cfg)
	if err != nil {
		return Result{}, err
	}
	if cfg.DeviceID != e.session.DeviceID() {
		return Result{}, types.ConfigError("device %q requested, session holds %q", cfg.DeviceID, e.session.DeviceID())
	}
	if !cfg.Modulated() && len(req.Masks) > 0 {
		return Result{}, types.ValidationError("%d masks given without modulation lines", len(req.Masks))
	}

	var dwellMask *modulation.Mask
	if cfg.Variable() {
		dwellMask = req.DwellMask
		if dwellMask == nil && len(req.Masks) > 0 {
			dwellMask = &req.Masks[0]
		}
	}
	wf, err := waveform.Synthesize(cfg, g, dwellMask)
	if err != nil {
		return Result{}, err
	}

	var digital *types.DigitalBuffer
	if cfg.Modulated() {
		buf, err := modulation.Encode(cfg.ModulationLineIDs, req.Masks, g, wf.Dwell)
		if err != nil {
			return Result{}, err
		}
		digital = &buf
	}
	log.Debug().Int("samples", wf.Len()).Bool("digital", digital != nil).Msg("buffers synthesized")

	raw, err := e.session.Acquire(ctx, acquisition.Plan{
		ScanID:       scanID,
		Outputs:      cfg.OutputChannelIDs,
		Inputs:       cfg.InputChannelIDs,
		SampleRate:   cfg.SampleRate,
		TotalSamples: wf.Len(),
		Drive:        wf.Rows(),
		Digital:      digital,
	})
	if err != nil {
		return Result{}, err
	}

	frames, err := processing.Reconstruct(raw, g, wf.Dwell)
	if err != nil {
		return Result{}, err
	}
	return Result{
		ScanID:   scanID,
		Frame:    req.Frame,
		Geometry: g,
		Frames:   frames,
		Dwell:    wf.Dwell,
		Raw:      raw,
	}, nil
}
