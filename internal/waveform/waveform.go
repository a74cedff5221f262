// Package waveform synthesizes the fast- and slow-axis drive buffers of a
// raster scan.
package waveform

import (
	"rpoc-scan-go/internal/config"
	"rpoc-scan-go/internal/geometry"
	"rpoc-scan-go/internal/modulation"
	"rpoc-scan-go/internal/types"
)

// Waveform holds the two drive buffers. Dwell is set in variable mode only.
type Waveform struct {
	Fast  []float64
	Slow  []float64
	Dwell *types.DwellMap
}

func (w Waveform) Len() int {
	return len(w.Slow)
}

// Rows returns the buffers axis-major, matching output_channel_ids.
func (w Waveform) Rows() [][]float64 {
	return [][]float64{w.Fast, w.Slow}
}

// Synthesize builds the drive buffers for cfg. In variable mode dwellMask
// selects the cells that dwell longer; it is given at the logical
// steps_y x steps_x size and is resized as needed.
func Synthesize(cfg config.ScanConfig, g geometry.Geometry, dwellMask *modulation.Mask) (Waveform, error) {
	if !cfg.Variable() {
		return Uniform(cfg, g), nil
	}
	if dwellMask == nil {
		return Waveform{}, types.ValidationError("variable dwell requires a mask")
	}
	return Variable(cfg, g, *dwellMask)
}

// Uniform repeats every fast-axis level g.PixelSamples times and tiles the
// row g.TotalY times; the slow axis holds each level for one row.
func Uniform(cfg config.ScanConfig, g geometry.Geometry) Waveform {
	xs := FastLevels(cfg, g.TotalX)
	ys := SlowLevels(cfg, g.TotalY)

	fast := make([]float64, 0, g.TotalSamples)
	for row := 0; row < g.TotalY; row++ {
		for _, x := range xs {
			for i := 0; i < g.PixelSamples; i++ {
				fast = append(fast, x)
			}
		}
	}

	rowSamples := g.PixelSamples * g.TotalX
	slow := make([]float64, 0, g.TotalSamples)
	for _, y := range ys {
		for i := 0; i < rowSamples; i++ {
			slow = append(slow, y)
		}
	}

	return Waveform{Fast: fitLength(fast, len(slow)), Slow: slow}
}

// Variable holds each padded cell for its own sample count: active mask
// cells dwell dwell*dwell_multiplier, everything else including the settle
// columns dwells dwell.
func Variable(cfg config.ScanConfig, g geometry.Geometry, mask modulation.Mask) (Waveform, error) {
	padded, err := modulation.Prepare(mask, g)
	if err != nil {
		return Waveform{}, err
	}
	onSamples := geometry.SampleCount(cfg.Dwell*cfg.DwellMultiplier, cfg.SampleRate)
	offSamples := geometry.SampleCount(cfg.Dwell, cfg.SampleRate)

	xs := FastLevels(cfg, g.TotalX)
	ys := SlowLevels(cfg, g.TotalY)
	dwell := types.NewDwellMap(g.TotalY, g.TotalX)

	var fast, slow []float64
	for row := 0; row < g.TotalY; row++ {
		for col := 0; col < g.TotalX; col++ {
			n := offSamples
			if padded.At(row, col) {
				n = onSamples
			}
			dwell.Set(row, col, n)
			for i := 0; i < n; i++ {
				fast = append(fast, xs[col])
				slow = append(slow, ys[row])
			}
		}
	}
	return Waveform{Fast: fast, Slow: slow, Dwell: dwell}, nil
}

// FastLevels spans [offset-amplitude, offset+amplitude) in n even steps.
// The upper endpoint is excluded since it coincides with the next row's
// start.
func FastLevels(cfg config.ScanConfig, n int) []float64 {
	lo := cfg.OffsetX - cfg.AmplitudeX
	hi := cfg.OffsetX + cfg.AmplitudeX
	if cfg.FastAxisDescending {
		lo, hi = hi, lo
	}
	out := make([]float64, n)
	step := (hi - lo) / float64(n)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}

// SlowLevels spans [offset+amplitude, offset-amplitude] inclusive, top row
// first.
func SlowLevels(cfg config.ScanConfig, n int) []float64 {
	top := cfg.OffsetY + cfg.AmplitudeY
	bottom := cfg.OffsetY - cfg.AmplitudeY
	out := make([]float64, n)
	if n == 1 {
		out[0] = top
		return out
	}
	step := (bottom - top) / float64(n-1)
	for i := range out {
		out[i] = top + float64(i)*step
	}
	out[n-1] = bottom
	return out
}

// fitLength pads a short fast-axis buffer with its final value. The slow
// axis is the reference length and is never shortened.
func fitLength(fast []float64, n int) []float64 {
	if len(fast) >= n {
		return fast[:n]
	}
	last := 0.0
	if len(fast) > 0 {
		last = fast[len(fast)-1]
	}
	for len(fast) < n {
		fast = append(fast, last)
	}
	return fast
}
