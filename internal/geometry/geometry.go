// Package geometry validates a scan configuration and derives the padded
// grid and sample counts every later stage agrees on.
package geometry

import (
	"math"

	"rpoc-scan-go/internal/config"
	"rpoc-scan-go/internal/types"
)

// sampleEpsilon absorbs binary rounding in dwell*rate products such as
// 10e-6*1e5, which must yield one sample and not zero.
const sampleEpsilon = 1e-9

// MaxTotalSamples bounds every per-channel buffer of one scan.
const MaxTotalSamples = math.MaxInt32

// Geometry is the derived layout of one scan. Padding is applied on the fast
// axis only.
type Geometry struct {
	StepsX       int
	StepsY       int
	PadLeft      int
	PadRight     int
	TotalX       int
	TotalY       int
	PixelSamples int
	TotalSamples int
	SampleRate   float64
}

// SampleCount converts a duration at rate into a whole number of samples,
// never less than one and never more than MaxTotalSamples.
func SampleCount(seconds, rate float64) int {
	p := math.Floor(seconds*rate + sampleEpsilon)
	if p >= MaxTotalSamples || math.IsNaN(p) {
		return MaxTotalSamples
	}
	if p < 1 {
		return 1
	}
	return int(p)
}

// mulBounded multiplies non-negative a and b, reporting false when the
// product exceeds MaxTotalSamples.
func mulBounded(a, b int) (int, bool) {
	if a < 0 || b < 0 || a > MaxTotalSamples || b > MaxTotalSamples {
		return 0, false
	}
	if a != 0 && b > MaxTotalSamples/a {
		return 0, false
	}
	return a * b, true
}

// New validates cfg and derives the uniform-dwell layout.
func New(cfg config.ScanConfig) (Geometry, error) {
	if cfg.StepsX < 1 || cfg.StepsY < 1 {
		return Geometry{}, types.ConfigError("steps must be >= 1 (steps_x=%d, steps_y=%d)", cfg.StepsX, cfg.StepsY)
	}
	if cfg.PadLeft < 0 || cfg.PadRight < 0 {
		return Geometry{}, types.ConfigError("padding must be >= 0 (pad_left=%d, pad_right=%d)", cfg.PadLeft, cfg.PadRight)
	}
	if !(cfg.SampleRate > 0) || math.IsInf(cfg.SampleRate, 0) {
		return Geometry{}, types.ConfigError("sample_rate must be > 0, got %v", cfg.SampleRate)
	}
	if !(cfg.Dwell > 0) || math.IsInf(cfg.Dwell, 0) {
		return Geometry{}, types.ConfigError("dwell must be > 0, got %v", cfg.Dwell)
	}
	if len(cfg.OutputChannelIDs) == 0 {
		return Geometry{}, types.ConfigError("output_channel_ids is empty")
	}
	if len(cfg.OutputChannelIDs) != 2 {
		return Geometry{}, types.ConfigError("output_channel_ids must name the fast and slow axis, got %d channels", len(cfg.OutputChannelIDs))
	}
	if len(cfg.InputChannelIDs) == 0 {
		return Geometry{}, types.ConfigError("input_channel_ids is empty")
	}
	if cfg.StepsX > MaxTotalSamples || cfg.StepsY > MaxTotalSamples ||
		cfg.PadLeft > MaxTotalSamples || cfg.PadRight > MaxTotalSamples {
		return Geometry{}, types.ConfigError("grid exceeds %d cells per axis", MaxTotalSamples)
	}
	if cfg.Dwell*cfg.SampleRate >= MaxTotalSamples {
		return Geometry{}, types.ConfigError("dwell %v s at %v Hz exceeds %d samples", cfg.Dwell, cfg.SampleRate, MaxTotalSamples)
	}
	switch cfg.Mode {
	case "", config.ModeUniform:
	case config.ModeVariable:
		if !(cfg.DwellMultiplier > 0) || math.IsInf(cfg.DwellMultiplier, 0) {
			return Geometry{}, types.ConfigError("dwell_multiplier must be > 0 in variable mode, got %v", cfg.DwellMultiplier)
		}
	default:
		return Geometry{}, types.ConfigError("unknown mode %q", cfg.Mode)
	}

	g := Geometry{
		StepsX:       cfg.StepsX,
		StepsY:       cfg.StepsY,
		PadLeft:      cfg.PadLeft,
		PadRight:     cfg.PadRight,
		TotalX:       cfg.StepsX + cfg.PadLeft + cfg.PadRight,
		TotalY:       cfg.StepsY,
		PixelSamples: SampleCount(cfg.Dwell, cfg.SampleRate),
		SampleRate:   cfg.SampleRate,
	}
	cells, ok := mulBounded(g.TotalX, g.TotalY)
	if !ok {
		return Geometry{}, types.ConfigError("grid %dx%d exceeds %d cells", g.TotalX, g.TotalY, MaxTotalSamples)
	}
	// Variable dwell can hold every cell for the long dwell.
	longest := g.PixelSamples
	if cfg.Mode == config.ModeVariable {
		if cfg.Dwell*cfg.DwellMultiplier*cfg.SampleRate >= MaxTotalSamples {
			return Geometry{}, types.ConfigError("long dwell exceeds %d samples", MaxTotalSamples)
		}
		longest = max(longest, SampleCount(cfg.Dwell*cfg.DwellMultiplier, cfg.SampleRate))
	}
	if _, ok := mulBounded(cells, longest); !ok {
		return Geometry{}, types.ConfigError("scan needs more than %d samples per channel", MaxTotalSamples)
	}
	g.TotalSamples = cells * g.PixelSamples
	if g.TotalSamples <= 0 {
		return Geometry{}, types.ConfigError("derived layout is empty (total_x=%d, total_y=%d, total_samples=%d)", g.TotalX, g.TotalY, g.TotalSamples)
	}
	return g, nil
}

// ActiveColumns returns the half-open column range kept after cropping.
func (g Geometry) ActiveColumns() (int, int) {
	return g.PadLeft, g.PadLeft + g.StepsX
}
