package waveform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpoc-scan-go/internal/config"
	"rpoc-scan-go/internal/geometry"
	"rpoc-scan-go/internal/modulation"
)

func testConfig() config.ScanConfig {
	cfg := config.Default()
	cfg.StepsX = 4
	cfg.StepsY = 3
	cfg.PadLeft = 1
	cfg.PadRight = 2
	cfg.OffsetX = 0.5
	cfg.OffsetY = -0.25
	cfg.AmplitudeX = 1
	cfg.AmplitudeY = 0.5
	cfg.Dwell = 3e-4
	cfg.SampleRate = 10000
	return cfg
}

func mustGeometry(t *testing.T, cfg config.ScanConfig) geometry.Geometry {
	t.Helper()
	g, err := geometry.New(cfg)
	require.NoError(t, err)
	return g
}

func TestUniformLengths(t *testing.T) {
	for _, cfg := range []config.ScanConfig{testConfig(), config.Default()} {
		g := mustGeometry(t, cfg)
		w := Uniform(cfg, g)
		assert.Len(t, w.Fast, g.TotalX*g.TotalY*g.PixelSamples)
		assert.Len(t, w.Slow, g.TotalX*g.TotalY*g.PixelSamples)
		assert.Nil(t, w.Dwell)
	}
}

func TestUniformLayout(t *testing.T) {
	cfg := testConfig()
	g := mustGeometry(t, cfg)
	require.Equal(t, 3, g.PixelSamples)
	w := Uniform(cfg, g)

	xs := FastLevels(cfg, g.TotalX)
	ys := SlowLevels(cfg, g.TotalY)
	for i := range w.Fast {
		col := (i / g.PixelSamples) % g.TotalX
		row := i / (g.PixelSamples * g.TotalX)
		assert.Equal(t, xs[col], w.Fast[i], "fast sample %d", i)
		assert.Equal(t, ys[row], w.Slow[i], "slow sample %d", i)
	}
}

func TestFastLevelsHalfOpen(t *testing.T) {
	cfg := testConfig()
	xs := FastLevels(cfg, 4)
	assert.InDeltaSlice(t, []float64{-0.5, 0, 0.5, 1.0}, xs, 1e-12)

	cfg.FastAxisDescending = true
	xs = FastLevels(cfg, 4)
	assert.InDeltaSlice(t, []float64{1.5, 1.0, 0.5, 0}, xs, 1e-12)
}

func TestSlowLevelsDescendingInclusive(t *testing.T) {
	cfg := testConfig()
	ys := SlowLevels(cfg, 3)
	assert.InDeltaSlice(t, []float64{0.25, -0.25, -0.75}, ys, 1e-12)
	assert.Equal(t, []float64{0.25}, SlowLevels(cfg, 1))
}

func TestFitLengthPadsWithLastValue(t *testing.T) {
	assert.Equal(t, []float64{1, 2, 2, 2}, fitLength([]float64{1, 2}, 4))
	assert.Equal(t, []float64{1, 2}, fitLength([]float64{1, 2, 3}, 2))
}

func TestVariableDwellMap(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = config.ModeVariable
	cfg.DwellMultiplier = 2
	g := mustGeometry(t, cfg)

	mask := modulation.NewMask(3, 4)
	mask.Set(0, 0, true)
	mask.Set(1, 2, true)
	mask.Set(2, 3, true)

	w, err := Synthesize(cfg, g, &mask)
	require.NoError(t, err)
	require.NotNil(t, w.Dwell)
	assert.Equal(t, w.Dwell.Sum(), len(w.Fast))
	assert.Equal(t, w.Dwell.Sum(), len(w.Slow))
	assert.Equal(t, g.TotalY, w.Dwell.Rows)
	assert.Equal(t, g.TotalX, w.Dwell.Cols)

	// settle columns never dwell longer
	for row := 0; row < g.TotalY; row++ {
		assert.Equal(t, 3, w.Dwell.At(row, 0))
		assert.Equal(t, 3, w.Dwell.At(row, g.TotalX-1))
		assert.Equal(t, 3, w.Dwell.At(row, g.TotalX-2))
	}
	assert.Equal(t, 6, w.Dwell.At(0, 1))
	assert.Equal(t, 6, w.Dwell.At(1, 3))
	assert.Equal(t, 6, w.Dwell.At(2, 4))
	assert.Equal(t, 3, w.Dwell.At(0, 2))
	assert.Equal(t, g.TotalSamples+3*3, w.Dwell.Sum())
}

func TestVariableLevelsPerPixel(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = config.ModeVariable
	cfg.DwellMultiplier = 3
	g := mustGeometry(t, cfg)
	mask := modulation.NewMask(3, 4)
	mask.Set(1, 1, true)

	w, err := Synthesize(cfg, g, &mask)
	require.NoError(t, err)

	xs := FastLevels(cfg, g.TotalX)
	ys := SlowLevels(cfg, g.TotalY)
	cursor := 0
	for row := 0; row < g.TotalY; row++ {
		for col := 0; col < g.TotalX; col++ {
			n := w.Dwell.At(row, col)
			for i := 0; i < n; i++ {
				require.Equal(t, xs[col], w.Fast[cursor])
				require.Equal(t, ys[row], w.Slow[cursor])
				cursor++
			}
		}
	}
	assert.Equal(t, len(w.Fast), cursor)
}

func TestVariableResizesMask(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = config.ModeVariable
	g := mustGeometry(t, cfg)

	mask := modulation.NewMask(6, 8)
	for i := range mask.Cells {
		mask.Cells[i] = true
	}
	w, err := Synthesize(cfg, g, &mask)
	require.NoError(t, err)
	assert.Equal(t, g.TotalY*(g.StepsX*6+(g.PadLeft+g.PadRight)*3), w.Dwell.Sum())
}

func TestVariableRequiresMask(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = config.ModeVariable
	g := mustGeometry(t, cfg)
	_, err := Synthesize(cfg, g, nil)
	require.Error(t, err)
}
