package processing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"rpoc-scan-go/internal/config"
	"rpoc-scan-go/internal/geometry"
	"rpoc-scan-go/internal/types"
)

func scenarioGeometry(t *testing.T, padLeft, padRight int, dwell float64) geometry.Geometry {
	t.Helper()
	cfg := config.Default()
	cfg.StepsX = 4
	cfg.StepsY = 2
	cfg.PadLeft = padLeft
	cfg.PadRight = padRight
	cfg.Dwell = dwell
	cfg.SampleRate = 1
	g, err := geometry.New(cfg)
	require.NoError(t, err)
	return g
}

func ascending(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i + 1)
	}
	return out
}

func TestReconstructScenario(t *testing.T) {
	g := scenarioGeometry(t, 0, 0, 1)
	require.Equal(t, 8, g.TotalSamples)

	frames, err := Reconstruct(types.RawAcquisition{
		Channels: []string{"ai0"},
		Samples:  [][]float64{ascending(8)},
	}, g, nil)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	want := mat.NewDense(2, 4, []float64{1, 2, 3, 4, 5, 6, 7, 8})
	assert.True(t, mat.Equal(want, frames[0].Data), "got %v", mat.Formatted(frames[0].Data))
}

func TestReconstructCropsPadding(t *testing.T) {
	g := scenarioGeometry(t, 1, 1, 1)
	require.Equal(t, 6, g.TotalX)

	frames, err := Reconstruct(types.RawAcquisition{
		Channels: []string{"ai0"},
		Samples:  [][]float64{ascending(12)},
	}, g, nil)
	require.NoError(t, err)
	rows, cols := frames[0].Dims()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 4, cols)
	want := mat.NewDense(2, 4, []float64{2, 3, 4, 5, 8, 9, 10, 11})
	assert.True(t, mat.Equal(want, frames[0].Data), "got %v", mat.Formatted(frames[0].Data))
}

func TestReconstructAsymmetricPadding(t *testing.T) {
	g := scenarioGeometry(t, 2, 0, 1)
	frames, err := Reconstruct(types.RawAcquisition{
		Channels: []string{"ai0"},
		Samples:  [][]float64{ascending(12)},
	}, g, nil)
	require.NoError(t, err)
	want := mat.NewDense(2, 4, []float64{3, 4, 5, 6, 9, 10, 11, 12})
	assert.True(t, mat.Equal(want, frames[0].Data))
}

func TestUniformRoundTripExact(t *testing.T) {
	g := scenarioGeometry(t, 1, 2, 5)
	require.Equal(t, 5, g.PixelSamples)

	// values that do not survive naive summation exactly
	value := func(row, col int) float64 { return 0.1*float64(row*g.TotalX+col) + 0.7 }
	raw := make([]float64, 0, g.TotalSamples)
	for row := 0; row < g.TotalY; row++ {
		for col := 0; col < g.TotalX; col++ {
			for i := 0; i < g.PixelSamples; i++ {
				raw = append(raw, value(row, col))
			}
		}
	}
	full, err := Uniform(raw, g)
	require.NoError(t, err)
	for row := 0; row < g.TotalY; row++ {
		for col := 0; col < g.TotalX; col++ {
			assert.Equal(t, value(row, col), full.At(row, col))
		}
	}

	frames, err := Reconstruct(types.RawAcquisition{Channels: []string{"a", "b"}, Samples: [][]float64{raw, raw}}, g, nil)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "b", frames[1].Channel)
	assert.Equal(t, value(1, g.PadLeft), frames[1].Data.At(1, 0))
}

func TestVariableRoundTripExact(t *testing.T) {
	g := scenarioGeometry(t, 1, 1, 1)
	dwell := types.NewDwellMap(g.TotalY, g.TotalX)
	for i := range dwell.Counts {
		dwell.Counts[i] = 1 + (i*7)%4
	}
	value := func(row, col int) float64 { return 1.0/3.0 + float64(row) - 0.3*float64(col) }
	var raw []float64
	for row := 0; row < g.TotalY; row++ {
		for col := 0; col < g.TotalX; col++ {
			for i := 0; i < dwell.At(row, col); i++ {
				raw = append(raw, value(row, col))
			}
		}
	}
	require.Equal(t, dwell.Sum(), len(raw))

	full, err := Variable(raw, dwell)
	require.NoError(t, err)
	for row := 0; row < g.TotalY; row++ {
		for col := 0; col < g.TotalX; col++ {
			assert.Equal(t, value(row, col), full.At(row, col))
		}
	}

	frames, err := Reconstruct(types.RawAcquisition{Channels: []string{"ai0"}, Samples: [][]float64{raw}}, g, dwell)
	require.NoError(t, err)
	rows, cols := frames[0].Dims()
	assert.Equal(t, g.StepsY, rows)
	assert.Equal(t, g.StepsX, cols)
	assert.Equal(t, value(0, 1), frames[0].Data.At(0, 0))
}

func TestVariableAveragesBlocks(t *testing.T) {
	dwell := &types.DwellMap{Rows: 1, Cols: 3, Counts: []int{1, 2, 3}}
	full, err := Variable([]float64{4, 1, 3, 2, 4, 6}, dwell)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 2, 4}, mat.Row(nil, 0, full))
}

func TestVariableCursorMismatch(t *testing.T) {
	dwell := &types.DwellMap{Rows: 1, Cols: 2, Counts: []int{2, 2}}

	_, err := Variable([]float64{1, 2, 3, 4, 5}, dwell)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrReconstruction))
	var scanErr *types.Error
	require.True(t, errors.As(err, &scanErr))
	assert.Equal(t, types.StageReconstructing, scanErr.Stage)
	assert.Equal(t, 4, scanErr.Expected)
	assert.Equal(t, 5, scanErr.Actual)

	_, err = Variable([]float64{1, 2, 3}, dwell)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrReconstruction))
}

func TestUniformLengthMismatch(t *testing.T) {
	g := scenarioGeometry(t, 0, 0, 1)
	_, err := Uniform(ascending(7), g)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrReconstruction))
	assert.Contains(t, err.Error(), "expected 8, got 7")
}

func TestSummarize(t *testing.T) {
	frame := types.Frame{Channel: "ai0", Data: mat.NewDense(2, 2, []float64{1, 2, 3, 6})}
	s := Summarize(frame)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 6.0, s.Max)
	assert.Equal(t, 3.0, s.Mean)
	assert.Equal(t, []float64{1, 2, 3, 6}, s.Values)

	snap := Snapshot("scan", 3, []types.Frame{frame})
	assert.Equal(t, "snapshot", snap.Type)
	assert.Equal(t, 3, snap.Frame)
	assert.Contains(t, snap.Data, "ai0")
}
