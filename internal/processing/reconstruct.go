package processing

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"rpoc-scan-go/internal/geometry"
	"rpoc-scan-go/internal/types"
)

// Reconstruct turns every channel of raw into a cropped steps_y x steps_x
// frame. A nil dwell map means uniform dwell.
func Reconstruct(raw types.RawAcquisition, g geometry.Geometry, dwell *types.DwellMap) ([]types.Frame, error) {
	if len(raw.Samples) != len(raw.Channels) {
		return nil, types.LengthError(types.ErrReconstruction, types.StageReconstructing,
			"channel count does not match sample buffers", len(raw.Channels), len(raw.Samples))
	}
	frames := make([]types.Frame, 0, len(raw.Channels))
	for i, channel := range raw.Channels {
		var (
			full *mat.Dense
			err  error
		)
		if dwell == nil {
			full, err = Uniform(raw.Samples[i], g)
		} else {
			full, err = Variable(raw.Samples[i], dwell)
		}
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", channel, err)
		}
		cropped, err := Crop(full, g)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", channel, err)
		}
		frames = append(frames, types.Frame{Channel: channel, Data: cropped})
	}
	return frames, nil
}

// Uniform averages consecutive blocks of g.PixelSamples samples into the
// padded total_y x total_x grid.
func Uniform(samples []float64, g geometry.Geometry) (*mat.Dense, error) {
	if len(samples) != g.TotalSamples {
		return nil, types.LengthError(types.ErrReconstruction, types.StageReconstructing,
			"raw stream length does not match uniform layout", g.TotalSamples, len(samples))
	}
	out := mat.NewDense(g.TotalY, g.TotalX, nil)
	cursor := 0
	for row := 0; row < g.TotalY; row++ {
		for col := 0; col < g.TotalX; col++ {
			out.Set(row, col, blockMean(samples[cursor:cursor+g.PixelSamples]))
			cursor += g.PixelSamples
		}
	}
	return out, nil
}

// Variable walks the dwell map row-major, averaging exactly the recorded
// number of samples per cell. The cursor has to finish on the last sample.
func Variable(samples []float64, dwell *types.DwellMap) (*mat.Dense, error) {
	if dwell.Rows < 1 || dwell.Cols < 1 || len(dwell.Counts) != dwell.Rows*dwell.Cols {
		return nil, types.LengthError(types.ErrReconstruction, types.StageReconstructing,
			"dwell map cell count does not match its shape", dwell.Rows*dwell.Cols, len(dwell.Counts))
	}
	out := mat.NewDense(dwell.Rows, dwell.Cols, nil)
	cursor := 0
	for row := 0; row < dwell.Rows; row++ {
		for col := 0; col < dwell.Cols; col++ {
			n := dwell.At(row, col)
			if n < 1 {
				return nil, &types.Error{
					Kind:  types.ErrReconstruction,
					Stage: types.StageReconstructing,
					Msg:   fmt.Sprintf("cell (%d,%d) has dwell %d", row, col, n),
				}
			}
			if cursor+n > len(samples) {
				return nil, types.LengthError(types.ErrReconstruction, types.StageReconstructing,
					fmt.Sprintf("raw stream ends inside cell (%d,%d)", row, col), dwell.Sum(), len(samples))
			}
			out.Set(row, col, blockMean(samples[cursor:cursor+n]))
			cursor += n
		}
	}
	if cursor != len(samples) {
		return nil, types.LengthError(types.ErrReconstruction, types.StageReconstructing,
			"raw stream has samples past the last cell", cursor, len(samples))
	}
	return out, nil
}

// Crop keeps the active columns [pad_left, pad_left+steps_x).
func Crop(full *mat.Dense, g geometry.Geometry) (*mat.Dense, error) {
	rows, cols := full.Dims()
	if rows != g.TotalY || cols != g.TotalX {
		return nil, types.LengthError(types.ErrReconstruction, types.StageReconstructing,
			"padded grid width does not match geometry", g.TotalX, cols)
	}
	lo, hi := g.ActiveColumns()
	return mat.DenseCopyOf(full.Slice(0, rows, lo, hi)), nil
}

// blockMean is a running mean, which stays exact when every sample of the
// block holds the same value.
func blockMean(block []float64) float64 {
	mean := 0.0
	for i, v := range block {
		mean += (v - mean) / float64(i+1)
	}
	return mean
}
