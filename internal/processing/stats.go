package processing

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"rpoc-scan-go/internal/types"
)

// Flatten copies a frame row-major.
func Flatten(m *mat.Dense) []float64 {
	rows, cols := m.Dims()
	out := make([]float64, 0, rows*cols)
	for r := 0; r < rows; r++ {
		out = append(out, mat.Row(nil, r, m)...)
	}
	return out
}

// Summarize returns the frame values with min, max and mean.
func Summarize(frame types.Frame) types.ChannelSnapshot {
	rows, cols := frame.Dims()
	if rows == 0 || cols == 0 {
		return types.ChannelSnapshot{}
	}
	values := Flatten(frame.Data)
	return types.ChannelSnapshot{
		Rows:   rows,
		Cols:   cols,
		Values: values,
		Min:    floats.Min(values),
		Max:    floats.Max(values),
		Mean:   stat.Mean(values, nil),
	}
}

// Snapshot builds the live-feed message for one scan.
func Snapshot(scanID string, index int, frames []types.Frame) types.UISnapshot {
	data := make(map[string]types.ChannelSnapshot, len(frames))
	for _, f := range frames {
		data[f.Channel] = Summarize(f)
	}
	return types.UISnapshot{
		Type:   types.MessageSnapshot,
		ScanID: scanID,
		Frame:  index,
		Data:   data,
	}
}
