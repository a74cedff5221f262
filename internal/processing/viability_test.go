package processing

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"rpoc-scan-go/internal/modulation"
	"rpoc-scan-go/internal/types"
)

func leftColumnROI(t *testing.T) modulation.Mask {
	t.Helper()
	// 1x2, stretched over the 2x2 frames below.
	roi, err := modulation.FromBools([][]bool{{true, false}})
	require.NoError(t, err)
	return roi
}

func frame2x2(vals ...float64) []types.Frame {
	return []types.Frame{{Channel: "ai0", Data: mat.NewDense(2, 2, vals)}}
}

func TestViabilityStepsAndPooled(t *testing.T) {
	v, err := NewViability(leftColumnROI(t), 1, 3)
	require.NoError(t, err)

	require.NoError(t, v.Add(frame2x2(0, 0, 0, 0)))
	assert.Empty(t, v.Report())

	// ROI differences {1, 3}: the right column never counts.
	require.NoError(t, v.Add(frame2x2(1, 100, 3, 100)))
	// ROI differences {0, 0}.
	require.NoError(t, v.Add(frame2x2(1, -5, 3, 7)))

	rep := v.Report()["ai0"]
	assert.Equal(t, 3, rep.Frames)
	assert.Equal(t, 1, rep.Window)
	assert.InDeltaSlice(t, []float64{1, 0}, rep.Steps, 1e-12)
	assert.InDelta(t, math.Sqrt(1.5), rep.Pooled, 1e-12)

	// The oldest frame rolls out; differences are {0, 0} then {4, 0}.
	require.NoError(t, v.Add(frame2x2(5, 0, 3, 0)))
	rep = v.Report()["ai0"]
	assert.Equal(t, 3, rep.Frames)
	assert.InDeltaSlice(t, []float64{0, 2}, rep.Steps, 1e-12)
	assert.InDelta(t, math.Sqrt(3), rep.Pooled, 1e-12)
}

func TestViabilityWindowSkipsFrames(t *testing.T) {
	v, err := NewViability(leftColumnROI(t), 2, 3)
	require.NoError(t, err)
	require.NoError(t, v.Add(frame2x2(0, 0, 0, 0)))
	require.NoError(t, v.Add(frame2x2(9, 9, 9, 9)))
	assert.Empty(t, v.Report())
	require.NoError(t, v.Add(frame2x2(1, 0, 3, 0)))

	rep := v.Report()["ai0"]
	assert.InDeltaSlice(t, []float64{1}, rep.Steps, 1e-12)
	assert.InDelta(t, 1, rep.Pooled, 1e-12)
}

func TestViabilityRejects(t *testing.T) {
	roi := leftColumnROI(t)
	_, err := NewViability(roi, 0, 4)
	assert.True(t, errors.Is(err, types.ErrConfig))
	_, err = NewViability(roi, 2, 2)
	assert.True(t, errors.Is(err, types.ErrConfig))
	_, err = NewViability(modulation.NewMask(2, 2), 1, 4)
	assert.True(t, errors.Is(err, types.ErrConfig))

	v, err := NewViability(roi, 1, 4)
	require.NoError(t, err)
	require.NoError(t, v.Add(frame2x2(0, 0, 0, 0)))
	err = v.Add([]types.Frame{{Channel: "ai0", Data: mat.NewDense(1, 2, []float64{0, 0})}})
	assert.True(t, errors.Is(err, types.ErrValidation))
}
