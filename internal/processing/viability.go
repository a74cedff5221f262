package processing

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"rpoc-scan-go/internal/modulation"
	"rpoc-scan-go/internal/types"
)

// Viability tracks how much a region of interest changes between repeated
// frames. Frames are kept per channel in a rolling history; frame i is
// subtracted from frame i+Window for i = 0, Window, 2*Window, ... and the
// spread of each ROI difference is reported alongside the pooled spread of
// all of them.
type Viability struct {
	Window  int
	History int

	roi     modulation.Mask
	fitted  modulation.Mask
	frames  map[string][]*mat.Dense
	order   []string
	rows    int
	cols    int
	started bool
}

// NewViability keeps up to history frames per channel. history must leave
// room for at least one pair of frames window apart.
func NewViability(roi modulation.Mask, window, history int) (*Viability, error) {
	if window < 1 {
		return nil, types.ConfigError("viability window must be >= 1, got %d", window)
	}
	if history <= window {
		return nil, types.ConfigError("viability history %d must exceed window %d", history, window)
	}
	if roi.Active() == 0 {
		return nil, types.ConfigError("viability ROI selects no pixels")
	}
	return &Viability{
		Window:  window,
		History: history,
		roi:     roi,
		frames:  make(map[string][]*mat.Dense),
	}, nil
}

// Add appends one scan's frames. The ROI is fitted to the first frame's
// shape; later frames must keep it.
func (v *Viability) Add(frames []types.Frame) error {
	for _, f := range frames {
		rows, cols := f.Dims()
		if !v.started {
			fitted, err := v.roi.Resize(rows, cols)
			if err != nil {
				return err
			}
			v.fitted, v.rows, v.cols, v.started = fitted, rows, cols, true
		}
		if rows != v.rows || cols != v.cols {
			return types.ValidationError("viability frame %s is %dx%d, history holds %dx%d", f.Channel, rows, cols, v.rows, v.cols)
		}
		hist, seen := v.frames[f.Channel]
		if !seen {
			v.order = append(v.order, f.Channel)
		}
		hist = append(hist, mat.DenseCopyOf(f.Data))
		if len(hist) > v.History {
			hist = hist[len(hist)-v.History:]
		}
		v.frames[f.Channel] = hist
	}
	return nil
}

// Report returns the difference spread of every channel that holds at least
// one frame pair.
func (v *Viability) Report() map[string]types.ViabilityReport {
	out := make(map[string]types.ViabilityReport)
	for _, ch := range v.order {
		hist := v.frames[ch]
		if len(hist) <= v.Window {
			continue
		}
		var (
			steps []float64
			all   []float64
		)
		for i := 0; i+v.Window < len(hist); i += v.Window {
			diff := v.roiDiff(hist[i], hist[i+v.Window])
			steps = append(steps, popStdDev(diff))
			all = append(all, diff...)
		}
		out[ch] = types.ViabilityReport{
			Frames: len(hist),
			Window: v.Window,
			Steps:  steps,
			Pooled: popStdDev(all),
		}
	}
	return out
}

func (v *Viability) roiDiff(earlier, later *mat.Dense) []float64 {
	diff := make([]float64, 0, v.fitted.Active())
	for r := 0; r < v.rows; r++ {
		for c := 0; c < v.cols; c++ {
			if v.fitted.At(r, c) {
				diff = append(diff, later.At(r, c)-earlier.At(r, c))
			}
		}
	}
	return diff
}

// popStdDev is the population standard deviation; zero for fewer than two
// values.
func popStdDev(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	return math.Sqrt(stat.PopVariance(x, nil))
}

func (v *Viability) String() string {
	return fmt.Sprintf("viability(window=%d, history=%d, roi=%d px)", v.Window, v.History, v.roi.Active())
}
