// Package modulation turns per-line masks into digital output timelines that
// line up sample-for-sample with the scan drive buffers.
package modulation

import (
	"strings"

	"rpoc-scan-go/internal/geometry"
	"rpoc-scan-go/internal/types"
)

// MaxPackedLines is the widest port a packed buffer can carry.
const MaxPackedLines = 32

// Port returns the port part of a line id such as "port0/line5" or
// "Dev1/port0/line5".
func Port(lineID string) string {
	idx := strings.LastIndex(lineID, "/")
	if idx <= 0 {
		return ""
	}
	return lineID[:idx]
}

// Prepare resizes a logical mask onto the active grid and pads it with
// inactive settle columns, yielding a mask of the padded scan grid.
func Prepare(m Mask, g geometry.Geometry) (Mask, error) {
	resized, err := m.Resize(g.StepsY, g.StepsX)
	if err != nil {
		return Mask{}, err
	}
	if resized.Rows != g.StepsY || resized.Cols != g.StepsX {
		return Mask{}, types.ValidationError("resized mask is %dx%d, scan grid is %dx%d", resized.Rows, resized.Cols, g.StepsY, g.StepsX)
	}
	return resized.Padded(g.PadLeft, g.PadRight), nil
}

// Encode expands one mask per line into the digital timeline. With a nil
// dwell map every cell lasts g.PixelSamples samples; otherwise each cell
// lasts as long as the dwell map says.
func Encode(lineIDs []string, masks []Mask, g geometry.Geometry, dwell *types.DwellMap) (types.DigitalBuffer, error) {
	if len(lineIDs) == 0 {
		return types.DigitalBuffer{}, types.ValidationError("no modulation lines requested")
	}
	if len(lineIDs) != len(masks) {
		return types.DigitalBuffer{}, types.ValidationError("%d modulation lines but %d masks", len(lineIDs), len(masks))
	}
	if len(lineIDs) > MaxPackedLines {
		return types.DigitalBuffer{}, types.ValidationError("%d modulation lines exceed the %d-line port width", len(lineIDs), MaxPackedLines)
	}
	for i, m := range masks[1:] {
		if m.Rows != masks[0].Rows || m.Cols != masks[0].Cols {
			return types.DigitalBuffer{}, types.ValidationError("mask %d is %dx%d, mask 0 is %dx%d", i+1, m.Rows, m.Cols, masks[0].Rows, masks[0].Cols)
		}
	}
	port := Port(lineIDs[0])
	if len(lineIDs) > 1 {
		for _, id := range lineIDs {
			p := Port(id)
			if p == "" {
				return types.DigitalBuffer{}, types.ValidationError("line %q names no port", id)
			}
			if p != port {
				return types.DigitalBuffer{}, types.ValidationError("lines %q and %q are on different ports", lineIDs[0], id)
			}
		}
	}

	total := g.TotalSamples
	if dwell != nil {
		if dwell.Rows != g.TotalY || dwell.Cols != g.TotalX {
			return types.DigitalBuffer{}, types.ValidationError("dwell map is %dx%d, scan grid is %dx%d", dwell.Rows, dwell.Cols, g.TotalY, g.TotalX)
		}
		total = dwell.Sum()
	}

	lines := make([][]bool, len(masks))
	for k, m := range masks {
		padded, err := Prepare(m, g)
		if err != nil {
			return types.DigitalBuffer{}, err
		}
		lines[k] = expand(padded, g, dwell, total)
	}

	out := types.DigitalBuffer{
		Port:  port,
		Lines: append([]string(nil), lineIDs...),
	}
	if len(lines) == 1 {
		out.Bits = lines[0]
		return out, nil
	}
	out.Packed = Pack(lines)
	return out, nil
}

func expand(m Mask, g geometry.Geometry, dwell *types.DwellMap, total int) []bool {
	out := make([]bool, 0, total)
	for r := 0; r < m.Rows; r++ {
		for c := 0; c < m.Cols; c++ {
			n := g.PixelSamples
			if dwell != nil {
				n = dwell.At(r, c)
			}
			v := m.At(r, c)
			for i := 0; i < n; i++ {
				out = append(out, v)
			}
		}
	}
	return out
}

// Pack merges equal-length line timelines into one word per sample, bit k
// holding lines[k].
func Pack(lines [][]bool) []uint32 {
	if len(lines) == 0 {
		return nil
	}
	out := make([]uint32, len(lines[0]))
	for bit, line := range lines {
		for i, v := range line {
			if v {
				out[i] |= 1 << uint(bit)
			}
		}
	}
	return out
}
