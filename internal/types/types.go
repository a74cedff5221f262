package types

import (
	"gonum.org/v1/gonum/mat"
)

// Frame is one reconstructed image for a single input channel.
type Frame struct {
	Channel string
	Data    *mat.Dense
}

// Dims returns rows (steps_y) and columns (steps_x).
func (f Frame) Dims() (int, int) {
	if f.Data == nil {
		return 0, 0
	}
	return f.Data.Dims()
}

// DwellMap holds the sample count consumed by each cell of the padded scan
// grid, row-major. It is produced once by waveform synthesis and consumed by
// both the modulation encoder and the reconstructor.
type DwellMap struct {
	Rows   int   `cbor:"rows" json:"rows"`
	Cols   int   `cbor:"cols" json:"cols"`
	Counts []int `cbor:"counts" json:"counts"`
}

func NewDwellMap(rows, cols int) *DwellMap {
	return &DwellMap{
		Rows:   rows,
		Cols:   cols,
		Counts: make([]int, rows*cols),
	}
}

func (d *DwellMap) At(row, col int) int {
	return d.Counts[row*d.Cols+col]
}

func (d *DwellMap) Set(row, col, samples int) {
	d.Counts[row*d.Cols+col] = samples
}

// Sum is the total number of samples the map accounts for.
func (d *DwellMap) Sum() int {
	total := 0
	for _, n := range d.Counts {
		total += n
	}
	return total
}

// RawAcquisition is the analog input stream returned by the device, one
// buffer per input channel in the order the channels were requested.
type RawAcquisition struct {
	Channels []string
	Samples  [][]float64
}

// DigitalBuffer is the digital output timeline. A single line is carried as
// Bits; several lines sharing a port are carried as Packed, where bit k of
// each sample is the value of Lines[k].
type DigitalBuffer struct {
	Port   string
	Lines  []string
	Bits   []bool
	Packed []uint32
}

func (d DigitalBuffer) IsPacked() bool {
	return len(d.Lines) > 1
}

func (d DigitalBuffer) Len() int {
	if d.IsPacked() {
		return len(d.Packed)
	}
	return len(d.Bits)
}

// Line decodes the timeline of Lines[k].
func (d DigitalBuffer) Line(k int) []bool {
	if !d.IsPacked() {
		if k != 0 {
			return nil
		}
		out := make([]bool, len(d.Bits))
		copy(out, d.Bits)
		return out
	}
	if k < 0 || k >= len(d.Lines) {
		return nil
	}
	out := make([]bool, len(d.Packed))
	mask := uint32(1) << uint(k)
	for i, word := range d.Packed {
		out[i] = word&mask != 0
	}
	return out
}
