package modulation

import (
	"fmt"
	"image"
	"image/color"
	"io"

	// Mask sources arrive as PNG, TIFF or BMP.
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"rpoc-scan-go/internal/types"
)

// grayMidpoint is the midpoint of the 16-bit gray range. A pixel is active
// when strictly above it.
const grayMidpoint = 0x7FFF

// Mask is a binary grid, row-major.
type Mask struct {
	Rows  int
	Cols  int
	Cells []bool
}

func NewMask(rows, cols int) Mask {
	return Mask{Rows: rows, Cols: cols, Cells: make([]bool, rows*cols)}
}

// FromBools copies a rectangular bool grid.
func FromBools(grid [][]bool) (Mask, error) {
	if len(grid) == 0 || len(grid[0]) == 0 {
		return Mask{}, types.ValidationError("mask is empty")
	}
	m := NewMask(len(grid), len(grid[0]))
	for r, row := range grid {
		if len(row) != m.Cols {
			return Mask{}, types.ValidationError("mask row %d has %d cells, want %d", r, len(row), m.Cols)
		}
		copy(m.Cells[r*m.Cols:(r+1)*m.Cols], row)
	}
	return m, nil
}

// FromImage thresholds img at the midpoint of its representable range.
func FromImage(img image.Image) Mask {
	b := img.Bounds()
	m := NewMask(b.Dy(), b.Dx())
	if gray, ok := img.(*image.Gray); ok {
		for y := 0; y < m.Rows; y++ {
			for x := 0; x < m.Cols; x++ {
				m.Cells[y*m.Cols+x] = gray.GrayAt(b.Min.X+x, b.Min.Y+y).Y > 127
			}
		}
		return m
	}
	for y := 0; y < m.Rows; y++ {
		for x := 0; x < m.Cols; x++ {
			g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			m.Cells[y*m.Cols+x] = g.Y > grayMidpoint
		}
	}
	return m
}

// Decode reads a mask image from r.
func Decode(r io.Reader) (Mask, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return Mask{}, fmt.Errorf("decode mask: %w", err)
	}
	m := FromImage(img)
	if m.Rows == 0 || m.Cols == 0 {
		return Mask{}, types.ValidationError("%s mask is empty", format)
	}
	return m, nil
}

func (m Mask) At(row, col int) bool {
	return m.Cells[row*m.Cols+col]
}

func (m Mask) Set(row, col int, active bool) {
	m.Cells[row*m.Cols+col] = active
}

// Active counts the active cells.
func (m Mask) Active() int {
	n := 0
	for _, c := range m.Cells {
		if c {
			n++
		}
	}
	return n
}

// Gray renders the mask as 0/255 pixels.
func (m Mask) Gray() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, m.Cols, m.Rows))
	for i, c := range m.Cells {
		if c {
			img.Pix[(i/m.Cols)*img.Stride+i%m.Cols] = 0xFF
		}
	}
	return img
}

// Resize returns m scaled to rows x cols with nearest-neighbor sampling, so
// every cell stays strictly active or inactive.
func (m Mask) Resize(rows, cols int) (Mask, error) {
	if m.Rows == 0 || m.Cols == 0 {
		return Mask{}, types.ValidationError("mask is empty")
	}
	if rows < 1 || cols < 1 {
		return Mask{}, types.ValidationError("cannot resize mask to %dx%d", rows, cols)
	}
	if rows == m.Rows && cols == m.Cols {
		out := NewMask(rows, cols)
		copy(out.Cells, m.Cells)
		return out, nil
	}
	dst := image.NewGray(image.Rect(0, 0, cols, rows))
	src := m.Gray()
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return FromImage(dst), nil
}

// Padded adds inactive settle columns on both sides of every row.
func (m Mask) Padded(left, right int) Mask {
	out := NewMask(m.Rows, m.Cols+left+right)
	for r := 0; r < m.Rows; r++ {
		copy(out.Cells[r*out.Cols+left:r*out.Cols+left+m.Cols], m.Cells[r*m.Cols:(r+1)*m.Cols])
	}
	return out
}
