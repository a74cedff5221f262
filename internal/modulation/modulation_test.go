package modulation

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpoc-scan-go/internal/config"
	"rpoc-scan-go/internal/geometry"
	"rpoc-scan-go/internal/types"
)

func testGeometry(t *testing.T, padLeft, padRight int) geometry.Geometry {
	t.Helper()
	cfg := config.Default()
	cfg.StepsX = 4
	cfg.StepsY = 2
	cfg.PadLeft = padLeft
	cfg.PadRight = padRight
	cfg.Dwell = 2
	cfg.SampleRate = 1
	g, err := geometry.New(cfg)
	require.NoError(t, err)
	return g
}

func mustMask(t *testing.T, grid [][]bool) Mask {
	t.Helper()
	m, err := FromBools(grid)
	require.NoError(t, err)
	return m
}

func TestFromImageThresholdsAtMidpoint(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 4, 1))
	img.SetGray(0, 0, color.Gray{Y: 0})
	img.SetGray(1, 0, color.Gray{Y: 127})
	img.SetGray(2, 0, color.Gray{Y: 128})
	img.SetGray(3, 0, color.Gray{Y: 255})
	m := FromImage(img)
	assert.Equal(t, []bool{false, false, true, true}, m.Cells)

	img16 := image.NewGray16(image.Rect(0, 0, 2, 1))
	img16.SetGray16(0, 0, color.Gray16{Y: 0x7FFF})
	img16.SetGray16(1, 0, color.Gray16{Y: 0x8000})
	assert.Equal(t, []bool{false, true}, FromImage(img16).Cells)
}

func TestDecodePNG(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 3, 2))
	img.SetGray(1, 1, color.Gray{Y: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	m, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Rows)
	assert.Equal(t, 3, m.Cols)
	assert.True(t, m.At(1, 1))
	assert.Equal(t, 1, m.Active())
}

func TestResizeStaysBinary(t *testing.T) {
	m := NewMask(3, 5)
	for i := range m.Cells {
		m.Cells[i] = i%3 == 0
	}
	for _, size := range [][2]int{{7, 11}, {2, 2}, {1, 9}, {30, 1}} {
		resized, err := m.Resize(size[0], size[1])
		require.NoError(t, err)
		assert.Equal(t, size[0], resized.Rows)
		assert.Equal(t, size[1], resized.Cols)
		gray := resized.Gray()
		for _, p := range gray.Pix {
			assert.True(t, p == 0 || p == 0xFF, "blended value %d", p)
		}
	}
}

func TestResizeUpscaleReplicatesCells(t *testing.T) {
	m := mustMask(t, [][]bool{{true, false}, {false, true}})
	resized, err := m.Resize(4, 4)
	require.NoError(t, err)
	want := []bool{
		true, true, false, false,
		true, true, false, false,
		false, false, true, true,
		false, false, true, true,
	}
	assert.Equal(t, want, resized.Cells)
}

func TestPadded(t *testing.T) {
	m := mustMask(t, [][]bool{{true, true}, {false, true}})
	p := m.Padded(1, 2)
	assert.Equal(t, 5, p.Cols)
	assert.Equal(t, []bool{
		false, true, true, false, false,
		false, false, true, false, false,
	}, p.Cells)
}

func TestEncodeSingleLine(t *testing.T) {
	g := testGeometry(t, 1, 1)
	m := mustMask(t, [][]bool{
		{true, false, false, true},
		{false, true, false, false},
	})
	buf, err := Encode([]string{"port0/line5"}, []Mask{m}, g, nil)
	require.NoError(t, err)
	assert.False(t, buf.IsPacked())
	assert.Equal(t, g.TotalSamples, buf.Len())
	want := []bool{
		false, false, true, true, false, false, false, false, true, true, false, false,
		false, false, false, false, true, true, false, false, false, false, false, false,
	}
	assert.Equal(t, want, buf.Bits)
}

func TestEncodePackedRoundTrip(t *testing.T) {
	g := testGeometry(t, 0, 2)
	masks := []Mask{
		mustMask(t, [][]bool{{true, false, true, false}, {false, false, true, true}}),
		mustMask(t, [][]bool{{false, false, false, true}, {true, true, true, true}}),
		mustMask(t, [][]bool{{true, true, false, false}, {false, true, false, true}}),
	}
	lines := []string{"port0/line5", "port0/line6", "port0/line7"}
	buf, err := Encode(lines, masks, g, nil)
	require.NoError(t, err)
	require.True(t, buf.IsPacked())
	assert.Equal(t, "port0", buf.Port)
	assert.Equal(t, g.TotalSamples, buf.Len())

	for k, id := range lines {
		single, err := Encode([]string{id}, masks[k:k+1], g, nil)
		require.NoError(t, err)
		if diff := cmp.Diff(single.Bits, buf.Line(k)); diff != "" {
			t.Fatalf("line %d decode mismatch (-want +got):\n%s", k, diff)
		}
	}
}

func TestEncodeFollowsDwellMap(t *testing.T) {
	g := testGeometry(t, 0, 0)
	dwell := types.NewDwellMap(2, 4)
	for i := range dwell.Counts {
		dwell.Counts[i] = 1 + i%3
	}
	m := mustMask(t, [][]bool{{true, false, true, false}, {false, true, false, true}})
	buf, err := Encode([]string{"port0/line1"}, []Mask{m}, g, dwell)
	require.NoError(t, err)
	assert.Equal(t, dwell.Sum(), buf.Len())
	// dwell per cell is 1, 2, 3, 1 | 2, 3, 1, 2
	want := []bool{
		true, false, false, true, true, true, false,
		false, false, true, true, true, false, true, true,
	}
	assert.Equal(t, want, buf.Bits)
}

func TestEncodeRejects(t *testing.T) {
	g := testGeometry(t, 0, 0)
	m := NewMask(2, 4)
	other := NewMask(3, 4)
	cases := map[string]func() error{
		"count mismatch": func() error {
			_, err := Encode([]string{"port0/line0", "port0/line1"}, []Mask{m}, g, nil)
			return err
		},
		"no lines": func() error {
			_, err := Encode(nil, nil, g, nil)
			return err
		},
		"size mismatch": func() error {
			_, err := Encode([]string{"port0/line0", "port0/line1"}, []Mask{m, other}, g, nil)
			return err
		},
		"different ports": func() error {
			_, err := Encode([]string{"port0/line0", "port1/line1"}, []Mask{m, m}, g, nil)
			return err
		},
		"empty mask": func() error {
			_, err := Encode([]string{"port0/line0"}, []Mask{{}}, g, nil)
			return err
		},
		"dwell shape": func() error {
			_, err := Encode([]string{"port0/line0"}, []Mask{m}, g, types.NewDwellMap(1, 1))
			return err
		},
	}
	for name, run := range cases {
		t.Run(name, func(t *testing.T) {
			err := run()
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrValidation), "got %v", err)
		})
	}
}

func TestPort(t *testing.T) {
	assert.Equal(t, "port0", Port("port0/line5"))
	assert.Equal(t, "Dev1/port0", Port("Dev1/port0/line5"))
	assert.Equal(t, "", Port("line5"))
}
