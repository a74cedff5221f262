package daqlink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"

	"rpoc-scan-go/internal/types"
)

// RFC 8746 tags.
const (
	tagMultiDimArray = 40
	tagUint8         = 64
	tagUint32LE      = 70
	tagFloat32LE     = 85
	tagFloat64LE     = 86
)

// encodeMatrix packs rows of equal length as a row-major float64 multidim
// array.
func encodeMatrix(rows [][]float64) (cbor.Tag, error) {
	cols := 0
	if len(rows) > 0 {
		cols = len(rows[0])
	}
	data := make([]byte, 0, len(rows)*cols*8)
	for i, row := range rows {
		if len(row) != cols {
			return cbor.Tag{}, fmt.Errorf("row %d has %d samples, row 0 has %d", i, len(row), cols)
		}
		for _, v := range row {
			data = binary.LittleEndian.AppendUint64(data, math.Float64bits(v))
		}
	}
	return cbor.Tag{
		Number: tagMultiDimArray,
		Content: []any{
			[]int{len(rows), cols},
			cbor.Tag{Number: tagFloat64LE, Content: data},
		},
	}, nil
}

// decodeMatrix accepts float64 or float32 multidim arrays.
func decodeMatrix(value any) ([][]float64, error) {
	tag, ok := value.(cbor.Tag)
	if !ok || tag.Number != tagMultiDimArray {
		return nil, fmt.Errorf("expected multidim tag 40")
	}
	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return nil, fmt.Errorf("invalid multidim array content")
	}
	dimsRaw, ok := items[0].([]any)
	if !ok || len(dimsRaw) != 2 {
		return nil, fmt.Errorf("invalid multidim dimensions")
	}
	rows, err := toInt(dimsRaw[0])
	if err != nil {
		return nil, err
	}
	cols, err := toInt(dimsRaw[1])
	if err != nil {
		return nil, err
	}

	flat, err := decodeTypedArray(items[1])
	if err != nil {
		return nil, err
	}
	switch v := flat.(type) {
	case []float64:
		return reshape(v, rows, cols)
	case []float32:
		wide := make([]float64, len(v))
		for i, f := range v {
			wide[i] = float64(f)
		}
		return reshape(wide, rows, cols)
	default:
		return nil, fmt.Errorf("multidim array of %T, want floats", flat)
	}
}

// encodeDigital sends a single line as one byte per sample and packed lines
// as little-endian uint32 words.
func encodeDigital(buf types.DigitalBuffer) cbor.Tag {
	if buf.IsPacked() {
		data := make([]byte, 0, len(buf.Packed)*4)
		for _, w := range buf.Packed {
			data = binary.LittleEndian.AppendUint32(data, w)
		}
		return cbor.Tag{Number: tagUint32LE, Content: data}
	}
	data := make([]byte, len(buf.Bits))
	for i, b := range buf.Bits {
		if b {
			data[i] = 1
		}
	}
	return cbor.Tag{Number: tagUint8, Content: data}
}

func decodeTypedArray(value any) (any, error) {
	tag, ok := value.(cbor.Tag)
	if !ok {
		return nil, fmt.Errorf("expected typed array tag")
	}
	data, ok := tag.Content.([]byte)
	if !ok {
		return nil, fmt.Errorf("unsupported typed array content %T", tag.Content)
	}

	switch tag.Number {
	case tagUint8:
		return data, nil
	case tagUint32LE:
		if len(data)%4 != 0 {
			return nil, errors.New("uint32 array length not a multiple of 4")
		}
		out := make([]uint32, len(data)/4)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(data[i*4:])
		}
		return out, nil
	case tagFloat32LE:
		if len(data)%4 != 0 {
			return nil, errors.New("float32 array length not a multiple of 4")
		}
		out := make([]float32, len(data)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return out, nil
	case tagFloat64LE:
		if len(data)%8 != 0 {
			return nil, errors.New("float64 array length not a multiple of 8")
		}
		out := make([]float64, len(data)/8)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported typed array tag %d", tag.Number)
	}
}

func reshape[T any](flat []T, rows, cols int) ([][]T, error) {
	if rows < 0 || cols < 0 || rows*cols != len(flat) {
		return nil, fmt.Errorf("dimension mismatch: %dx%d for %d values", rows, cols, len(flat))
	}
	out := make([][]T, rows)
	for r := 0; r < rows; r++ {
		row := make([]T, cols)
		copy(row, flat[r*cols:(r+1)*cols])
		out[r] = row
	}
	return out, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}
