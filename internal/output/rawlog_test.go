package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpoc-scan-go/internal/config"
	"rpoc-scan-go/internal/types"
)

func TestRawLogRecordsScans(t *testing.T) {
	w, err := NewRawLogWriter(t.TempDir(), "scan")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Mode = config.ModeVariable
	dwell := &types.DwellMap{Rows: 1, Cols: 2, Counts: []int{1, 3}}
	require.NoError(t, w.RecordScan(ScanRecord{
		ScanID:   "a",
		Frame:    0,
		Config:   cfg,
		Dwell:    dwell,
		Channels: []string{"ai0"},
		Samples:  [][]float64{{1, 2, 2, 2}},
	}))
	require.NoError(t, w.RecordScan(ScanRecord{ScanID: "b", Frame: 1, Config: config.Default()}))
	require.NoError(t, w.Close())
	require.Error(t, w.Record([]byte{1}))

	f, err := os.Open(w.Path())
	require.NoError(t, err)
	defer f.Close()

	r, err := NewRawLogReader(f)
	require.NoError(t, err)

	first, err := r.Next()
	require.NoError(t, err)
	rec, err := first.Scan()
	require.NoError(t, err)
	assert.Equal(t, "a", rec.ScanID)
	assert.Equal(t, dwell, rec.Dwell)
	assert.Equal(t, config.ModeVariable, rec.Config.Mode)
	assert.Equal(t, [][]float64{{1, 2, 2, 2}}, rec.Samples)

	second, err := r.Next()
	require.NoError(t, err)
	rec, err = second.Scan()
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Frame)
	assert.Nil(t, rec.Dwell)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRawLogReaderRejectsForeignFiles(t *testing.T) {
	_, err := NewRawLogReader(bytes.NewReader([]byte("OTHERRAW")))
	assert.Error(t, err)
}

func TestRawLogReaderTruncatedRecord(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(RawLogMagic)
	buf.Write([]byte{0, 0, 0, 0, 0, 0, 0, 0, 10, 0, 0, 0, 1, 2})
	r, err := NewRawLogReader(&buf)
	require.NoError(t, err)
	_, err = r.Next()
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestNormalizeJSONValue(t *testing.T) {
	payload, err := cbor.Marshal(map[any]any{
		1:      "one",
		"blob": []byte{0xff},
		"tag":  cbor.Tag{Number: 64, Content: []byte{1, 0}},
	})
	require.NoError(t, err)
	var decoded any
	require.NoError(t, cbor.Unmarshal(payload, &decoded))

	out, err := json.Marshal(NormalizeJSONValue(decoded))
	require.NoError(t, err)
	assert.JSONEq(t, `{"1":"one","blob":"/w==","tag":{"tag":64,"content":"AQA="}}`, string(out))
}
