// Package output records raw scans to disk. A raw log is the magic string
// followed by records of an 8-byte unix-nano timestamp, a 4-byte payload
// length (both little endian) and a CBOR payload.
package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"rpoc-scan-go/internal/config"
	"rpoc-scan-go/internal/types"
)

const RawLogMagic = "RPOCRAW1"

// ScanRecord is everything needed to reconstruct a scan offline.
type ScanRecord struct {
	ScanID   string            `cbor:"scan_id"`
	Frame    int               `cbor:"frame"`
	Config   config.ScanConfig `cbor:"config"`
	Dwell    *types.DwellMap   `cbor:"dwell,omitempty"`
	Channels []string          `cbor:"channels"`
	Samples  [][]float64       `cbor:"samples"`
}

type RawLogWriter struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
}

func NewRawLogWriter(outputDir string, prefix string) (*RawLogWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.bin", timestamp, prefix))
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	if _, err := w.WriteString(RawLogMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &RawLogWriter{
		f:    f,
		w:    w,
		path: filename,
	}, nil
}

func (r *RawLogWriter) Path() string {
	return r.path
}

// RecordScan appends one scan.
func (r *RawLogWriter) RecordScan(rec ScanRecord) error {
	payload, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode scan record: %w", err)
	}
	return r.Record(payload)
}

func (r *RawLogWriter) Record(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return fmt.Errorf("raw log writer is closed")
	}
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(payload); err != nil {
		return err
	}
	return r.w.Flush()
}

func (r *RawLogWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		_ = r.f.Close()
		r.w = nil
		return err
	}
	err := r.f.Close()
	r.w = nil
	return err
}

// RawRecord is one framed payload as read back.
type RawRecord struct {
	Time    time.Time
	Payload []byte
}

// Scan decodes the payload as a ScanRecord.
func (r RawRecord) Scan() (ScanRecord, error) {
	var rec ScanRecord
	if err := cbor.Unmarshal(r.Payload, &rec); err != nil {
		return ScanRecord{}, fmt.Errorf("decode scan record: %w", err)
	}
	return rec, nil
}

type RawLogReader struct {
	r *bufio.Reader
}

// NewRawLogReader checks the magic and positions rd at the first record.
func NewRawLogReader(rd io.Reader) (*RawLogReader, error) {
	br := bufio.NewReader(rd)
	header := make([]byte, len(RawLogMagic))
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(header) != RawLogMagic {
		return nil, fmt.Errorf("unexpected rawlog magic %q", string(header))
	}
	return &RawLogReader{r: br}, nil
}

// Next returns io.EOF after the last complete record. A truncated trailing
// record is io.ErrUnexpectedEOF.
func (r *RawLogReader) Next() (RawRecord, error) {
	var meta [12]byte
	if _, err := io.ReadFull(r.r, meta[:]); err != nil {
		return RawRecord{}, err
	}
	ts := int64(binary.LittleEndian.Uint64(meta[:8]))
	size := binary.LittleEndian.Uint32(meta[8:12])
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return RawRecord{}, err
	}
	return RawRecord{Time: time.Unix(0, ts), Payload: payload}, nil
}
