package types

import "errors"

// Live-feed message types.
const (
	MessageSnapshot  = "snapshot"
	MessageState     = "state"
	MessageScanError = "scan_error"
)

type ChannelSnapshot struct {
	Rows   int       `json:"rows"`
	Cols   int       `json:"cols"`
	Values []float64 `json:"values"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Mean   float64   `json:"mean"`
}

// ViabilityReport is the spread of ROI differences between frames Window
// apart: one value per frame pair and one over all pairs pooled.
type ViabilityReport struct {
	Frames int       `json:"frames"`
	Window int       `json:"window"`
	Steps  []float64 `json:"steps"`
	Pooled float64   `json:"pooled"`
}

type UISnapshot struct {
	Type      string                     `json:"type"`
	ScanID    string                     `json:"scan_id"`
	Frame     int                        `json:"frame"`
	Data      map[string]ChannelSnapshot `json:"data"`
	Viability map[string]ViabilityReport `json:"viability,omitempty"`
}

// StateEvent reports one acquisition state change.
type StateEvent struct {
	Type   string `json:"type"`
	ScanID string `json:"scan_id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

func NewStateEvent(scanID string, from, to Stage) StateEvent {
	return StateEvent{Type: MessageState, ScanID: scanID, From: from.String(), To: to.String()}
}

// ScanFailure reports a scan that ended in an error. Expected and Actual are
// set for length and count mismatches.
type ScanFailure struct {
	Type     string `json:"type"`
	ScanID   string `json:"scan_id"`
	Frame    int    `json:"frame"`
	Kind     string `json:"kind"`
	Stage    string `json:"stage"`
	Message  string `json:"message"`
	Expected *int   `json:"expected,omitempty"`
	Actual   *int   `json:"actual,omitempty"`
}

func NewScanFailure(scanID string, frame int, err error) ScanFailure {
	f := ScanFailure{
		Type:    MessageScanError,
		ScanID:  scanID,
		Frame:   frame,
		Kind:    KindName(err),
		Stage:   StageOf(err).String(),
		Message: err.Error(),
	}
	var scanErr *Error
	if errors.As(err, &scanErr) && scanErr.HasCounts {
		expected, actual := scanErr.Expected, scanErr.Actual
		f.Expected, f.Actual = &expected, &actual
	}
	return f
}
