package types

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match with errors.Is.
var (
	ErrConfig             = errors.New("config error")
	ErrValidation         = errors.New("validation error")
	ErrDevice             = errors.New("device error")
	ErrAcquisitionTimeout = errors.New("acquisition timeout")
	ErrReconstruction     = errors.New("reconstruction error")
)

// Stage is a step of one scan call. The acquisition state machine uses the
// Idle through Draining values plus Failed.
type Stage int

const (
	StageIdle Stage = iota
	StageValidating
	StageConfiguring
	StageArmed
	StageRunning
	StageDraining
	StageReconstructing
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageValidating:
		return "validating"
	case StageConfiguring:
		return "configuring"
	case StageArmed:
		return "armed"
	case StageRunning:
		return "running"
	case StageDraining:
		return "draining"
	case StageReconstructing:
		return "reconstructing"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Error carries the kind, the stage that failed and, for length problems,
// the expected and actual counts. Expected and Actual are only reported when
// HasCounts is set.
type Error struct {
	Kind      error
	Stage     Stage
	Msg       string
	HasCounts bool
	Expected  int
	Actual    int
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("scan error")
	}
	b.WriteString(" [")
	b.WriteString(e.Stage.String())
	b.WriteString("]")
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.HasCounts {
		fmt.Fprintf(&b, " (expected %d, got %d)", e.Expected, e.Actual)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func ConfigError(format string, args ...any) error {
	return &Error{Kind: ErrConfig, Stage: StageValidating, Msg: fmt.Sprintf(format, args...)}
}

func ValidationError(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Stage: StageValidating, Msg: fmt.Sprintf(format, args...)}
}

// LengthError reports a sample or cell count that disagrees with the layout.
func LengthError(kind error, stage Stage, msg string, expected, actual int) error {
	return &Error{
		Kind:      kind,
		Stage:     stage,
		Msg:       msg,
		HasCounts: true,
		Expected:  expected,
		Actual:    actual,
	}
}

func DeviceError(stage Stage, msg string, err error) error {
	return &Error{Kind: ErrDevice, Stage: stage, Msg: msg, Err: err}
}

// StageOf returns the stage recorded in err, or StageIdle when err carries none.
func StageOf(err error) Stage {
	var scanErr *Error
	if errors.As(err, &scanErr) {
		return scanErr.Stage
	}
	return StageIdle
}

// KindName names the kind of err for reports: config, validation, device,
// acquisition_timeout, reconstruction, or other.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrAcquisitionTimeout):
		return "acquisition_timeout"
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrReconstruction):
		return "reconstruction"
	case errors.Is(err, ErrDevice):
		return "device"
	}
	return "other"
}
