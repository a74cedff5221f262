// Package acquisition runs one clock-synchronized output/input pass on a
// device: analog drive out, analog samples in, optional digital lines out,
// all advancing on the analog output task's sample clock.
package acquisition

import (
	"context"
	"errors"
	"time"

	"rpoc-scan-go/internal/types"
)

// ErrWaitTimeout is returned by Task.WaitUntilDone when the task did not
// finish within the timeout.
var ErrWaitTimeout = errors.New("task wait timed out")

type SampleMode int

const (
	Finite SampleMode = iota
	Continuous
)

func (m SampleMode) String() string {
	if m == Continuous {
		return "continuous"
	}
	return "finite"
}

// ClockConfig binds a task to a sample clock. An empty Source means the
// task's own clock.
type ClockConfig struct {
	Rate    float64
	Mode    SampleMode
	Samples int
	Source  string
}

type Task interface {
	ConfigureClock(ClockConfig) error
	// ClockSource names the terminal other tasks use to follow this task's
	// sample clock.
	ClockSource() string
	Start() error
	WaitUntilDone(ctx context.Context, timeout time.Duration) error
	Close() error
}

// OutputTask writes analog samples, one row per channel. Writes never start
// the task.
type OutputTask interface {
	Task
	Write(samples [][]float64) error
}

// InputTask reads analog samples, one row per channel.
type InputTask interface {
	Task
	Read(samples int) ([][]float64, error)
}

// DigitalTask writes a digital timeline. Writes never start the task.
type DigitalTask interface {
	Task
	Write(buf types.DigitalBuffer) error
}

// Device is an open synchronized I/O device.
type Device interface {
	OpenOutput(channels []string) (OutputTask, error)
	OpenInput(channels []string) (InputTask, error)
	OpenDigital(lines []string) (DigitalTask, error)
	Close() error
}

// Driver opens devices by id.
type Driver interface {
	Open(ctx context.Context, deviceID string) (Device, error)
}
