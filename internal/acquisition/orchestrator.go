package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"rpoc-scan-go/internal/types"
)

// MinDrainMargin is the smallest slack added to the nominal scan duration
// when waiting for tasks; device startup latency lives in it.
const MinDrainMargin = 5 * time.Second

// Plan is everything one acquisition pass needs. Drive rows follow Outputs;
// every buffer holds TotalSamples samples.
type Plan struct {
	ScanID       string
	Outputs      []string
	Inputs       []string
	SampleRate   float64
	TotalSamples int
	Drive        [][]float64
	Digital      *types.DigitalBuffer
}

// DrainTimeout is the nominal duration of total samples at rate plus margin,
// with margin raised to MinDrainMargin.
func DrainTimeout(total int, rate float64, margin time.Duration) time.Duration {
	if margin < MinDrainMargin {
		margin = MinDrainMargin
	}
	return time.Duration(float64(total)/rate*float64(time.Second)) + margin
}

// Transition is one state change of the acquisition of ScanID.
type Transition struct {
	ScanID string
	From   types.Stage
	To     types.Stage
}

// Orchestrator drives Idle -> Configuring -> Armed -> Running -> Draining ->
// Idle on one device, or ends in Failed.
type Orchestrator struct {
	device       Device
	margin       time.Duration
	log          zerolog.Logger
	state        atomic.Int32
	scanID       string
	onTransition func(Transition)
}

func NewOrchestrator(device Device, margin time.Duration, logger zerolog.Logger, onTransition func(Transition)) *Orchestrator {
	return &Orchestrator{
		device:       device,
		margin:       margin,
		log:          logger,
		onTransition: onTransition,
	}
}

// State may be read while Run is in progress.
func (o *Orchestrator) State() types.Stage {
	return types.Stage(o.state.Load())
}

func (o *Orchestrator) enter(next types.Stage) {
	prev := types.Stage(o.state.Swap(int32(next)))
	o.log.Debug().Stringer("from", prev).Stringer("to", next).Msg("acquisition state")
	if o.onTransition != nil {
		o.onTransition(Transition{ScanID: o.scanID, From: prev, To: next})
	}
}

func (o *Orchestrator) fail(err error) error {
	o.enter(types.StageFailed)
	o.log.Debug().Err(err).Stringer("stage", types.StageOf(err)).Msg("acquisition failed")
	return err
}

// Run executes plan. Every task it opened is closed before it returns,
// whatever the outcome; nothing partial is returned on failure.
func (o *Orchestrator) Run(ctx context.Context, plan Plan) (types.RawAcquisition, error) {
	o.scanID = plan.ScanID
	if err := ValidatePlan(plan); err != nil {
		return types.RawAcquisition{}, o.fail(err)
	}

	var opened []Task
	defer func() {
		for i := len(opened) - 1; i >= 0; i-- {
			if cerr := opened[i].Close(); cerr != nil {
				o.log.Warn().Err(cerr).Msg("task close failed")
			}
		}
	}()

	o.enter(types.StageConfiguring)
	clock := ClockConfig{Rate: plan.SampleRate, Mode: Finite, Samples: plan.TotalSamples}

	ao, err := o.device.OpenOutput(plan.Outputs)
	if err != nil {
		return types.RawAcquisition{}, o.fail(types.DeviceError(types.StageConfiguring, "open analog output", err))
	}
	opened = append(opened, ao)
	if err := ao.ConfigureClock(clock); err != nil {
		return types.RawAcquisition{}, o.fail(types.DeviceError(types.StageConfiguring, "configure analog output clock", err))
	}
	follow := clock
	follow.Source = ao.ClockSource()

	ai, err := o.device.OpenInput(plan.Inputs)
	if err != nil {
		return types.RawAcquisition{}, o.fail(types.DeviceError(types.StageConfiguring, "open analog input", err))
	}
	opened = append(opened, ai)
	if err := ai.ConfigureClock(follow); err != nil {
		return types.RawAcquisition{}, o.fail(types.DeviceError(types.StageConfiguring, "configure analog input clock", err))
	}

	var do DigitalTask
	if plan.Digital != nil {
		do, err = o.device.OpenDigital(plan.Digital.Lines)
		if err != nil {
			return types.RawAcquisition{}, o.fail(types.DeviceError(types.StageConfiguring, "open digital output", err))
		}
		opened = append(opened, do)
		if err := do.ConfigureClock(follow); err != nil {
			return types.RawAcquisition{}, o.fail(types.DeviceError(types.StageConfiguring, "configure digital output clock", err))
		}
	}

	o.enter(types.StageArmed)
	if err := ao.Write(plan.Drive); err != nil {
		return types.RawAcquisition{}, o.fail(types.DeviceError(types.StageArmed, "write analog output", err))
	}
	if do != nil {
		if err := do.Write(*plan.Digital); err != nil {
			return types.RawAcquisition{}, o.fail(types.DeviceError(types.StageArmed, "write digital output", err))
		}
	}

	// Clock consumers arm first; the analog output owns the clock and starts
	// last.
	o.enter(types.StageRunning)
	if err := ai.Start(); err != nil {
		return types.RawAcquisition{}, o.fail(types.DeviceError(types.StageRunning, "start analog input", err))
	}
	if do != nil {
		if err := do.Start(); err != nil {
			return types.RawAcquisition{}, o.fail(types.DeviceError(types.StageRunning, "start digital output", err))
		}
	}
	if err := ao.Start(); err != nil {
		return types.RawAcquisition{}, o.fail(types.DeviceError(types.StageRunning, "start analog output", err))
	}

	o.enter(types.StageDraining)
	timeout := DrainTimeout(plan.TotalSamples, plan.SampleRate, o.margin)
	waits := []namedTask{{"analog output", ao}, {"analog input", ai}}
	if do != nil {
		waits = append(waits, namedTask{"digital output", do})
	}
	for _, w := range waits {
		if err := w.task.WaitUntilDone(ctx, timeout); err != nil {
			return types.RawAcquisition{}, o.fail(drainError(w.name, timeout, err))
		}
	}

	samples, err := ai.Read(plan.TotalSamples)
	if err != nil {
		return types.RawAcquisition{}, o.fail(types.DeviceError(types.StageDraining, "read analog input", err))
	}
	if len(samples) != len(plan.Inputs) {
		return types.RawAcquisition{}, o.fail(&types.Error{
			Kind: types.ErrDevice, Stage: types.StageDraining, Msg: "input channel count",
			HasCounts: true, Expected: len(plan.Inputs), Actual: len(samples),
		})
	}
	for i, ch := range samples {
		if len(ch) != plan.TotalSamples {
			return types.RawAcquisition{}, o.fail(&types.Error{
				Kind: types.ErrDevice, Stage: types.StageDraining, Msg: fmt.Sprintf("short read on %s", plan.Inputs[i]),
				HasCounts: true, Expected: plan.TotalSamples, Actual: len(ch),
			})
		}
	}

	o.enter(types.StageIdle)
	return types.RawAcquisition{
		Channels: append([]string(nil), plan.Inputs...),
		Samples:  samples,
	}, nil
}

type namedTask struct {
	name string
	task Task
}

func drainError(name string, timeout time.Duration, err error) error {
	if errors.Is(err, ErrWaitTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return &types.Error{
			Kind:  types.ErrAcquisitionTimeout,
			Stage: types.StageDraining,
			Msg:   fmt.Sprintf("%s not done within %s", name, timeout),
			Err:   err,
		}
	}
	return types.DeviceError(types.StageDraining, "wait for "+name, err)
}

// ValidatePlan checks buffer counts and lengths before any task is opened.
func ValidatePlan(plan Plan) error {
	if plan.TotalSamples < 1 {
		return types.ValidationError("plan has no samples")
	}
	if !(plan.SampleRate > 0) {
		return types.ValidationError("sample rate must be > 0, got %v", plan.SampleRate)
	}
	if len(plan.Inputs) == 0 {
		return types.ValidationError("no input channels")
	}
	if len(plan.Drive) != len(plan.Outputs) {
		return types.LengthError(types.ErrValidation, types.StageValidating, "drive rows per output channel", len(plan.Outputs), len(plan.Drive))
	}
	for i, row := range plan.Drive {
		if len(row) != plan.TotalSamples {
			return types.LengthError(types.ErrValidation, types.StageValidating,
				fmt.Sprintf("drive buffer for %s", plan.Outputs[i]), plan.TotalSamples, len(row))
		}
	}
	if plan.Digital != nil {
		if len(plan.Digital.Lines) == 0 {
			return types.ValidationError("digital buffer names no lines")
		}
		if plan.Digital.Len() != plan.TotalSamples {
			return types.LengthError(types.ErrValidation, types.StageValidating, "digital buffer", plan.TotalSamples, plan.Digital.Len())
		}
	}
	return nil
}
