package main

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpoc-scan-go/internal/acquisition"
	"rpoc-scan-go/internal/config"
	"rpoc-scan-go/internal/modulation"
	"rpoc-scan-go/internal/processing"
	"rpoc-scan-go/internal/scan"
	"rpoc-scan-go/internal/simulator"
	"rpoc-scan-go/internal/types"
)

// recoveringDriver clears injected faults once the device is reopened.
type recoveringDriver struct {
	*simulator.Driver
	opens int
}

func (r *recoveringDriver) Open(ctx context.Context, deviceID string) (acquisition.Device, error) {
	r.opens++
	if r.opens > 1 {
		r.Inject(simulator.Faults{})
	}
	return r.Driver.Open(ctx, deviceID)
}

func smallScan() config.ScanConfig {
	cfg := config.Default()
	cfg.StepsX = 4
	cfg.StepsY = 2
	cfg.PadLeft = 1
	cfg.PadRight = 1
	cfg.Dwell = 2
	cfg.SampleRate = 1
	cfg.InputChannelIDs = []string{"ai0"}
	return cfg
}

func newTestScanner(t *testing.T, drv acquisition.Driver, cfg config.ScanConfig, frames int) *scanner {
	t.Helper()
	sc := &scanner{
		template:  scan.Request{Config: cfg},
		frames:    frames,
		retries:   2,
		simulated: true,
		events:    make(chan any, 256),
		log:       zerolog.Nop(),
	}
	s := acquisition.NewSession(drv, "Dev1", acquisition.WithTransitionHook(sc.onTransition))
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	sc.session = s
	sc.engine = scan.NewEngine(s, zerolog.Nop())
	return sc
}

func drain(events chan any) []any {
	var out []any
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestTimedOutFrameIsRetried(t *testing.T) {
	drv := &recoveringDriver{Driver: simulator.New(simulator.Config{})}
	drv.Inject(simulator.Faults{StallWait: true})
	sc := newTestScanner(t, drv, smallScan(), 1)

	require.NoError(t, sc.run(context.Background()))
	assert.Equal(t, uint64(1), sc.m.scansOK.Load())
	assert.Equal(t, uint64(1), sc.m.timeouts.Load())
	assert.Equal(t, uint64(1), sc.m.reopens.Load())

	snap, ok := sc.Latest()
	require.True(t, ok)
	assert.Equal(t, 0, snap.Frame)

	var (
		failures  []types.ScanFailure
		snapshots []types.UISnapshot
		failedIDs []string
	)
	for _, ev := range drain(sc.events) {
		switch ev := ev.(type) {
		case types.ScanFailure:
			failures = append(failures, ev)
		case types.UISnapshot:
			snapshots = append(snapshots, ev)
		case types.StateEvent:
			if ev.To == types.StageFailed.String() {
				failedIDs = append(failedIDs, ev.ScanID)
			}
		}
	}
	require.Len(t, failures, 1)
	assert.Equal(t, "acquisition_timeout", failures[0].Kind)
	assert.Equal(t, "draining", failures[0].Stage)
	assert.Equal(t, 0, failures[0].Frame)
	assert.Equal(t, []string{failures[0].ScanID}, failedIDs)
	require.Len(t, snapshots, 1)
	assert.Equal(t, 0, snapshots[0].Frame)
	assert.NotEqual(t, failures[0].ScanID, snapshots[0].ScanID)
}

func TestRunFailsWhenRetriesRunOut(t *testing.T) {
	drv := simulator.New(simulator.Config{})
	drv.Inject(simulator.Faults{StallWait: true})
	sc := newTestScanner(t, drv, smallScan(), 1)
	sc.retries = 1

	err := sc.run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrAcquisitionTimeout))
	assert.Equal(t, uint64(0), sc.m.scansOK.Load())
	assert.Equal(t, uint64(1), sc.m.reopens.Load())
	_, ok := sc.Latest()
	assert.False(t, ok)
}

func TestConfigErrorEndsRunWithoutReopen(t *testing.T) {
	cfg := smallScan()
	cfg.StepsX = 0
	sc := newTestScanner(t, simulator.New(simulator.Config{}), cfg, 3)

	err := sc.run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConfig))
	assert.Equal(t, uint64(0), sc.m.reopens.Load())
}

func TestStatusTracksFramesAndViability(t *testing.T) {
	sc := newTestScanner(t, simulator.New(simulator.Config{}), smallScan(), 3)
	roi, err := modulation.FromBools([][]bool{{true, true, false, false}, {true, true, false, false}})
	require.NoError(t, err)
	sc.viability, err = processing.NewViability(roi, 1, 4)
	require.NoError(t, err)

	require.NoError(t, sc.run(context.Background()))
	st := sc.Status()
	assert.Equal(t, "Dev1", st.Device)
	assert.Equal(t, "idle", st.State)
	assert.False(t, st.Aborted)
	assert.Equal(t, uint64(3), st.Metrics["scans_ok_total"])

	snap, ok := sc.Latest()
	require.True(t, ok)
	assert.Equal(t, 2, snap.Frame)
	assert.Equal(t, snap.ScanID, st.LastScanID)

	rep, ok := st.Viability["ai0"]
	require.True(t, ok)
	assert.Equal(t, 3, rep.Frames)
	// A noiseless simulated specimen does not change between frames.
	assert.Equal(t, []float64{0, 0}, rep.Steps)
	assert.Equal(t, 0.0, rep.Pooled)
}
