package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rpoc-scan-go/internal/acquisition"
	"rpoc-scan-go/internal/output"
	"rpoc-scan-go/internal/processing"
	"rpoc-scan-go/internal/scan"
	"rpoc-scan-go/internal/server"
	"rpoc-scan-go/internal/types"
)

type metrics struct {
	scansOK        atomic.Uint64
	scansFailed    atomic.Uint64
	timeouts       atomic.Uint64
	reopens        atomic.Uint64
	eventsSent     atomic.Uint64
	eventsDropped  atomic.Uint64
	rawLogOK       atomic.Uint64
	rawLogError    atomic.Uint64
	viabilityError atomic.Uint64
	scanNanos      atomic.Uint64
}

func (m *metrics) snapshot() map[string]uint64 {
	return map[string]uint64{
		"scans_ok_total":        m.scansOK.Load(),
		"scans_failed_total":    m.scansFailed.Load(),
		"timeouts_total":        m.timeouts.Load(),
		"session_reopens_total": m.reopens.Load(),
		"events_sent_total":     m.eventsSent.Load(),
		"events_dropped_total":  m.eventsDropped.Load(),
		"raw_log_ok_total":      m.rawLogOK.Load(),
		"raw_log_err_total":     m.rawLogError.Load(),
		"viability_err_total":   m.viabilityError.Load(),
		"scan_nanos_total":      m.scanNanos.Load(),
	}
}

// scanner repeats frames on one session and feeds the results to the live
// feed, the raw log and the viability tracker.
type scanner struct {
	engine    *scan.Engine
	session   *acquisition.Session
	template  scan.Request
	frames    int
	interval  time.Duration
	retries   int
	simulated bool
	rawLog    *output.RawLogWriter
	viability *processing.Viability
	events    chan any
	log       zerolog.Logger
	m         metrics

	mu         sync.Mutex
	latest     types.UISnapshot
	haveLatest bool
	lastScanID string
	reports    map[string]types.ViabilityReport
}

var _ server.Source = (*scanner)(nil)

func (sc *scanner) Status() server.Status {
	st := server.Status{
		Simulated: sc.simulated,
		Metrics:   sc.m.snapshot(),
	}
	if sc.session != nil {
		st.Device = sc.session.DeviceID()
		st.State = sc.session.State().String()
		st.Aborted = sc.session.Aborted()
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	st.LastScanID = sc.lastScanID
	st.Viability = sc.reports
	return st
}

func (sc *scanner) Latest() (types.UISnapshot, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.latest, sc.haveLatest
}

// publish hands ev to the live feed without ever blocking a scan.
func (sc *scanner) publish(ev any) {
	if sc.events == nil {
		return
	}
	select {
	case sc.events <- ev:
		sc.m.eventsSent.Add(1)
	default:
		sc.m.eventsDropped.Add(1)
	}
}

func (sc *scanner) onTransition(tr acquisition.Transition) {
	sc.publish(types.NewStateEvent(tr.ScanID, tr.From, tr.To))
}

// run scans until the requested frames are done or ctx ends. A frame lost to
// a device timeout or an aborted session is retried on a reopened session up
// to retries times; any other failure ends the run.
func (sc *scanner) run(ctx context.Context) error {
	retried := 0
	for frame := 0; sc.frames == 0 || frame < sc.frames; {
		if ctx.Err() != nil {
			return nil
		}
		req := sc.template
		req.Frame = frame
		req.ScanID = uuid.NewString()

		res, err := sc.engine.Scan(ctx, req)
		if err != nil {
			sc.m.scansFailed.Add(1)
			if ctx.Err() != nil {
				return nil
			}
			sc.publish(types.NewScanFailure(req.ScanID, frame, err))
			timedOut := errors.Is(err, types.ErrAcquisitionTimeout)
			if timedOut {
				sc.m.timeouts.Add(1)
			}
			if !timedOut && !sc.session.Aborted() {
				return err
			}
			if retried >= sc.retries {
				return fmt.Errorf("frame %d failed after %d retries: %w", frame, retried, err)
			}
			retried++
			if rerr := sc.session.Reopen(ctx); rerr != nil {
				return rerr
			}
			sc.m.reopens.Add(1)
			sc.log.Warn().Int("frame", frame).Int("retry", retried).Msg("device session reopened, retrying frame")
			continue
		}

		retried = 0
		sc.m.scansOK.Add(1)
		sc.m.scanNanos.Add(uint64(res.Elapsed.Nanoseconds()))
		sc.record(res)
		frame++

		if sc.interval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(sc.interval):
			}
		}
	}
	sc.log.Info().Uint64("ok", sc.m.scansOK.Load()).Uint64("failed", sc.m.scansFailed.Load()).Msg("scan loop finished")
	return nil
}

func (sc *scanner) record(res scan.Result) {
	snap := processing.Snapshot(res.ScanID, res.Frame, res.Frames)
	if sc.viability != nil {
		if err := sc.viability.Add(res.Frames); err != nil {
			sc.m.viabilityError.Add(1)
			sc.log.Warn().Err(err).Str("scan_id", res.ScanID).Msg("viability update failed")
		} else {
			snap.Viability = sc.viability.Report()
		}
	}

	sc.mu.Lock()
	sc.latest = snap
	sc.haveLatest = true
	sc.lastScanID = res.ScanID
	if snap.Viability != nil {
		sc.reports = snap.Viability
	}
	sc.mu.Unlock()
	sc.publish(snap)

	if sc.rawLog != nil {
		err := sc.rawLog.RecordScan(output.ScanRecord{
			ScanID:   res.ScanID,
			Frame:    res.Frame,
			Config:   sc.template.Config,
			Dwell:    res.Dwell,
			Channels: res.Raw.Channels,
			Samples:  res.Raw.Samples,
		})
		if err != nil {
			sc.m.rawLogError.Add(1)
			sc.log.Warn().Err(err).Str("scan_id", res.ScanID).Msg("raw log write failed")
		} else {
			sc.m.rawLogOK.Add(1)
		}
	}

	for channel, stats := range snap.Data {
		ev := sc.log.Debug().
			Str("scan_id", res.ScanID).
			Str("channel", channel).
			Float64("min", stats.Min).
			Float64("max", stats.Max).
			Float64("mean", stats.Mean)
		if rep, ok := snap.Viability[channel]; ok {
			ev = ev.Float64("viability_std", rep.Pooled)
		}
		ev.Msg("frame stats")
	}
}
