package acquisition

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"rpoc-scan-go/internal/types"
)

// Session owns one open device. Acquisitions on a session are serialized;
// a session aborted by a timeout or a failure after the tasks were started
// refuses further scans until it is reopened.
type Session struct {
	mu           sync.Mutex
	driver       Driver
	deviceID     string
	margin       time.Duration
	log          zerolog.Logger
	onTransition func(Transition)

	device  Device
	aborted atomic.Bool
	scans   int
	// orch is the latest acquisition. It is read without mu so State never
	// waits on a running scan.
	orch atomic.Pointer[Orchestrator]
}

type SessionOption func(*Session)

func WithLogger(l zerolog.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// WithDrainMargin sets the slack added to the nominal scan duration. Values
// under MinDrainMargin are raised to it.
func WithDrainMargin(d time.Duration) SessionOption {
	return func(s *Session) { s.margin = d }
}

// WithTransitionHook observes every acquisition state change. fn runs on the
// scanning goroutine and must not block.
func WithTransitionHook(fn func(Transition)) SessionOption {
	return func(s *Session) { s.onTransition = fn }
}

func NewSession(driver Driver, deviceID string, opts ...SessionOption) *Session {
	s := &Session{
		driver:   driver,
		deviceID: deviceID,
		margin:   MinDrainMargin,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("device", deviceID).Logger()
	return s
}

func (s *Session) DeviceID() string {
	return s.deviceID
}

// Open opens the device. Opening an open session is a no-op.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx)
}

func (s *Session) openLocked(ctx context.Context) error {
	if s.device != nil {
		return nil
	}
	dev, err := s.driver.Open(ctx, s.deviceID)
	if err != nil {
		return types.DeviceError(types.StageConfiguring, "open device "+s.deviceID, err)
	}
	s.device = dev
	s.aborted.Store(false)
	s.log.Info().Msg("device session opened")
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if s.device == nil {
		return nil
	}
	err := s.device.Close()
	s.device = nil
	if err != nil {
		return types.DeviceError(types.StageIdle, "close device "+s.deviceID, err)
	}
	s.log.Info().Msg("device session closed")
	return nil
}

// Reopen closes the device and opens it again, clearing an abort.
func (s *Session) Reopen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.closeLocked(); err != nil {
		s.log.Warn().Err(err).Msg("close before reopen failed")
	}
	return s.openLocked(ctx)
}

// Aborted does not block on a running scan.
func (s *Session) Aborted() bool {
	return s.aborted.Load()
}

// Acquire runs one plan with exclusive use of the device.
func (s *Session) Acquire(ctx context.Context, plan Plan) (types.RawAcquisition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ValidatePlan(plan); err != nil {
		return types.RawAcquisition{}, err
	}
	if s.device == nil {
		return types.RawAcquisition{}, types.DeviceError(types.StageConfiguring, "session is not open", nil)
	}
	if s.aborted.Load() {
		return types.RawAcquisition{}, types.DeviceError(types.StageConfiguring, "session was aborted, reopen it", nil)
	}

	log := s.log.With().Str("scan_id", plan.ScanID).Logger()
	orch := NewOrchestrator(s.device, s.margin, log, s.onTransition)
	s.orch.Store(orch)
	start := time.Now()
	raw, err := orch.Run(ctx, plan)
	if err != nil {
		if abortsSession(err) {
			s.aborted.Store(true)
			log.Warn().Msg("device session aborted")
		}
		return types.RawAcquisition{}, err
	}
	s.scans++
	log.Debug().Dur("elapsed", time.Since(start)).Int("samples", plan.TotalSamples).Msg("acquisition done")
	return raw, nil
}

// State is the stage of the running acquisition, or where the last one
// ended. It does not block on a running scan.
func (s *Session) State() types.Stage {
	if orch := s.orch.Load(); orch != nil {
		return orch.State()
	}
	return types.StageIdle
}

// Scans counts successful acquisitions since the session was created.
func (s *Session) Scans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}

// Once tasks have started the device state is unknown.
func abortsSession(err error) bool {
	if errors.Is(err, types.ErrAcquisitionTimeout) {
		return true
	}
	switch types.StageOf(err) {
	case types.StageRunning, types.StageDraining:
		return true
	}
	return false
}
