// Package simulator is an in-process stand-in for the synchronized I/O
// device. The analog input responds to the galvo drive it was clocked with:
// each sample reads a synthetic specimen at the commanded mirror voltages,
// scaled by the modulation gain while any digital line is high.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"rpoc-scan-go/internal/acquisition"
	"rpoc-scan-go/internal/types"
)

var (
	outputName  = regexp.MustCompile(`^ao\d+$`)
	inputName   = regexp.MustCompile(`^ai\d+$`)
	digitalName = regexp.MustCompile(`^port\d+/line\d+$`)
)

// Specimen returns the signal of input channel ch at mirror voltages (x, y).
type Specimen func(ch int, x, y float64) float64

// Gaussian is a bright spot at the scan center on a faint background, one
// spot per channel shifted along x.
func Gaussian(ch int, x, y float64) float64 {
	dx := x - 0.1*float64(ch)
	return 0.05 + math.Exp(-(dx*dx+y*y)/0.08)
}

type Config struct {
	// Noise is the standard deviation of gaussian noise added per sample.
	Noise float64
	// Realtime makes WaitUntilDone take the nominal scan duration.
	Realtime bool
	// ModulationGain scales the signal while a digital line is high.
	ModulationGain float64
	Seed           int64
	Specimen       Specimen
}

// Faults injects failures into the next operations.
type Faults struct {
	OpenDevice  error
	OpenOutput  error
	OpenInput   error
	OpenDigital error
	Start       error
	// StallWait makes every wait report a timeout.
	StallWait bool
	// ShortRead drops this many samples from every input row.
	ShortRead int
}

// Driver implements acquisition.Driver.
type Driver struct {
	cfg Config

	mu          sync.Mutex
	rng         *rand.Rand
	faults      Faults
	calls       []string
	open        int
	devices     int
	lastTimeout time.Duration
}

func New(cfg Config) *Driver {
	if cfg.ModulationGain == 0 {
		cfg.ModulationGain = 2
	}
	if cfg.Specimen == nil {
		cfg.Specimen = Gaussian
	}
	return &Driver{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

func (d *Driver) Inject(f Faults) {
	d.mu.Lock()
	d.faults = f
	d.mu.Unlock()
}

// Calls returns the operation log, for example "start ai".
func (d *Driver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// OpenTasks is the number of tasks opened and not yet closed.
func (d *Driver) OpenTasks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// DevicesOpened counts successful Open calls.
func (d *Driver) DevicesOpened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.devices
}

// LastTimeout is the timeout passed to the most recent wait.
func (d *Driver) LastTimeout() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTimeout
}

func (d *Driver) record(format string, args ...any) {
	d.mu.Lock()
	d.calls = append(d.calls, fmt.Sprintf(format, args...))
	d.mu.Unlock()
}

func (d *Driver) fault() Faults {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.faults
}

func (d *Driver) Open(ctx context.Context, deviceID string) (acquisition.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f := d.fault(); f.OpenDevice != nil {
		return nil, f.OpenDevice
	}
	if deviceID == "" {
		return nil, errors.New("empty device id")
	}
	d.record("open device %s", deviceID)
	d.mu.Lock()
	d.devices++
	d.mu.Unlock()
	return &device{driver: d, id: deviceID}, nil
}

type device struct {
	driver *Driver
	id     string
	closed bool

	// shared between the tasks of one acquisition
	drive   [][]float64
	digital *types.DigitalBuffer
	clock   *outputTask
}

func (v *device) Close() error {
	if v.closed {
		return errors.New("device already closed")
	}
	v.closed = true
	v.driver.record("close device %s", v.id)
	return nil
}

func checkNames(kind string, re *regexp.Regexp, names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("no %s channels", kind)
	}
	for _, n := range names {
		if !re.MatchString(n) {
			return fmt.Errorf("invalid %s channel %q", kind, n)
		}
	}
	return nil
}

func (v *device) newTask(kind string, channels []string) (*task, error) {
	if v.closed {
		return nil, errors.New("device closed")
	}
	v.driver.record("open %s", kind)
	v.driver.mu.Lock()
	v.driver.open++
	v.driver.mu.Unlock()
	return &task{dev: v, kind: kind, channels: channels}, nil
}

func (v *device) OpenOutput(channels []string) (acquisition.OutputTask, error) {
	if err := v.driver.fault().OpenOutput; err != nil {
		return nil, err
	}
	if err := checkNames("analog output", outputName, channels); err != nil {
		return nil, err
	}
	t, err := v.newTask("ao", channels)
	if err != nil {
		return nil, err
	}
	out := &outputTask{task: t}
	v.clock = out
	v.drive = nil
	v.digital = nil
	return out, nil
}

func (v *device) OpenInput(channels []string) (acquisition.InputTask, error) {
	if err := v.driver.fault().OpenInput; err != nil {
		return nil, err
	}
	if err := checkNames("analog input", inputName, channels); err != nil {
		return nil, err
	}
	t, err := v.newTask("ai", channels)
	if err != nil {
		return nil, err
	}
	return &inputTask{task: t}, nil
}

func (v *device) OpenDigital(lines []string) (acquisition.DigitalTask, error) {
	if err := v.driver.fault().OpenDigital; err != nil {
		return nil, err
	}
	if err := checkNames("digital", digitalName, lines); err != nil {
		return nil, err
	}
	t, err := v.newTask("do", lines)
	if err != nil {
		return nil, err
	}
	return &digitalTask{task: t}, nil
}

type task struct {
	dev      *device
	kind     string
	channels []string
	clock    acquisition.ClockConfig
	clocked  bool
	started  bool
	done     bool
	closed   bool
}

func (t *task) ConfigureClock(c acquisition.ClockConfig) error {
	if !(c.Rate > 0) || c.Samples < 1 {
		return fmt.Errorf("%s: bad clock %v samples at %v Hz", t.kind, c.Samples, c.Rate)
	}
	if c.Mode != acquisition.Finite {
		return fmt.Errorf("%s: %s sampling not supported", t.kind, c.Mode)
	}
	if c.Source != "" && (t.dev.clock == nil || c.Source != t.dev.clock.ClockSource()) {
		return fmt.Errorf("%s: unknown clock source %q", t.kind, c.Source)
	}
	t.clock = c
	t.clocked = true
	t.dev.driver.record("clock %s", t.kind)
	return nil
}

func (t *task) ClockSource() string {
	return "/" + t.dev.id + "/" + t.kind + "/SampleClock"
}

func (t *task) Start() error {
	if !t.clocked {
		return fmt.Errorf("%s: start before clock configuration", t.kind)
	}
	if t.started {
		return fmt.Errorf("%s: already started", t.kind)
	}
	// A follower started after its clock would miss the first edges.
	if t.kind != "ao" && t.dev.clock != nil && t.dev.clock.started {
		return fmt.Errorf("%s: sample clock already running", t.kind)
	}
	if t.kind == "ao" {
		if err := t.dev.driver.fault().Start; err != nil {
			return err
		}
	}
	t.started = true
	t.dev.driver.record("start %s", t.kind)
	return nil
}

func (t *task) WaitUntilDone(ctx context.Context, timeout time.Duration) error {
	drv := t.dev.driver
	drv.mu.Lock()
	drv.lastTimeout = timeout
	drv.mu.Unlock()
	drv.record("wait %s", t.kind)

	if !t.started {
		return fmt.Errorf("%s: wait on a task that was never started", t.kind)
	}
	if drv.fault().StallWait {
		return acquisition.ErrWaitTimeout
	}
	if drv.cfg.Realtime {
		nominal := time.Duration(float64(t.clock.Samples) / t.clock.Rate * float64(time.Second))
		if nominal > timeout {
			return acquisition.ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(nominal):
		}
	}
	t.done = true
	return nil
}

func (t *task) Close() error {
	if t.closed {
		return fmt.Errorf("%s: already closed", t.kind)
	}
	t.closed = true
	drv := t.dev.driver
	drv.mu.Lock()
	drv.open--
	drv.mu.Unlock()
	drv.record("close %s", t.kind)
	return nil
}

type outputTask struct {
	*task
}

func (o *outputTask) Write(samples [][]float64) error {
	if o.started {
		return errors.New("ao: write after start")
	}
	if len(samples) != len(o.channels) {
		return fmt.Errorf("ao: %d rows for %d channels", len(samples), len(o.channels))
	}
	for _, row := range samples {
		if len(row) != o.clock.Samples {
			return fmt.Errorf("ao: row of %d samples, clock expects %d", len(row), o.clock.Samples)
		}
	}
	o.dev.drive = samples
	o.dev.driver.record("write ao")
	return nil
}

type digitalTask struct {
	*task
}

func (d *digitalTask) Write(buf types.DigitalBuffer) error {
	if d.started {
		return errors.New("do: write after start")
	}
	if buf.Len() != d.clock.Samples {
		return fmt.Errorf("do: %d samples, clock expects %d", buf.Len(), d.clock.Samples)
	}
	d.dev.digital = &buf
	d.dev.driver.record("write do")
	return nil
}

type inputTask struct {
	*task
}

func (in *inputTask) Read(n int) ([][]float64, error) {
	if !in.done {
		return nil, errors.New("ai: read before the task finished")
	}
	if n != in.clock.Samples {
		return nil, fmt.Errorf("ai: read %d samples, clock acquired %d", n, in.clock.Samples)
	}
	dev := in.dev
	if len(dev.drive) < 2 {
		return nil, errors.New("ai: no drive to respond to")
	}
	drv := dev.driver
	drv.record("read ai")

	n -= drv.fault().ShortRead
	if n < 0 {
		n = 0
	}
	out := make([][]float64, len(in.channels))
	drv.mu.Lock()
	defer drv.mu.Unlock()
	for ch := range out {
		row := make([]float64, n)
		for i := range row {
			v := drv.cfg.Specimen(ch, dev.drive[0][i], dev.drive[1][i])
			if dev.digital != nil && lineHigh(dev.digital, i) {
				v *= drv.cfg.ModulationGain
			}
			if drv.cfg.Noise > 0 {
				v += drv.rng.NormFloat64() * drv.cfg.Noise
			}
			row[i] = v
		}
		out[ch] = row
	}
	return out, nil
}

func lineHigh(buf *types.DigitalBuffer, i int) bool {
	if buf.IsPacked() {
		return buf.Packed[i] != 0
	}
	return buf.Bits[i]
}
