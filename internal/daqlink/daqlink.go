// Package daqlink drives a synchronized I/O device owned by a separate bridge
// process. Every device and task operation is one CBOR request/reply over a
// ZMQ REQ socket; sample buffers travel as RFC 8746 typed arrays.
//
// Requests carry "op" plus the fields that op needs; replies carry "ok" and,
// on failure, "error" and "timeout".
package daqlink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"rpoc-scan-go/internal/acquisition"
	"rpoc-scan-go/internal/types"
)

const (
	opOpenDevice     = "open_device"
	opCloseDevice    = "close_device"
	opOpenTask       = "open_task"
	opConfigureClock = "configure_clock"
	opWriteAnalog    = "write_analog"
	opWriteDigital   = "write_digital"
	opStart          = "start"
	opWait           = "wait"
	opRead           = "read"
	opCloseTask      = "close_task"
)

const (
	kindOutput  = "ao"
	kindInput   = "ai"
	kindDigital = "do"
)

// DefaultCallTimeout bounds every request that does not wait on the device.
const DefaultCallTimeout = 5 * time.Second

type request struct {
	Op       string   `cbor:"op"`
	Device   string   `cbor:"device,omitempty"`
	Task     int      `cbor:"task"`
	Kind     string   `cbor:"kind,omitempty"`
	Channels []string `cbor:"channels,omitempty"`
	Rate     float64  `cbor:"rate,omitempty"`
	Mode     string   `cbor:"mode,omitempty"`
	Samples  int      `cbor:"samples,omitempty"`
	Source   string   `cbor:"source,omitempty"`
	TimeoutS float64  `cbor:"timeout_s,omitempty"`
	Data     any      `cbor:"data,omitempty"`
}

type reply struct {
	OK          bool   `cbor:"ok"`
	Error       string `cbor:"error"`
	Timeout     bool   `cbor:"timeout"`
	Task        int    `cbor:"task"`
	ClockSource string `cbor:"clock_source"`
	Data        any    `cbor:"data"`
}

// transport carries one request and its reply. It returns errNoReply when
// timeout passes in silence and ctx.Err() when ctx ends first.
type transport interface {
	RoundTrip(ctx context.Context, msg []byte, timeout time.Duration) ([]byte, error)
	Close() error
}

type Option func(*Driver)

func WithLogger(l zerolog.Logger) Option {
	return func(d *Driver) { d.log = l }
}

func WithCallTimeout(t time.Duration) Option {
	return func(d *Driver) { d.callTimeout = t }
}

// Driver implements acquisition.Driver against a bridge at endpoint.
type Driver struct {
	endpoint    string
	callTimeout time.Duration
	log         zerolog.Logger
	dial        func(endpoint string) (transport, error)
}

func New(endpoint string, opts ...Option) *Driver {
	d := &Driver{
		endpoint:    endpoint,
		callTimeout: DefaultCallTimeout,
		log:         zerolog.Nop(),
		dial:        dialZMQ,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) Open(ctx context.Context, deviceID string) (acquisition.Device, error) {
	t, err := d.dial(d.endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", d.endpoint, err)
	}
	c := &client{t: t, timeout: d.callTimeout, log: d.log.With().Str("endpoint", d.endpoint).Logger()}
	if _, err := c.call(ctx, request{Op: opOpenDevice, Device: deviceID}, 0); err != nil {
		_ = t.Close()
		return nil, err
	}
	return &device{c: c, id: deviceID}, nil
}

type client struct {
	t       transport
	timeout time.Duration
	log     zerolog.Logger
}

// call sends req and waits up to the call timeout plus extra for the reply.
func (c *client) call(ctx context.Context, req request, extra time.Duration) (reply, error) {
	if err := ctx.Err(); err != nil {
		return reply{}, err
	}
	msg, err := cbor.Marshal(req)
	if err != nil {
		return reply{}, fmt.Errorf("encode %s: %w", req.Op, err)
	}
	timeout := c.timeout + extra
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	start := time.Now()
	raw, err := c.t.RoundTrip(ctx, msg, timeout)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			// The ctx deadline may have capped timeout; report the ctx.
			return reply{}, fmt.Errorf("%s: %w", req.Op, ctx.Err())
		case req.Op == opWait && errors.Is(err, errNoReply):
			return reply{}, fmt.Errorf("%s: %w: %w", req.Op, err, acquisition.ErrWaitTimeout)
		}
		return reply{}, fmt.Errorf("%s: %w", req.Op, err)
	}
	var rep reply
	if err := cbor.Unmarshal(raw, &rep); err != nil {
		return reply{}, fmt.Errorf("decode %s reply: %w", req.Op, err)
	}
	c.log.Debug().Str("op", req.Op).Int("task", req.Task).Dur("rtt", time.Since(start)).Bool("ok", rep.OK).Msg("bridge call")
	if !rep.OK {
		if rep.Timeout {
			return reply{}, fmt.Errorf("%s: %s: %w", req.Op, rep.Error, acquisition.ErrWaitTimeout)
		}
		return reply{}, fmt.Errorf("%s: %s", req.Op, rep.Error)
	}
	return rep, nil
}

type device struct {
	c      *client
	id     string
	closed bool
}

func (v *device) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	_, err := v.c.call(context.Background(), request{Op: opCloseDevice, Device: v.id}, 0)
	if cerr := v.c.t.Close(); err == nil {
		err = cerr
	}
	return err
}

func (v *device) open(kind string, channels []string) (*task, error) {
	if v.closed {
		return nil, errors.New("device closed")
	}
	rep, err := v.c.call(context.Background(), request{Op: opOpenTask, Device: v.id, Kind: kind, Channels: channels}, 0)
	if err != nil {
		return nil, err
	}
	return &task{c: v.c, id: rep.Task, kind: kind, source: rep.ClockSource}, nil
}

func (v *device) OpenOutput(channels []string) (acquisition.OutputTask, error) {
	t, err := v.open(kindOutput, channels)
	if err != nil {
		return nil, err
	}
	return &outputTask{t}, nil
}

func (v *device) OpenInput(channels []string) (acquisition.InputTask, error) {
	t, err := v.open(kindInput, channels)
	if err != nil {
		return nil, err
	}
	return &inputTask{t}, nil
}

func (v *device) OpenDigital(lines []string) (acquisition.DigitalTask, error) {
	t, err := v.open(kindDigital, lines)
	if err != nil {
		return nil, err
	}
	return &digitalTask{t}, nil
}

type task struct {
	c      *client
	id     int
	kind   string
	source string
}

func (t *task) ConfigureClock(cfg acquisition.ClockConfig) error {
	_, err := t.c.call(context.Background(), request{
		Op:      opConfigureClock,
		Task:    t.id,
		Rate:    cfg.Rate,
		Mode:    cfg.Mode.String(),
		Samples: cfg.Samples,
		Source:  cfg.Source,
	}, 0)
	return err
}

func (t *task) ClockSource() string {
	return t.source
}

func (t *task) Start() error {
	_, err := t.c.call(context.Background(), request{Op: opStart, Task: t.id}, 0)
	return err
}

// WaitUntilDone lets the bridge enforce timeout; the reply may take that long.
func (t *task) WaitUntilDone(ctx context.Context, timeout time.Duration) error {
	_, err := t.c.call(ctx, request{Op: opWait, Task: t.id, TimeoutS: timeout.Seconds()}, timeout)
	return err
}

func (t *task) Close() error {
	_, err := t.c.call(context.Background(), request{Op: opCloseTask, Task: t.id}, 0)
	return err
}

type outputTask struct{ *task }

func (o *outputTask) Write(samples [][]float64) error {
	data, err := encodeMatrix(samples)
	if err != nil {
		return err
	}
	_, err = o.c.call(context.Background(), request{Op: opWriteAnalog, Task: o.id, Data: data}, 0)
	return err
}

type digitalTask struct{ *task }

func (d *digitalTask) Write(buf types.DigitalBuffer) error {
	_, err := d.c.call(context.Background(), request{
		Op:       opWriteDigital,
		Task:     d.id,
		Channels: buf.Lines,
		Data:     encodeDigital(buf),
	}, 0)
	return err
}

type inputTask struct{ *task }

func (in *inputTask) Read(n int) ([][]float64, error) {
	rep, err := in.c.call(context.Background(), request{Op: opRead, Task: in.id, Samples: n}, 0)
	if err != nil {
		return nil, err
	}
	out, err := decodeMatrix(rep.Data)
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	return out, nil
}
