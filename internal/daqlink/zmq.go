package daqlink

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
)

// errNoReply means the bridge stayed silent for the whole call timeout.
var errNoReply = errors.New("no reply from bridge")

// pollSlice bounds how long a pending reply can hide a cancelled context.
const pollSlice = 100 * time.Millisecond

// zmqTransport is a REQ socket. A REQ socket that missed a reply is stuck
// in the send-receive cycle, so it is rebuilt before the next request.
type zmqTransport struct {
	endpoint string
	socket   *zmq4.Socket
}

func dialZMQ(endpoint string) (transport, error) {
	t := &zmqTransport{endpoint: endpoint}
	if err := t.connect(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *zmqTransport) connect() error {
	socket, err := zmq4.NewSocket(zmq4.REQ)
	if err != nil {
		return err
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return err
	}
	if err := socket.Connect(t.endpoint); err != nil {
		_ = socket.Close()
		return err
	}
	t.socket = socket
	return nil
}

func (t *zmqTransport) RoundTrip(ctx context.Context, msg []byte, timeout time.Duration) ([]byte, error) {
	if t.socket == nil {
		if err := t.connect(); err != nil {
			return nil, err
		}
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: call deadline already passed", errNoReply)
	}
	if _, err := t.socket.SendBytes(msg, 0); err != nil {
		t.reset()
		return nil, fmt.Errorf("send: %w", err)
	}

	poller := zmq4.NewPoller()
	poller.Add(t.socket, zmq4.POLLIN)
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			t.reset()
			return nil, err
		}
		left := time.Until(deadline)
		if left <= 0 {
			t.reset()
			return nil, fmt.Errorf("%w within %s", errNoReply, timeout)
		}
		polled, err := poller.Poll(min(left, pollSlice))
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EINTR) {
				continue
			}
			t.reset()
			return nil, fmt.Errorf("poll: %w", err)
		}
		if len(polled) == 0 {
			continue
		}
		reply, err := t.socket.RecvBytes(0)
		if err != nil {
			t.reset()
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
				return nil, fmt.Errorf("%w within %s", errNoReply, timeout)
			}
			return nil, fmt.Errorf("recv: %w", err)
		}
		return reply, nil
	}
}

func (t *zmqTransport) reset() {
	if t.socket != nil {
		_ = t.socket.Close()
		t.socket = nil
	}
}

func (t *zmqTransport) Close() error {
	if t.socket == nil {
		return nil
	}
	err := t.socket.Close()
	t.socket = nil
	return err
}
