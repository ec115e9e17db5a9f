package transport

import (
	"fmt"
	"syscall"

	"github.com/godzie44/go-uring/uring"
	"github.com/nczempin/uproxy-go-uring/errors"
	"golang.org/x/sys/unix"
)

// RingDriverV2 transfers bytes through a godzie44/go-uring ring. Each call
// queues one SQE, submits it and reaps its completion before returning.
type RingDriverV2 struct {
	ring *uring.Ring
}

// NewRingDriverV2 creates a driver with a ring of depth 32
func NewRingDriverV2() (*RingDriverV2, error) {
	ring, err := uring.New(32)
	if err != nil {
		return nil, errors.NewTransportError(
			errors.TransportErrorIoUringInit,
			"failed to initialize io_uring",
			err,
		)
	}
	return &RingDriverV2{ring: ring}, nil
}

// Name identifies the driver in logs
func (d *RingDriverV2) Name() string { return BackendUring }

func queueError(err error) error {
	return errors.NewTransportError(errors.TransportErrorIoUringSubmit, "failed to queue request", err)
}

// reapOne submits the queued SQE and returns the result of its completion
func reapOne(ring *uring.Ring, op string) (int, error) {
	if _, err := ring.Submit(); err != nil {
		return 0, errors.NewTransportError(
			errors.TransportErrorIoUringSubmit,
			fmt.Sprintf("failed to submit %s request", op),
			err,
		)
	}

	// Wait for completion
	cqe, err := ring.WaitCQEvents(1)
	if err != nil {
		return 0, errors.NewTransportError(
			errors.TransportErrorIoUringSubmit,
			fmt.Sprintf("failed to wait for %s completion", op),
			err,
		)
	}

	res := cqe.Res
	cqeErr := cqe.Error()
	ring.SeenCQE(cqe)
	if cqeErr != nil {
		if res < 0 {
			return 0, syscall.Errno(-res)
		}
		return 0, cqeErr
	}
	return int(res), nil
}

// Read receives into p. A read on a socket would park in the ring until
// data arrives, so the receive carries MSG_DONTWAIT and an empty queue
// completes with EAGAIN.
func (d *RingDriverV2) Read(fd int, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if err := d.ring.QueueSQE(uring.Recv(uintptr(fd), p, unix.MSG_DONTWAIT), 0, 0); err != nil {
			return 0, queueError(err)
		}
		n, err := reapOne(d.ring, "read")
		if err == unix.EINTR {
			continue
		}
		if _, ok := errors.TransportErrorOf(err); ok {
			return 0, err
		}
		return classifyRead(n, err, len(p))
	}
}

// Write sends from p without waiting for buffer space
func (d *RingDriverV2) Write(fd int, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if err := d.ring.QueueSQE(uring.Send(uintptr(fd), p, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL), 0, 0); err != nil {
			return 0, queueError(err)
		}
		n, err := reapOne(d.ring, "write")
		if err == unix.EINTR {
			continue
		}
		if _, ok := errors.TransportErrorOf(err); ok {
			return 0, err
		}
		return classifyWrite(n, err)
	}
}

// Close tears down the ring
func (d *RingDriverV2) Close() error {
	if d.ring == nil {
		return nil
	}
	err := d.ring.Close()
	d.ring = nil
	return err
}
