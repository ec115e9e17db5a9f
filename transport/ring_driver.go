package transport

import (
	"github.com/iceber/iouring-go"
	"github.com/nczempin/uproxy-go-uring/errors"
	"golang.org/x/sys/unix"
)

// RingDriver transfers bytes through an iceber/iouring-go ring. Requests
// carry MSG_DONTWAIT so a completion never waits on the socket; readiness
// is still decided by the multiplexer.
type RingDriver struct {
	iour *iouring.IOURing
	ch   chan iouring.Result
}

// NewRingDriver creates a driver with a ring of the given depth
func NewRingDriver(entries uint) (*RingDriver, error) {
	iour, err := iouring.New(entries)
	if err != nil {
		return nil, errors.NewTransportError(
			errors.TransportErrorIoUringInit,
			"failed to initialize io_uring",
			err,
		)
	}
	return &RingDriver{
		iour: iour,
		ch:   make(chan iouring.Result, 1),
	}, nil
}

// Name identifies the driver in logs
func (d *RingDriver) Name() string { return BackendIoUring }

func (d *RingDriver) submit(req iouring.PrepRequest) (int, error) {
	submitted, err := d.iour.SubmitRequest(req, d.ch)
	if err != nil {
		return 0, errors.NewTransportError(
			errors.TransportErrorIoUringSubmit,
			"failed to submit request",
			err,
		)
	}
	<-d.ch
	return completion(submitted)
}

// completion decodes the raw result of a finished request: a negative
// value is an errno, anything else a byte count. Recv, send and connect
// requests carry no result resolver, so ReturnInt cannot decode them.
func completion(req iouring.Request) (int, error) {
	res, err := req.GetRes()
	if err != nil {
		return 0, err
	}
	if res < 0 {
		return 0, unix.Errno(-res)
	}
	return res, nil
}

// Read receives into p
func (d *RingDriver) Read(fd int, p []byte) (int, error) {
	for {
		n, err := d.submit(iouring.Recv(fd, p, unix.MSG_DONTWAIT))
		if err == unix.EINTR {
			continue
		}
		if _, ok := errors.TransportErrorOf(err); ok {
			return 0, err
		}
		return classifyRead(n, err, len(p))
	}
}

// Write sends from p
func (d *RingDriver) Write(fd int, p []byte) (int, error) {
	for {
		n, err := d.submit(iouring.Send(fd, p, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL))
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
func (d *RingDriver) Close() error {
	if d.iour == nil {
		return nil
	}
	err := d.iour.Close()
	d.iour = nil
	return err
}
