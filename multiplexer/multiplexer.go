package multiplexer

import (
	"context"
	"fmt"
	"time"

	"github.com/nczempin/uproxy-go-uring/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// maxPollFailures is the number of consecutive epoll_wait failures after
// which the multiplexer gives up
const maxPollFailures = 10

// wakeToken marks the eventfd in the poll set
const wakeToken = -1

// Config sizes a multiplexer
type Config struct {
	MaxSockets    int
	MaxEvents     int
	SweepInterval time.Duration
}

// DefaultConfig returns the configuration used when fields are left zero
func DefaultConfig() Config {
	return Config{
		MaxSockets:    4096,
		MaxEvents:     256,
		SweepInterval: 100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSockets <= 0 {
		c.MaxSockets = d.MaxSockets
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = d.MaxEvents
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// slot holds one registered socket. The generation changes every time the
// slot is released so events carrying an old token can be told apart.
type slot struct {
	socket       Socket
	gen          uint32
	events       uint32
	lastActivity time.Time
}

// handle names a slot at one generation
type handle struct {
	idx int32
	gen uint32
}

// Multiplexer is a level-triggered epoll reactor. It is driven by exactly
// one goroutine; only Wakeup may be called from elsewhere.
type Multiplexer struct {
	name   string
	cfg    Config
	logger *zap.Logger

	epfd   int
	wakefd int

	slots  []slot
	free   []int32
	byFd   map[int]int32
	events []unix.EpollEvent
	posted []handle

	lastSweep time.Time
	failures  int
	now       func() time.Time
}

// New creates a multiplexer. Failure to create the epoll instance or the
// wakeup descriptor, for example when the descriptor table is exhausted,
// is returned as a fatal error.
func New(name string, cfg Config, logger *zap.Logger) (*Multiplexer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.NewTransportError(errors.TransportErrorPoll, "failed to create epoll instance", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.NewTransportError(errors.TransportErrorPoll, "failed to create wakeup descriptor", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: wakeToken}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, errors.NewTransportError(errors.TransportErrorPoll, "failed to register wakeup descriptor", err)
	}

	return &Multiplexer{
		name:   name,
		cfg:    cfg,
		logger: logger.With(zap.String("multiplexer", name)),
		epfd:   epfd,
		wakefd: wakefd,
		byFd:   make(map[int]int32),
		events: make([]unix.EpollEvent, cfg.MaxEvents),
		now:    time.Now,
	}, nil
}

// Name identifies the multiplexer in logs
func (m *Multiplexer) Name() string { return m.name }

// Len returns the number of registered sockets
func (m *Multiplexer) Len() int { return len(m.byFd) }

// interest translates the socket's advertised flags into epoll events
func interest(s Socket) uint32 {
	var events uint32
	if s.WantAccept() || s.WantRead() {
		events |= unix.EPOLLIN
	}
	if s.WantConnect() || s.WantWrite() {
		events |= unix.EPOLLOUT
	}
	return events
}

// Add registers a socket for the interest it currently advertises
func (m *Multiplexer) Add(s Socket) error {
	fd := s.Fd()
	if fd < 0 {
		return errors.NewInvalidArgumentError("socket has no descriptor")
	}
	if _, ok := m.byFd[fd]; ok {
		return errors.NewTransportError(
			errors.TransportErrorDuplicate,
			fmt.Sprintf("descriptor %d already registered", fd),
			nil,
		)
	}
	if len(m.byFd) >= m.cfg.MaxSockets {
		return errors.NewTransportError(
			errors.TransportErrorCapacity,
			fmt.Sprintf("multiplexer full (%d sockets)", m.cfg.MaxSockets),
			nil,
		)
	}

	var idx int32
	if n := len(m.free); n > 0 {
		idx = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		m.slots = append(m.slots, slot{})
		idx = int32(len(m.slots) - 1)
	}

	sl := &m.slots[idx]
	events := interest(s)
	ev := unix.EpollEvent{Events: events, Fd: idx, Pad: int32(sl.gen)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		m.free = append(m.free, idx)
		return errors.NewTransportError(
			errors.TransportErrorPoll,
			fmt.Sprintf("failed to register descriptor %d", fd),
			err,
		)
	}

	sl.socket = s
	sl.events = events
	sl.lastActivity = m.now()
	m.byFd[fd] = idx

	m.logger.Debug("socket added", zap.String("socket", s.Name()), zap.Int("fd", fd))
	return nil
}

// lookup returns the slot index of a registered socket
func (m *Multiplexer) lookup(s Socket) (int32, bool) {
	idx, ok := m.byFd[s.Fd()]
	if !ok || m.slots[idx].socket != s {
		return 0, false
	}
	return idx, true
}

// Update re-reads the socket's interest and adjusts the poll set
func (m *Multiplexer) Update(s Socket) error {
	idx, ok := m.lookup(s)
	if !ok {
		return errors.NewTransportError(errors.TransportErrorNotRegistered, "socket not registered", nil)
	}
	return m.refresh(idx)
}

// Touch resets the idle clock of a registered socket
func (m *Multiplexer) Touch(s Socket) {
	if idx, ok := m.lookup(s); ok {
		m.slots[idx].lastActivity = m.now()
	}
}

// refresh issues EPOLL_CTL_MOD when the interest changed
func (m *Multiplexer) refresh(idx int32) error {
	sl := &m.slots[idx]
	events := interest(sl.socket)
	if events == sl.events {
		return nil
	}
	ev := unix.EpollEvent{Events: events, Fd: idx, Pad: int32(sl.gen)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, sl.socket.Fd(), &ev); err != nil {
		return errors.NewTransportError(errors.TransportErrorPoll, "failed to update interest", err)
	}
	sl.events = events
	return nil
}

// Remove deregisters a socket and calls its HandleRemove. Removing a socket
// that is not registered does nothing.
func (m *Multiplexer) Remove(s Socket) {
	if idx, ok := m.lookup(s); ok {
		m.release(idx)
	}
}

func (m *Multiplexer) release(idx int32) {
	sl := &m.slots[idx]
	s := sl.socket
	fd := s.Fd()

	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		m.logger.Debug("failed to deregister descriptor", zap.Int("fd", fd), zap.Error(err))
	}
	delete(m.byFd, fd)
	sl.socket = nil
	sl.events = 0
	sl.gen++
	m.free = append(m.free, idx)

	m.logger.Debug("socket removed", zap.String("socket", s.Name()), zap.Int("fd", fd))
	s.HandleRemove()
}

// Poll waits up to timeout for readiness, dispatches every ready socket
// and runs the idle sweep when it is due. It returns the number of
// events handled. A negative timeout blocks until an event arrives.
func (m *Multiplexer) Poll(timeout time.Duration) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	if len(m.posted) > 0 {
		ms = 0
	}

	var n int
	for {
		var err error
		n, err = unix.EpollWait(m.epfd, m.events, ms)
		if err == nil {
			m.failures = 0
			break
		}
		if err == unix.EINTR {
			continue
		}
		m.failures++
		m.logger.Warn("epoll wait failed", zap.Int("failures", m.failures), zap.Error(err))
		if m.failures >= maxPollFailures {
			return 0, errors.NewTransportError(
				errors.TransportErrorPoll,
				fmt.Sprintf("epoll wait failed %d times in a row", m.failures),
				err,
			)
		}
		return 0, nil
	}

	handled := 0
	for i := 0; i < n; i++ {
		ev := m.events[i]
		if ev.Fd == wakeToken {
			m.drainWakeup()
			continue
		}
		idx := ev.Fd
		if idx < 0 || int(idx) >= len(m.slots) {
			continue
		}
		sl := &m.slots[idx]
		// Removed during this cycle
		if sl.socket == nil || uint32(ev.Pad) != sl.gen {
			continue
		}
		m.dispatch(idx, ev.Events, false)
		handled++
	}
	handled += m.runPosted()

	if now := m.now(); now.Sub(m.lastSweep) >= m.cfg.SweepInterval {
		m.lastSweep = now
		m.sweep(now)
	}
	return handled, nil
}

// Post asks for s to be dispatched on the next cycle as if it were both
// readable and writable, without waiting for the kernel to report it. A
// posted socket that wants neither gets HandleWritable.
// Sockets that stop early while data is still buffered above the kernel
// use it to get called again. Accepting and connecting sockets are never
// dispatched this way.
func (m *Multiplexer) Post(s Socket) {
	if idx, ok := m.lookup(s); ok {
		m.posted = append(m.posted, handle{idx: idx, gen: m.slots[idx].gen})
	}
}

func (m *Multiplexer) runPosted() int {
	if len(m.posted) == 0 {
		return 0
	}
	batch := m.posted
	m.posted = nil

	handled := 0
	for _, h := range batch {
		sl := &m.slots[h.idx]
		if sl.socket == nil || sl.gen != h.gen {
			continue
		}
		if s := sl.socket; s.WantAccept() || s.WantConnect() {
			continue
		}
		m.dispatch(h.idx, unix.EPOLLIN|unix.EPOLLOUT, true)
		handled++
	}
	return handled
}

// dispatch invokes at most one readiness handler for a ready socket
func (m *Multiplexer) dispatch(idx int32, events uint32, posted bool) {
	sl := &m.slots[idx]
	s := sl.socket
	gen := sl.gen
	sl.lastActivity = m.now()

	var err error
	switch {
	case s.WantAccept():
		if events&unix.EPOLLERR != 0 {
			m.fail(idx, s)
			return
		}
		if events&unix.EPOLLIN != 0 {
			err = s.HandleAccept()
		}

	case s.WantConnect():
		switch {
		case events&unix.EPOLLERR != 0:
			m.fail(idx, s)
			return
		case events&unix.EPOLLOUT != 0:
			err = s.HandleConnect()
		case events&unix.EPOLLHUP != 0:
			s.HandleRemoteClose()
			m.releaseIf(idx, s)
			return
		}

	default:
		readable := events&unix.EPOLLIN != 0 && s.WantRead()
		writable := events&unix.EPOLLOUT != 0 && s.WantWrite()
		if posted && !readable {
			writable = true
		}
		switch {
		case events&unix.EPOLLERR != 0:
			m.fail(idx, s)
			return
		case events&unix.EPOLLHUP != 0 && !readable && !writable:
			s.HandleRemoteClose()
			m.releaseIf(idx, s)
			return
		case writable:
			err = s.HandleWritable()
		case readable:
			err = s.HandleReadable()
		}
	}

	// The handler may have removed the socket itself or grown the table
	if cur := &m.slots[idx]; cur.socket != s || cur.gen != gen {
		return
	}
	if err != nil {
		m.logger.Debug("handler requested removal", zap.String("socket", s.Name()), zap.Error(err))
		m.release(idx)
		return
	}
	if err := m.refresh(idx); err != nil {
		m.logger.Warn("failed to update interest", zap.String("socket", s.Name()), zap.Error(err))
		s.HandleError(err)
		m.releaseIf(idx, s)
	}
}

// fail reports the pending socket error and removes the socket
func (m *Multiplexer) fail(idx int32, s Socket) {
	err := socketError(s.Fd())
	if err == nil {
		err = errors.NewTransportError(errors.TransportErrorConnectionClosed, "socket error condition", nil)
	}
	s.HandleError(err)
	m.releaseIf(idx, s)
}

// releaseIf releases the slot unless a handler already removed s
func (m *Multiplexer) releaseIf(idx int32, s Socket) {
	if m.slots[idx].socket == s {
		m.release(idx)
	}
}

func socketError(fd int) error {
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if code != 0 {
		return unix.Errno(code)
	}
	return nil
}

// sweep evicts sockets idle beyond their threshold and refreshes interest
// of the rest
func (m *Multiplexer) sweep(now time.Time) {
	for i := range m.slots {
		idx := int32(i)
		sl := &m.slots[idx]
		s := sl.socket
		if s == nil {
			continue
		}
		if limit := s.IdleTimeout(); limit > 0 && now.Sub(sl.lastActivity) > limit {
			m.logger.Debug("socket idle", zap.String("socket", s.Name()), zap.Duration("idle", now.Sub(sl.lastActivity)))
			s.HandleIdle()
			m.releaseIf(idx, s)
			continue
		}
		if err := m.refresh(idx); err != nil {
			s.HandleError(err)
			m.releaseIf(idx, s)
		}
	}
}

// Wakeup interrupts a blocked Poll. It is safe to call from any goroutine.
func (m *Multiplexer) Wakeup() {
	var one = [8]byte{1}
	unix.Write(m.wakefd, one[:])
}

func (m *Multiplexer) drainWakeup() {
	var buf [8]byte
	unix.Read(m.wakefd, buf[:])
}

// Run polls until ctx is cancelled or polling fails permanently
func (m *Multiplexer) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, m.Wakeup)
	defer stop()

	m.logger.Info("multiplexer running")
	for ctx.Err() == nil {
		if _, err := m.Poll(m.cfg.SweepInterval); err != nil {
			m.logger.Error("multiplexer stopped", zap.Error(err))
			return err
		}
	}
	m.logger.Info("multiplexer stopping", zap.Int("sockets", m.Len()))
	return nil
}

// Close removes every registered socket and releases the poll descriptors
func (m *Multiplexer) Close() error {
	for i := range m.slots {
		if m.slots[i].socket != nil {
			m.release(int32(i))
		}
	}
	unix.Close(m.wakefd)
	return unix.Close(m.epfd)
}
