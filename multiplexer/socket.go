package multiplexer

import "time"

// Socket is the callback interface every registered descriptor implements.
// Listening, client and server sockets are variants behind it.
//
// The Want methods advertise the socket's current interest; they are
// re-read after every handler call. A handler returning a non-nil error
// asks the multiplexer to remove the socket. HandleError, HandleRemoteClose
// and HandleIdle are always followed by removal. HandleRemove is called
// exactly once, after the descriptor has left the poll set, and must close
// the descriptor.
type Socket interface {
	Fd() int
	Name() string

	WantAccept() bool
	WantConnect() bool
	WantRead() bool
	WantWrite() bool

	// IdleTimeout is the inactivity limit for the socket's current state.
	// Zero disables the idle sweep for the socket.
	IdleTimeout() time.Duration

	HandleAccept() error
	HandleConnect() error
	HandleReadable() error
	HandleWritable() error
	HandleError(err error)
	HandleRemoteClose()
	HandleIdle()
	HandleRemove()
}
