package protocol

import (
	"io"

	"github.com/nczempin/uproxy-go-uring/buffer"
	"github.com/nczempin/uproxy-go-uring/errors"
)

// Stream exposes the body side of a transaction to the layer above: body
// bytes come out of the parser's input buffer and go into the formatter's
// output buffer
type Stream struct {
	tx *Transaction
}

// NewStream wraps a transaction
func NewStream(tx *Transaction) *Stream {
	return &Stream{tx: tx}
}

// Transaction returns the wrapped transaction
func (s *Stream) Transaction() *Transaction {
	return s.tx
}

// ReadBody copies available body bytes into dst. It returns io.EOF at the
// end of the body and ErrNeedMoreInput when nothing is buffered.
func (s *Stream) ReadBody(dst []byte) (int, error) {
	data, err := s.tx.parser.PeekBody(s.tx.in)
	if err != nil {
		return 0, err
	}
	n := copy(dst, data)
	s.tx.parser.ConsumeBody(s.tx.in, n)
	return n, nil
}

// WriteBody frames src into the output buffer
func (s *Stream) WriteBody(src []byte) (int, error) {
	return s.tx.formatter.WriteBody(s.tx.out, src)
}

// EndBody terminates the outgoing body
func (s *Stream) EndBody(trailers HttpHeaders) error {
	return s.tx.formatter.EndBody(s.tx.out, trailers)
}

// Pending reports whether the output buffer holds bytes not yet sent
func (s *Stream) Pending() bool {
	return !s.tx.out.Empty()
}

// RelayStatus tells the caller why a relay step stopped
type RelayStatus int

const (
	// RelayDone means the source body is complete and the destination body
	// has been terminated
	RelayDone RelayStatus = iota
	// RelayNeedInput means the source input buffer is drained
	RelayNeedInput
	// RelayOutputFull means the destination output buffer must be flushed
	RelayOutputFull
)

// RelayBody moves body bytes from src's input buffer straight into dst's
// output buffer without an intermediate copy. It stops as soon as either
// side cannot make progress, so no more than one buffer of data is ever
// held per direction.
func RelayBody(src *Stream, dst *Stream) (RelayStatus, int64, error) {
	var moved int64
	in := src.tx.in
	out := dst.tx.out
	for {
		data, err := src.tx.parser.PeekBody(in)
		switch {
		case err == io.EOF:
			if err := dst.tx.formatter.EndBody(out, src.tx.parser.Trailers()); err != nil {
				if err == errors.ErrOutputFull {
					return RelayOutputFull, moved, nil
				}
				return RelayDone, moved, err
			}
			return RelayDone, moved, nil
		case err == errors.ErrNeedMoreInput:
			return RelayNeedInput, moved, nil
		case err != nil:
			return RelayDone, moved, err
		}

		n, err := dst.tx.formatter.WriteBody(out, data)
		src.tx.parser.ConsumeBody(in, n)
		moved += int64(n)
		if err == errors.ErrOutputFull {
			return RelayOutputFull, moved, nil
		}
		if err != nil {
			return RelayDone, moved, err
		}
	}
}

// DrainTo writes buffered output to w until the buffer is empty or w
// would block
func DrainTo(out *buffer.Buffer, w io.Writer) (int, error) {
	total := 0
	for !out.Empty() {
		n, err := w.Write(out.Readable())
		if n > 0 {
			out.Skip(n)
			total += n
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}
