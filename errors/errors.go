package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType int

const (
	ErrorNone ErrorType = iota
	ErrorTransport
	ErrorParse
	ErrorCapacity
	ErrorRoute
	ErrorTimeout
	ErrorInvalidArgument
	ErrorMemory
)

func (t ErrorType) String() string {
	switch t {
	case ErrorNone:
		return "none"
	case ErrorTransport:
		return "transport"
	case ErrorParse:
		return "parse"
	case ErrorCapacity:
		return "capacity"
	case ErrorRoute:
		return "route"
	case ErrorTimeout:
		return "timeout"
	case ErrorInvalidArgument:
		return "invalid argument"
	case ErrorMemory:
		return "memory"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// TransportError represents transport-layer specific errors
type TransportError int

const (
	TransportErrorNone TransportError = iota
	TransportErrorSocketCreateFailure
	TransportErrorSocketConnectFailure
	TransportErrorSocketReadFailure
	TransportErrorSocketWriteFailure
	TransportErrorConnectionClosed
	TransportErrorDnsFailure
	TransportErrorTimeout
	TransportErrorIoUringInit
	TransportErrorIoUringSubmit
	TransportErrorDuplicate
	TransportErrorCapacity
	TransportErrorNotRegistered
	TransportErrorPoll
	TransportErrorTLS
)

// ParseError represents malformed wire data. Parse errors are always
// local to one connection.
type ParseError int

const (
	ParseErrorNone ParseError = iota
	ParseErrorInvalidStartLine
	ParseErrorUnsupportedVersion
	ParseErrorHeaderTooLarge
	ParseErrorTooManyHeaders
	ParseErrorAmbiguousFraming
	ParseErrorInvalidChunk
	ParseErrorInvalidContentLength
	ParseErrorInvalidHeader
	ParseErrorStartLineTooLong
	ParseErrorIncompleteMessage
	ParseErrorUnsupportedTransferCoding
)

func (e ParseError) String() string {
	switch e {
	case ParseErrorNone:
		return "PARSE_NONE"
	case ParseErrorInvalidStartLine:
		return "PARSE_INVALID_START_LINE"
	case ParseErrorUnsupportedVersion:
		return "PARSE_UNSUPPORTED_VERSION"
	case ParseErrorHeaderTooLarge:
		return "PARSE_HEADER_TOO_LARGE"
	case ParseErrorTooManyHeaders:
		return "PARSE_TOO_MANY_HEADERS"
	case ParseErrorAmbiguousFraming:
		return "PARSE_AMBIGUOUS_FRAMING"
	case ParseErrorInvalidChunk:
		return "PARSE_INVALID_CHUNK"
	case ParseErrorInvalidContentLength:
		return "PARSE_INVALID_CONTENT_LENGTH"
	case ParseErrorInvalidHeader:
		return "PARSE_INVALID_HEADER"
	case ParseErrorStartLineTooLong:
		return "PARSE_START_LINE_TOO_LONG"
	case ParseErrorIncompleteMessage:
		return "PARSE_INCOMPLETE_MESSAGE"
	case ParseErrorUnsupportedTransferCoding:
		return "PARSE_UNSUPPORTED_TRANSFER_CODING"
	default:
		return fmt.Sprintf("PARSE_UNKNOWN(%d)", int(e))
	}
}

// RouteError represents a failed routing decision
type RouteError int

const (
	RouteErrorNone RouteError = iota
	RouteErrorNotFound
	RouteErrorForbidden
)

// Flow-control conditions. These are not failures: they tell the caller to
// come back once the condition has changed.
var (
	// ErrNeedMoreInput means the parser consumed everything it could and
	// needs more bytes before it can make progress.
	ErrNeedMoreInput = stderrors.New("need more input")

	// ErrOutputFull means the formatter stopped because the output buffer
	// has no room; flush it before continuing.
	ErrOutputFull = stderrors.New("output buffer full")

	// ErrWouldBlock means a non-blocking socket operation could not proceed.
	ErrWouldBlock = stderrors.New("operation would block")
)

// HttpError is the main error type of the proxy core
type HttpError struct {
	Type          ErrorType
	TransportErr  TransportError
	ParseErr      ParseError
	RouteErr      RouteError
	Message       string
	UnderlyingErr error
}

// Error implements the error interface
func (e *HttpError) Error() string {
	if e == nil {
		return "no error"
	}

	var typeStr string
	switch e.Type {
	case ErrorTransport:
		typeStr = fmt.Sprintf("Transport error (%d)", e.TransportErr)
	case ErrorParse:
		typeStr = fmt.Sprintf("Parse error (%s)", e.ParseErr)
	case ErrorCapacity:
		typeStr = "Capacity error"
	case ErrorRoute:
		typeStr = fmt.Sprintf("Route error (%d)", e.RouteErr)
	case ErrorTimeout:
		typeStr = "Timeout error"
	case ErrorInvalidArgument:
		typeStr = "Invalid argument"
	case ErrorMemory:
		typeStr = "Memory error"
	default:
		typeStr = "Unknown error"
	}

	if e.Message != "" {
		typeStr = fmt.Sprintf("%s: %s", typeStr, e.Message)
	}

	if e.UnderlyingErr != nil {
		return fmt.Sprintf("%s (caused by: %v)", typeStr, e.UnderlyingErr)
	}

	return typeStr
}

// Unwrap returns the underlying error for error chain support
func (e *HttpError) Unwrap() error {
	return e.UnderlyingErr
}

// NewTransportError creates a new transport error
func NewTransportError(err TransportError, message string, underlying error) *HttpError {
	return &HttpError{
		Type:          ErrorTransport,
		TransportErr:  err,
		Message:       message,
		UnderlyingErr: underlying,
	}
}

// NewParseError creates a new parse error
func NewParseError(err ParseError, message string) *HttpError {
	return &HttpError{
		Type:     ErrorParse,
		ParseErr: err,
		Message:  message,
	}
}

// NewCapacityError creates a new capacity error. Capacity errors are
// reported against the side whose data did not fit.
func NewCapacityError(message string) *HttpError {
	return &HttpError{
		Type:    ErrorCapacity,
		Message: message,
	}
}

// NewRouteError creates a new routing error
func NewRouteError(err RouteError, message string) *HttpError {
	return &HttpError{
		Type:     ErrorRoute,
		RouteErr: err,
		Message:  message,
	}
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string) *HttpError {
	return &HttpError{
		Type:    ErrorTimeout,
		Message: message,
	}
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string) *HttpError {
	return &HttpError{
		Type:    ErrorInvalidArgument,
		Message: message,
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// TypeOf returns the category of err, or ErrorNone when err is not an
// *HttpError.
func TypeOf(err error) ErrorType {
	var httpErr *HttpError
	if As(err, &httpErr) {
		return httpErr.Type
	}
	return ErrorNone
}

// ParseErrorOf returns the parse error code carried by err.
func ParseErrorOf(err error) (ParseError, bool) {
	var httpErr *HttpError
	if As(err, &httpErr) && httpErr.Type == ErrorParse {
		return httpErr.ParseErr, true
	}
	return ParseErrorNone, false
}

// TransportErrorOf returns the transport error code carried by err.
func TransportErrorOf(err error) (TransportError, bool) {
	var httpErr *HttpError
	if As(err, &httpErr) && httpErr.Type == ErrorTransport {
		return httpErr.TransportErr, true
	}
	return TransportErrorNone, false
}

// RouteErrorOf returns the route error code carried by err.
func RouteErrorOf(err error) (RouteError, bool) {
	var httpErr *HttpError
	if As(err, &httpErr) && httpErr.Type == ErrorRoute {
		return httpErr.RouteErr, true
	}
	return RouteErrorNone, false
}

// IsFlowControl reports whether err is one of the flow-control conditions
// rather than a failure.
func IsFlowControl(err error) bool {
	return err == ErrNeedMoreInput || err == ErrOutputFull || err == ErrWouldBlock
}
