package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
)

func TestHttpError_Error_IncludesCause(t *testing.T) {
	err := NewTransportError(TransportErrorSocketConnectFailure, "failed to connect to 127.0.0.1:1", syscall.ECONNREFUSED)

	msg := err.Error()
	if !strings.Contains(msg, "failed to connect") {
		t.Errorf("Expected message in %q", msg)
	}
	if !strings.Contains(msg, "caused by") {
		t.Errorf("Expected cause in %q", msg)
	}
	if !Is(err, syscall.ECONNREFUSED) {
		t.Error("Expected error chain to contain ECONNREFUSED")
	}
}

func TestHttpError_NilError(t *testing.T) {
	var err *HttpError
	if err.Error() != "no error" {
		t.Errorf("Expected \"no error\", got %q", err.Error())
	}
}

func TestParseErrorOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("client side: %w", NewParseError(ParseErrorAmbiguousFraming, "both framings"))

	code, ok := ParseErrorOf(err)
	if !ok {
		t.Fatal("Expected parse error to be found in chain")
	}
	if code != ParseErrorAmbiguousFraming {
		t.Errorf("Expected %s, got %s", ParseErrorAmbiguousFraming, code)
	}
	if TypeOf(err) != ErrorParse {
		t.Errorf("Expected type %s, got %s", ErrorParse, TypeOf(err))
	}
}

func TestTypeOf_PlainError(t *testing.T) {
	if TypeOf(stderrors.New("plain")) != ErrorNone {
		t.Error("Expected ErrorNone for a plain error")
	}
	if _, ok := TransportErrorOf(stderrors.New("plain")); ok {
		t.Error("Expected no transport error for a plain error")
	}
}

func TestRouteErrorOf(t *testing.T) {
	code, ok := RouteErrorOf(NewRouteError(RouteErrorNotFound, "/unknown"))
	if !ok || code != RouteErrorNotFound {
		t.Errorf("Expected RouteErrorNotFound, got %v (ok=%v)", code, ok)
	}
}

func TestIsFlowControl(t *testing.T) {
	for _, err := range []error{ErrNeedMoreInput, ErrOutputFull, ErrWouldBlock} {
		if !IsFlowControl(err) {
			t.Errorf("Expected %v to be a flow-control condition", err)
		}
	}
	if IsFlowControl(NewCapacityError("full")) {
		t.Error("Expected capacity error not to be a flow-control condition")
	}
}
