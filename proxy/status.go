package proxy

import (
	"strconv"

	"github.com/nczempin/uproxy-go-uring/errors"
	"github.com/nczempin/uproxy-go-uring/protocol"
)

// statusFor maps an exchange failure to the status code of the response
// synthesized for the client, together with the failure kind it counts as
func statusFor(err error) (int, FailureKind) {
	if code, ok := errors.ParseErrorOf(err); ok {
		switch code {
		case errors.ParseErrorStartLineTooLong:
			return 414, FailureParse
		case errors.ParseErrorHeaderTooLarge, errors.ParseErrorTooManyHeaders:
			return 431, FailureParse
		case errors.ParseErrorUnsupportedVersion:
			return 505, FailureParse
		case errors.ParseErrorUnsupportedTransferCoding:
			return 501, FailureParse
		default:
			return 400, FailureParse
		}
	}
	if code, ok := errors.RouteErrorOf(err); ok {
		if code == errors.RouteErrorForbidden {
			return 403, FailureRoute
		}
		return 404, FailureRoute
	}
	if code, ok := errors.TransportErrorOf(err); ok {
		switch code {
		case errors.TransportErrorTimeout:
			return 504, FailureTimeout
		case errors.TransportErrorTLS:
			return 502, FailureTLS
		case errors.TransportErrorSocketConnectFailure, errors.TransportErrorDnsFailure:
			return 502, FailureConnect
		}
		return 502, FailureServer
	}
	switch errors.TypeOf(err) {
	case errors.ErrorCapacity:
		return 413, FailureParse
	case errors.ErrorTimeout:
		return 504, FailureTimeout
	}
	return 502, FailureServer
}

// errorBody is the text sent with a synthesized response
func errorBody(status int) string {
	return strconv.Itoa(status) + " " + protocol.StatusText(status) + "\n"
}

// setErrorResponse replaces resp with a synthesized error response that
// closes the connection
func setErrorResponse(resp *protocol.Response, status int, body string) {
	resp.Version = protocol.Version11
	resp.StatusCode = status
	resp.Reason = protocol.StatusText(status)
	resp.Headers = resp.Headers[:0]
	resp.Headers.Add("Content-Type", "text/plain; charset=utf-8")
	resp.Headers.Add("Content-Length", strconv.Itoa(len(body)))
	resp.Headers.Add("Connection", "close")
}
