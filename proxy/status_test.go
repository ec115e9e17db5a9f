package proxy

import (
	"strconv"
	"testing"

	"github.com/nczempin/uproxy-go-uring/errors"
	"github.com/nczempin/uproxy-go-uring/protocol"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   FailureKind
	}{
		{"malformed", errors.NewParseError(errors.ParseErrorInvalidStartLine, "bad"), 400, FailureParse},
		{"start line", errors.NewParseError(errors.ParseErrorStartLineTooLong, "long"), 414, FailureParse},
		{"header line", errors.NewParseError(errors.ParseErrorHeaderTooLarge, "long"), 431, FailureParse},
		{"header count", errors.NewParseError(errors.ParseErrorTooManyHeaders, "many"), 431, FailureParse},
		{"version", errors.NewParseError(errors.ParseErrorUnsupportedVersion, "2.0"), 505, FailureParse},
		{"coding", errors.NewParseError(errors.ParseErrorUnsupportedTransferCoding, "gzip"), 501, FailureParse},
		{"not found", errors.NewRouteError(errors.RouteErrorNotFound, "none"), 404, FailureRoute},
		{"forbidden", errors.NewRouteError(errors.RouteErrorForbidden, "deny"), 403, FailureRoute},
		{"timeout", errors.NewTransportError(errors.TransportErrorTimeout, "slow", nil), 504, FailureTimeout},
		{"tls", errors.NewTransportError(errors.TransportErrorTLS, "cert", nil), 502, FailureTLS},
		{"refused", errors.NewTransportError(errors.TransportErrorSocketConnectFailure, "refused", nil), 502, FailureConnect},
		{"dns", errors.NewTransportError(errors.TransportErrorDnsFailure, "nxdomain", nil), 502, FailureConnect},
		{"reset", errors.NewTransportError(errors.TransportErrorConnectionClosed, "reset", nil), 502, FailureServer},
		{"body too large", errors.NewCapacityError("body"), 413, FailureParse},
		{"other", errors.NewInvalidArgumentError("odd"), 502, FailureServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, kind := statusFor(tt.err)
			if status != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, status)
			}
			if kind != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, kind)
			}
		})
	}
}

func TestSetErrorResponse(t *testing.T) {
	resp := &protocol.Response{
		StatusCode: 200,
		Headers:    protocol.HttpHeaders{{Key: "Transfer-Encoding", Value: "chunked"}},
	}
	body := errorBody(502)
	setErrorResponse(resp, 502, body)

	if resp.StatusCode != 502 || resp.Reason != "Bad Gateway" {
		t.Errorf("Expected 502 Bad Gateway, got %d %s", resp.StatusCode, resp.Reason)
	}
	if body != "502 Bad Gateway\n" {
		t.Errorf("Expected body %q, got %q", "502 Bad Gateway\n", body)
	}
	if resp.Headers.Has("Transfer-Encoding") {
		t.Error("Expected previous headers to be dropped")
	}
	if got := resp.Headers.Get("Content-Length"); got != strconv.Itoa(len(body)) {
		t.Errorf("Expected Content-Length %d, got %s", len(body), got)
	}
	if !resp.Headers.HasToken("Connection", "close") {
		t.Error("Expected Connection: close")
	}
}
