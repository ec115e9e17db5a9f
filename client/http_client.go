package client

import (
	"github.com/nczempin/uproxy-go-uring/errors"
	"github.com/nczempin/uproxy-go-uring/protocol"
)

// HttpClient provides a high-level HTTP client API
type HttpClient struct {
	protocol *protocol.Http1Protocol
}

// NewHttpClient creates a new HTTP client with the given protocol
func NewHttpClient(proto *protocol.Http1Protocol) *HttpClient {
	return &HttpClient{
		protocol: proto,
	}
}

// Connect establishes a connection to the specified host and port
func (c *HttpClient) Connect(host string, port int) error {
	return c.protocol.Connect(host, port)
}

// Disconnect closes the connection
func (c *HttpClient) Disconnect() error {
	return c.protocol.Disconnect()
}

// KeepAlive reports whether the connection may carry another request
func (c *HttpClient) KeepAlive() bool {
	return c.protocol.KeepAlive()
}

// GetSafe performs a GET request and returns a copied response
func (c *HttpClient) GetSafe(req *protocol.HttpRequest) (*protocol.HttpResponse, error) {
	if err := validateBodyless(req, "GET"); err != nil {
		return nil, err
	}
	req.Method = protocol.MethodGet
	return c.protocol.PerformRequestSafe(req)
}

// GetUnsafe performs a GET request and returns a zero-copy response
// The response is only valid until the next request
func (c *HttpClient) GetUnsafe(req *protocol.HttpRequest) (*protocol.UnsafeHttpResponse, error) {
	if err := validateBodyless(req, "GET"); err != nil {
		return nil, err
	}
	req.Method = protocol.MethodGet
	return c.protocol.PerformRequestUnsafe(req)
}

// HeadSafe performs a HEAD request. The response never has a body.
func (c *HttpClient) HeadSafe(req *protocol.HttpRequest) (*protocol.HttpResponse, error) {
	if err := validateBodyless(req, "HEAD"); err != nil {
		return nil, err
	}
	req.Method = protocol.MethodHead
	return c.protocol.PerformRequestSafe(req)
}

// PostSafe performs a POST request and returns a copied response
func (c *HttpClient) PostSafe(req *protocol.HttpRequest) (*protocol.HttpResponse, error) {
	if err := validateBodyRequest(req, "POST"); err != nil {
		return nil, err
	}
	req.Method = protocol.MethodPost
	return c.protocol.PerformRequestSafe(req)
}

// PostUnsafe performs a POST request and returns a zero-copy response
// The response is only valid until the next request
func (c *HttpClient) PostUnsafe(req *protocol.HttpRequest) (*protocol.UnsafeHttpResponse, error) {
	if err := validateBodyRequest(req, "POST"); err != nil {
		return nil, err
	}
	req.Method = protocol.MethodPost
	return c.protocol.PerformRequestUnsafe(req)
}

// PutSafe performs a PUT request and returns a copied response
func (c *HttpClient) PutSafe(req *protocol.HttpRequest) (*protocol.HttpResponse, error) {
	if err := validateBodyRequest(req, "PUT"); err != nil {
		return nil, err
	}
	req.Method = protocol.MethodPut
	return c.protocol.PerformRequestSafe(req)
}

// DeleteSafe performs a DELETE request and returns a copied response
func (c *HttpClient) DeleteSafe(req *protocol.HttpRequest) (*protocol.HttpResponse, error) {
	req.Method = protocol.MethodDelete
	return c.protocol.PerformRequestSafe(req)
}

func validateBodyless(req *protocol.HttpRequest, method string) error {
	if len(req.Body) > 0 {
		return errors.NewInvalidArgumentError(method + " request cannot have a body")
	}
	return nil
}

// validateBodyRequest validates that a request carrying a body has the
// required fields
func validateBodyRequest(req *protocol.HttpRequest, method string) error {
	if len(req.Body) == 0 {
		return errors.NewInvalidArgumentError(method + " request must have a body")
	}

	if !req.Headers.Has("Content-Length") && !req.Headers.HasToken("Transfer-Encoding", "chunked") {
		return errors.NewInvalidArgumentError(method + " request must have Content-Length header")
	}

	return nil
}
