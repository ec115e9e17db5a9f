package protocol

import (
	"reflect"
	"testing"

	"github.com/nczempin/uproxy-go-uring/arena"
	"github.com/nczempin/uproxy-go-uring/errors"
)

func TestClientTransaction_ResetIsIdempotent(t *testing.T) {
	inputs := []struct {
		name  string
		input string
		state ParserState
	}{
		{"complete", "POST /a HTTP/1.1\r\nHost: a\r\nContent-Length: 2\r\n\r\nhi", StateComplete},
		{"error", "BROKEN\r\n\r\n", StateError},
	}

	for _, tc := range inputs {
		t.Run(tc.name, func(t *testing.T) {
			tx, err := NewClientTransaction(nil, DefaultLimits(), 128)
			if err != nil {
				t.Fatalf("Failed to create transaction: %v", err)
			}
			tx.In().Write([]byte(tc.input))
			tx.ParseRequest()
			tx.Parser().SkipBody(tx.In())
			tx.Response().StatusCode = 200
			tx.Response().Headers.Add("Content-Length", "0")
			tx.FormatResponse()

			if tx.Parser().State() != tc.state {
				t.Fatalf("Expected %s before reset, got %s", tc.state, tx.Parser().State())
			}

			fresh, _ := NewClientTransaction(nil, DefaultLimits(), 128)
			for i := 0; i < 3; i++ {
				tx.Reset()
				if !reflect.DeepEqual(tx, fresh) {
					t.Fatalf("Expected reset #%d to equal a fresh transaction", i+1)
				}
			}
		})
	}
}

func TestServerTransaction_ResetIsIdempotent(t *testing.T) {
	tx, _ := NewServerTransaction(nil, DefaultLimits(), 128)
	tx.Request().Method = "GET"
	tx.Request().Target = "/"
	tx.Request().Headers.Add("Host", "b")
	tx.FormatRequest()
	tx.In().Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	if err := tx.ParseResponse(); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	fresh, _ := NewServerTransaction(nil, DefaultLimits(), 128)
	tx.Reset()
	tx.Reset()
	if !reflect.DeepEqual(tx, fresh) {
		t.Error("Expected reset transaction to equal a fresh one")
	}
}

func TestClientTransaction_RecycleKeepsPipelinedInput(t *testing.T) {
	tx, _ := NewClientTransaction(nil, DefaultLimits(), 256)
	tx.In().Write([]byte("GET /one HTTP/1.1\r\nHost: a\r\n\r\nGET /two HTTP/1.1\r\nHost: a\r\n\r\n"))

	if err := tx.ParseRequest(); err != nil {
		t.Fatalf("Failed to parse first request: %v", err)
	}
	if tx.Request().Target != "/one" {
		t.Fatalf("Expected /one, got %s", tx.Request().Target)
	}

	tx.Recycle()
	if err := tx.ParseRequest(); err != nil {
		t.Fatalf("Failed to parse pipelined request: %v", err)
	}
	if tx.Request().Target != "/two" {
		t.Errorf("Expected /two, got %s", tx.Request().Target)
	}
}

func TestClientTransaction_KeepAlive(t *testing.T) {
	cases := []struct {
		input string
		want  bool
	}{
		{"GET / HTTP/1.1\r\n\r\n", true},
		{"GET / HTTP/1.1\r\nConnection: close\r\n\r\n", false},
		{"GET / HTTP/1.0\r\n\r\n", false},
		{"GET / HTTP/1.0\r\nConnection: Keep-Alive\r\n\r\n", true},
	}

	for _, tc := range cases {
		tx, _ := NewClientTransaction(nil, DefaultLimits(), 128)
		tx.In().Write([]byte(tc.input))
		if err := tx.ParseRequest(); err != nil {
			t.Fatalf("Failed to parse %q: %v", tc.input, err)
		}
		if got := tx.KeepAlive(); got != tc.want {
			t.Errorf("Expected keep-alive %v for %q, got %v", tc.want, tc.input, got)
		}
	}
}

func TestClientTransaction_ExpectsContinue(t *testing.T) {
	tx, _ := NewClientTransaction(nil, DefaultLimits(), 128)
	tx.In().Write([]byte("PUT /f HTTP/1.1\r\nExpect: 100-continue\r\nContent-Length: 3\r\n\r\n"))
	tx.ParseRequest()

	if !tx.ExpectsContinue() {
		t.Error("Expected the request to wait for 100 Continue")
	}
}

func TestServerTransaction_NextResponseSkipsInterim(t *testing.T) {
	tx, _ := NewServerTransaction(nil, DefaultLimits(), 256)
	tx.Request().Method = "POST"
	tx.In().Write([]byte("HTTP/1.1 103 Early Hints\r\nLink: </s.css>\r\n\r\nHTTP/1.1 201 Created\r\nContent-Length: 0\r\n\r\n"))

	if err := tx.ParseResponse(); err != nil {
		t.Fatalf("Failed to parse interim response: %v", err)
	}
	if !tx.Response().Interim() {
		t.Fatalf("Expected interim response, got %d", tx.Response().StatusCode)
	}

	tx.NextResponse()
	if err := tx.ParseResponse(); err != nil {
		t.Fatalf("Failed to parse final response: %v", err)
	}
	if tx.Response().StatusCode != 201 {
		t.Errorf("Expected 201, got %d", tx.Response().StatusCode)
	}
	if !tx.KeepAlive() {
		t.Error("Expected backend connection to be reusable")
	}
}

func TestTransaction_ReleaseReturnsBuffers(t *testing.T) {
	a := arena.New(1024)
	tx, err := NewClientTransaction(a, DefaultLimits(), 1024)
	if err != nil {
		t.Fatalf("Failed to create transaction: %v", err)
	}
	if tx.Allocator() != a {
		t.Error("Expected transaction to remember its allocator")
	}

	tx.Release()
	tx.Release()

	if s := a.Stats(); s.Outstanding != 0 {
		t.Errorf("Expected all buffers returned, %d outstanding", s.Outstanding)
	}
	if !tx.Released() {
		t.Error("Expected transaction to report released")
	}
}

func TestTransaction_BufferLargerThanArena(t *testing.T) {
	a := arena.New(64)
	_, err := NewServerTransaction(a, DefaultLimits(), 128)
	if errors.TypeOf(err) != errors.ErrorMemory {
		t.Errorf("Expected memory error, got %v", err)
	}
	if s := a.Stats(); s.Outstanding != 0 {
		t.Errorf("Expected no leaked buffers, %d outstanding", s.Outstanding)
	}
}
