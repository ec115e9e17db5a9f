package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/nczempin/uproxy-go-uring/errors"
)

func setupTcpTestServer(t *testing.T, serverLogic func(net.Conn)) (string, int, func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create test server: %v", err)
	}

	addr := listener.Addr().(*net.TCPAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		serverLogic(conn)
		conn.Close()
	}()

	cleanup := func() {
		listener.Close()
		<-done
	}

	return addr.IP.String(), addr.Port, cleanup
}

type testTransport interface {
	Transport
	Deadliner
}

// tcpTransports lists every blocking TCP transport; ring based ones are
// skipped when the kernel refuses to set up a ring
func tcpTransports(t *testing.T) map[string]func(t *testing.T) testTransport {
	return map[string]func(t *testing.T) testTransport{
		"net": func(t *testing.T) testTransport {
			return NewNetTransport(time.Second)
		},
		"iouring": func(t *testing.T) testTransport {
			tr, err := NewTcpTransport()
			if err != nil {
				t.Skipf("io_uring unavailable: %v", err)
			}
			t.Cleanup(tr.Destroy)
			return tr
		},
		"uring": func(t *testing.T) testTransport {
			tr, err := NewTcpTransportV2()
			if err != nil {
				t.Skipf("io_uring unavailable: %v", err)
			}
			t.Cleanup(tr.Destroy)
			return tr
		},
	}
}

func TestTransport_Echo(t *testing.T) {
	for name, create := range tcpTransports(t) {
		t.Run(name, func(t *testing.T) {
			host, port, cleanup := setupTcpTestServer(t, func(conn net.Conn) {
				buf := make([]byte, 1024)
				n, _ := conn.Read(buf)
				conn.Write(buf[:n])
			})
			defer cleanup()

			tr := create(t)
			if err := tr.Connect(host, port); err != nil {
				t.Fatalf("Connect failed: %v", err)
			}
			defer tr.Close()

			message := "hello server"
			n, err := tr.Write([]byte(message))
			if err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			if n != len(message) {
				t.Errorf("Expected to write %d bytes, wrote %d", len(message), n)
			}

			buf := make([]byte, 64)
			n, err = tr.Read(buf)
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if string(buf[:n]) != message {
				t.Errorf("Expected %q, got %q", message, buf[:n])
			}
		})
	}
}

func TestTransport_Read_ConnectionClosed(t *testing.T) {
	for name, create := range tcpTransports(t) {
		t.Run(name, func(t *testing.T) {
			host, port, cleanup := setupTcpTestServer(t, func(conn net.Conn) {})
			defer cleanup()

			tr := create(t)
			if err := tr.Connect(host, port); err != nil {
				t.Fatalf("Connect failed: %v", err)
			}
			defer tr.Close()

			_, err := tr.Read(make([]byte, 16))
			code, ok := errors.TransportErrorOf(err)
			if !ok || code != errors.TransportErrorConnectionClosed {
				t.Errorf("Expected ConnectionClosed, got %v", err)
			}
		})
	}
}

func TestTransport_Read_Deadline(t *testing.T) {
	for name, create := range tcpTransports(t) {
		t.Run(name, func(t *testing.T) {
			release := make(chan struct{})
			host, port, cleanup := setupTcpTestServer(t, func(conn net.Conn) {
				<-release
			})
			defer cleanup()
			defer close(release)

			tr := create(t)
			if err := tr.Connect(host, port); err != nil {
				t.Fatalf("Connect failed: %v", err)
			}
			defer tr.Close()

			tr.SetDeadline(time.Now().Add(50 * time.Millisecond))
			_, err := tr.Read(make([]byte, 16))
			code, ok := errors.TransportErrorOf(err)
			if !ok || code != errors.TransportErrorTimeout {
				t.Errorf("Expected Timeout, got %v", err)
			}
		})
	}
}

func TestTransport_Connect_Refused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	for name, create := range tcpTransports(t) {
		t.Run(name, func(t *testing.T) {
			tr := create(t)
			err := tr.Connect("127.0.0.1", port)
			code, ok := errors.TransportErrorOf(err)
			if !ok || code != errors.TransportErrorSocketConnectFailure {
				t.Errorf("Expected SocketConnectFailure, got %v", err)
			}
		})
	}
}

func TestTransport_Connect_DnsError(t *testing.T) {
	for name, create := range tcpTransports(t) {
		t.Run(name, func(t *testing.T) {
			tr := create(t)
			err := tr.Connect("this-is-not-a-real-domain.invalid", 80)
			code, ok := errors.TransportErrorOf(err)
			if !ok || code != errors.TransportErrorDnsFailure {
				t.Errorf("Expected DnsFailure, got %v", err)
			}
		})
	}
}

// stubResolver answers from a fixed table
type stubResolver map[string][]netip.Addr

func (r stubResolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addrs, ok := r[host]; ok {
		return addrs, nil
	}
	return nil, fmt.Errorf("no such host %s", host)
}

func TestTransport_Connect_ThroughResolver(t *testing.T) {
	r := stubResolver{"backend.test": {netip.MustParseAddr("127.0.0.1")}}
	for _, backend := range []string{BackendSyscall, BackendIoUring, BackendUring} {
		t.Run(backend, func(t *testing.T) {
			_, port, cleanup := setupTcpTestServer(t, func(conn net.Conn) {
				conn.Write([]byte("hi"))
			})
			defer cleanup()

			tr, destroy, err := NewBlocking(backend, time.Second, r)
			if err != nil {
				if code, ok := errors.TransportErrorOf(err); ok && code == errors.TransportErrorIoUringInit {
					t.Skipf("io_uring unavailable: %v", err)
				}
				t.Fatalf("Failed to create transport: %v", err)
			}
			defer destroy()

			if err := tr.Connect("backend.test", port); err != nil {
				t.Fatalf("Connect failed: %v", err)
			}
			defer tr.Close()

			buf := make([]byte, 8)
			n, err := tr.Read(buf)
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if string(buf[:n]) != "hi" {
				t.Errorf("Expected %q, got %q", "hi", buf[:n])
			}

			err = tr.Connect("other.test", port)
			if code, ok := errors.TransportErrorOf(err); !ok || code != errors.TransportErrorSocketConnectFailure {
				t.Errorf("Expected already connected error, got %v", err)
			}
		})
	}
}

func TestTransport_Connect_UnknownName(t *testing.T) {
	r := stubResolver{}
	for _, backend := range []string{BackendSyscall, BackendIoUring, BackendUring} {
		t.Run(backend, func(t *testing.T) {
			tr, destroy, err := NewBlocking(backend, time.Second, r)
			if err != nil {
				if code, ok := errors.TransportErrorOf(err); ok && code == errors.TransportErrorIoUringInit {
					t.Skipf("io_uring unavailable: %v", err)
				}
				t.Fatalf("Failed to create transport: %v", err)
			}
			defer destroy()

			err = tr.Connect("missing.test", 80)
			code, ok := errors.TransportErrorOf(err)
			if !ok || code != errors.TransportErrorDnsFailure {
				t.Errorf("Expected DnsFailure, got %v", err)
			}
		})
	}
}

func TestTransport_NotConnected(t *testing.T) {
	for name, create := range tcpTransports(t) {
		t.Run(name, func(t *testing.T) {
			tr := create(t)
			if _, err := tr.Write([]byte("x")); err == nil {
				t.Error("Expected error writing without a connection")
			}
			if _, err := tr.Read(make([]byte, 1)); err == nil {
				t.Error("Expected error reading without a connection")
			}
			if err := tr.Close(); err != nil {
				t.Errorf("Expected idempotent close, got %v", err)
			}
		})
	}
}

func TestNewBlocking_Backends(t *testing.T) {
	tr, destroy, err := NewBlocking(BackendSyscall, time.Second, nil)
	if err != nil {
		t.Fatalf("Failed to create transport: %v", err)
	}
	defer destroy()
	if _, ok := tr.(*NetTransport); !ok {
		t.Errorf("Expected *NetTransport, got %T", tr)
	}

	if _, _, err := NewBlocking("epoll", time.Second, nil); errors.TypeOf(err) != errors.ErrorInvalidArgument {
		t.Errorf("Expected invalid argument error, got %v", err)
	}
}
