package redistest

import (
	"net"
	"sync"
	"testing"
)

// Sink accepts connections and never reads from them, like a host that is
// still reachable but has stopped serving. Writes to it stall once the socket
// buffers fill.
type Sink struct {
	ln net.Listener

	mu    sync.Mutex
	conns []net.Conn
}

// StartSink listens on a free loopback port. It is closed on test cleanup.
func StartSink(t testing.TB) *Sink {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Sink{ln: ln}
	go s.accept()
	t.Cleanup(s.Close)
	return s
}

func (s *Sink) Addr() string { return s.ln.Addr().String() }

func (s *Sink) accept() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		if tc, ok := nc.(*net.TCPConn); ok {
			_ = tc.SetReadBuffer(4 << 10)
		}
		s.mu.Lock()
		s.conns = append(s.conns, nc)
		s.mu.Unlock()
	}
}

// Accepted counts connections held open so far.
func (s *Sink) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Sink) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, nc := range conns {
		_ = nc.Close()
	}
}
