// Package redistest runs small in-memory RESP servers for tests. They speak
// enough of the Redis command set to exercise routing, replies, errors and
// connection loss.
package redistest

import (
	"crypto/sha1"
	"encoding/hex"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/match"
	"github.com/tidwall/redcon"
)

type Server struct {
	addr string

	mu       sync.Mutex
	ln       net.Listener
	conns    map[redcon.Conn]struct{}
	data     map[string]string
	scripts  map[string]string
	log      []string
	hang     bool
	password string
	accepted int
}

// Start listens on a free loopback port. The server is killed on test cleanup.
func Start(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		conns:   make(map[redcon.Conn]struct{}),
		data:    make(map[string]string),
		scripts: make(map[string]string),
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.addr = ln.Addr().String()
	s.serve(ln)
	t.Cleanup(s.Kill)
	return s
}

func (s *Server) Addr() string { return s.addr }

func (s *Server) serve(ln net.Listener) {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	go func() {
		_ = redcon.Serve(ln, s.handle, s.accept, s.closed)
	}()
}

// Kill closes the listener and every client connection, as a crashed server
// would. Data survives for a later Restart.
func (s *Server) Kill() {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	conns := make([]redcon.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[redcon.Conn]struct{})
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	// closing the socket, not the redcon.Conn, leaves its writer to the
	// handler goroutine that owns it
	for _, c := range conns {
		_ = c.NetConn().Close()
	}
}

// Restart listens again on the same address.
func (s *Server) Restart(t testing.TB) {
	t.Helper()
	var (
		ln  net.Listener
		err error
	)
	for i := 0; i < 50; i++ {
		if ln, err = net.Listen("tcp", s.addr); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("relisten on %s: %v", s.addr, err)
	}
	s.serve(ln)
}

// SetHang makes the server accept commands without ever answering them.
func (s *Server) SetHang(v bool) {
	s.mu.Lock()
	s.hang = v
	s.mu.Unlock()
}

// RequirePass makes every command other than AUTH fail until the connection
// authenticated with pw.
func (s *Server) RequirePass(pw string) {
	s.mu.Lock()
	s.password = pw
	s.mu.Unlock()
}

// Commands returns every command received so far, arguments joined by spaces.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

func (s *Server) ResetCommands() {
	s.mu.Lock()
	s.log = nil
	s.mu.Unlock()
}

// Accepted counts connections accepted over the server's lifetime.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *Server) Set(key, val string) {
	s.mu.Lock()
	s.data[key] = val
	s.mu.Unlock()
}

func (s *Server) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *Server) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type connState struct {
	authed bool
}

func (s *Server) accept(conn redcon.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	s.accepted++
	conn.SetContext(&connState{})
	return true
}

func (s *Server) closed(conn redcon.Conn, _ error) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handle(conn redcon.Conn, cmd redcon.Command) {
	args := make([]string, len(cmd.Args))
	for i, a := range cmd.Args {
		args[i] = string(a)
	}
	name := strings.ToUpper(args[0])

	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, strings.Join(append([]string{name}, args[1:]...), " "))
	if s.hang {
		return
	}

	st, _ := conn.Context().(*connState)
	if name == "AUTH" {
		if len(args) != 2 {
			conn.WriteError("ERR wrong number of arguments for 'auth' command")
			return
		}
		if s.password == "" || args[1] != s.password {
			conn.WriteError("WRONGPASS invalid password")
			return
		}
		if st != nil {
			st.authed = true
		}
		conn.WriteString("OK")
		return
	}
	if s.password != "" && (st == nil || !st.authed) {
		conn.WriteError("NOAUTH Authentication required.")
		return
	}
	s.exec(conn, name, args[1:])
}

// exec runs one command. Requires s.mu.
func (s *Server) exec(conn redcon.Conn, name string, args []string) {
	switch name {
	case "PING":
		conn.WriteString("PONG")
	case "ECHO":
		if len(args) != 1 {
			conn.WriteError("ERR wrong number of arguments for 'echo' command")
			return
		}
		conn.WriteBulkString(args[0])
	case "GET":
		if len(args) != 1 {
			conn.WriteError("ERR wrong number of arguments for 'get' command")
			return
		}
		if v, ok := s.data[args[0]]; ok {
			conn.WriteBulkString(v)
		} else {
			conn.WriteNull()
		}
	case "SET":
		if len(args) < 2 {
			conn.WriteError("ERR wrong number of arguments for 'set' command")
			return
		}
		s.data[args[0]] = args[1]
		conn.WriteString("OK")
	case "PSETEX", "SETEX":
		if len(args) != 3 {
			conn.WriteError("ERR wrong number of arguments")
			return
		}
		if _, err := strconv.Atoi(args[1]); err != nil {
			conn.WriteError("ERR value is not an integer or out of range")
			return
		}
		s.data[args[0]] = args[2]
		conn.WriteString("OK")
	case "INCR":
		n, _ := strconv.ParseInt(s.data[args[0]], 10, 64)
		n++
		s.data[args[0]] = strconv.FormatInt(n, 10)
		conn.WriteInt64(n)
	case "DEL", "UNLINK", "EXISTS", "TOUCH":
		var n int
		for _, k := range args {
			if _, ok := s.data[k]; ok {
				n++
				if name == "DEL" || name == "UNLINK" {
					delete(s.data, k)
				}
			}
		}
		conn.WriteInt(n)
	case "MGET":
		conn.WriteArray(len(args))
		for _, k := range args {
			if v, ok := s.data[k]; ok {
				conn.WriteBulkString(v)
			} else {
				conn.WriteNull()
			}
		}
	case "KEYS":
		if len(args) != 1 {
			conn.WriteError("ERR wrong number of arguments for 'keys' command")
			return
		}
		var keys []string
		for k := range s.data {
			if match.Match(k, args[0]) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		conn.WriteArray(len(keys))
		for _, k := range keys {
			conn.WriteBulkString(k)
		}
	case "DBSIZE":
		conn.WriteInt(len(s.data))
	case "RANDOMKEY":
		for k := range s.data {
			conn.WriteBulkString(k)
			return
		}
		conn.WriteNull()
	case "FLUSHDB", "FLUSHALL":
		s.data = make(map[string]string)
		conn.WriteString("OK")
	case "RENAME":
		if len(args) != 2 {
			conn.WriteError("ERR wrong number of arguments for 'rename' command")
			return
		}
		v, ok := s.data[args[0]]
		if !ok {
			conn.WriteError("ERR no such key")
			return
		}
		delete(s.data, args[0])
		s.data[args[1]] = v
		conn.WriteString("OK")
	case "EVAL":
		sum := sha1.Sum([]byte(args[0]))
		s.scripts[hex.EncodeToString(sum[:])] = args[0]
		s.writeScriptReply(conn, args)
	case "EVALSHA":
		if _, ok := s.scripts[args[0]]; !ok {
			conn.WriteError("NOSCRIPT No matching script. Please use EVAL.")
			return
		}
		s.writeScriptReply(conn, args)
	default:
		conn.WriteError("ERR unknown command '" + strings.ToLower(name) + "'")
	}
}

// writeScriptReply answers every script with its KEYS followed by its ARGV,
// which is enough to check what reached the server.
func (s *Server) writeScriptReply(conn redcon.Conn, args []string) {
	if len(args) < 2 {
		conn.WriteError("ERR wrong number of arguments")
		return
	}
	rest := args[2:]
	conn.WriteArray(len(rest))
	for _, a := range rest {
		conn.WriteBulkString(a)
	}
}
