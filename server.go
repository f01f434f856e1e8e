package shardis

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// serverOwner receives state changes of a server. Calls are made without the
// server lock held.
type serverOwner interface {
	serverConnected(s *server)
	serverReconnecting(s *server)
	serverExpired(s *server)
}

// server is one backend: a fixed pool of connections, an optional offline
// queue used while none of them is up, and an optional removal timer.
type server struct {
	host          Host
	key           string
	owner         serverOwner
	log           hclog.Logger
	removeTimeout time.Duration

	conns []*conn
	queue *offlineQueue // nil when offline queuing is disabled

	mu          sync.RWMutex // read: send; write: state transitions and replay
	connected   bool
	ended       bool
	removeTimer *time.Timer
}

func newServer(host Host, opts *Options, owner serverOwner, log hclog.Logger) *server {
	s := &server{
		host:          host,
		key:           host.String(),
		owner:         owner,
		log:           log.Named("server").With("server", host.String()),
		removeTimeout: opts.RemoveTimeout,
	}
	if opts.offlineQueueEnabled() {
		s.queue = newOfflineQueue(opts.OfflineQueueLimit)
	}

	co := connOptions{
		retryDelay:      opts.RetryDelay,
		dialTimeout:     opts.DialTimeout,
		commandTimeout:  opts.CommandTimeout,
		writeTimeout:    opts.WriteTimeout,
		keepAlivePeriod: opts.KeepAlivePeriod,
		noDelay:         *opts.SocketNoDelay,
		keepAlive:       *opts.SocketKeepAlive,
		password:        opts.Password,
	}
	s.conns = make([]*conn, opts.ConnectionsPerServer)
	for i := range s.conns {
		s.conns[i] = newConn(host, co, s.log.With("conn", i), s.onConnEvent)
	}
	return s
}

// start begins dialing every pooled connection.
func (s *server) start() {
	for _, c := range s.conns {
		c.start()
	}
}

// pick returns a live connection or nil. Larger pools are scanned once from
// a random offset, which spreads load without coordinating between callers.
func (s *server) pick() *conn {
	if len(s.conns) == 1 {
		if c := s.conns[0]; c.isConnected() {
			return c
		}
		return nil
	}
	off := rand.IntN(len(s.conns))
	for i := range s.conns {
		c := s.conns[(i+off)%len(s.conns)]
		if c.isConnected() {
			return c
		}
	}
	return nil
}

func (s *server) send(name string, args []string, res *Result) {
	s.mu.RLock()
	s.sendLocked(name, args, res)
	s.mu.RUnlock()
}

// sendLocked requires s.mu in either mode.
func (s *server) sendLocked(name string, args []string, res *Result) {
	if s.ended {
		res.reject(newCommandError("send", name, hostError(ErrConnectionLost, s.key)))
		return
	}
	// a connection can be up before checkState has replayed the queue; until
	// then new calls line up behind the queued ones
	if !s.connected && s.queue != nil {
		s.queue.push(name, args, res)
		return
	}
	if c := s.pick(); c != nil {
		c.send(name, args, res)
		return
	}
	if s.queue != nil {
		s.queue.push(name, args, res)
		return
	}
	res.reject(newCommandError("send", name, hostError(ErrNoConnection, s.key)))
}

func (s *server) onConnEvent(ev connEvent) {
	if ev == connEnded {
		return
	}
	s.checkState()
}

// checkState recomputes the aggregate state from the pool. Coming up replays
// the offline queue in order before any new send can slip in. While down the
// removal timer is armed if configured; otherwise losing the last connection
// is reported once as a reconnect.
func (s *server) checkState() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	was := s.connected
	now := false
	for _, c := range s.conns {
		if c.isConnected() {
			now = true
			break
		}
	}
	s.connected = now

	var (
		up, reconnecting bool
		replayed         int
	)
	switch {
	case now:
		if s.removeTimer != nil {
			s.removeTimer.Stop()
			s.removeTimer = nil
		}
		if !was {
			up = true
			if s.queue != nil {
				queued := s.queue.drain()
				replayed = len(queued)
				for _, qc := range queued {
					s.sendLocked(qc.name, qc.args, qc.res)
				}
			}
		}
	case s.removeTimeout > 0:
		if s.removeTimer == nil {
			s.removeTimer = time.AfterFunc(s.removeTimeout, s.expire)
		}
	case was:
		reconnecting = true
	}
	s.mu.Unlock()

	if up {
		s.log.Info("server connected", "replayed", replayed)
		s.owner.serverConnected(s)
	}
	if reconnecting {
		s.owner.serverReconnecting(s)
	}
}

// expire runs when the removal grace period passes. A server that came back
// in the meantime is left alone.
func (s *server) expire() {
	s.mu.Lock()
	s.removeTimer = nil
	if s.connected || s.ended {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.log.Warn("server unreachable past remove timeout", "remove_timeout", s.removeTimeout)
	s.owner.serverExpired(s)
	s.shutdown(hostError(ErrConnectionLost, s.key))
}

// shutdown closes every connection and rejects queued commands with cause.
func (s *server) shutdown(cause error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.connected = false
	if s.removeTimer != nil {
		s.removeTimer.Stop()
		s.removeTimer = nil
	}
	q := s.queue
	s.mu.Unlock()

	for _, c := range s.conns {
		c.disconnect()
	}
	if q != nil {
		q.flush(cause)
	}
}
