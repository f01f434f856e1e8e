package shardis

import (
	"bufio"
	"errors"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/unkn0wn-root/shardis/resp"
)

const (
	connWriteBufSize = 32 << 10
	maxRetainedFrame = 1 << 20
)

type connEvent uint8

const (
	connUp connEvent = iota + 1
	connDown
	connEnded
)

type connOptions struct {
	retryDelay      time.Duration
	dialTimeout     time.Duration
	commandTimeout  time.Duration
	writeTimeout    time.Duration
	keepAlivePeriod time.Duration
	noDelay         bool
	keepAlive       bool
	password        string
}

type pendingCall struct {
	name  string
	res   *Result
	timer *time.Timer
}

// conn is one pipelined stream to a server. Replies are matched to calls
// strictly in send order. A lost transport is redialed after a fixed delay
// until disconnect is called.
type conn struct {
	addr   string
	opts   connOptions
	log    hclog.Logger
	notify func(connEvent) // never called with mu held

	mu           sync.Mutex
	nc           net.Conn
	w            *bufio.Writer
	frame        []byte
	pending      []*pendingCall // FIFO, head is the oldest outstanding call
	connected    bool
	reconnecting bool // a retry timer is armed
	ended        bool
	gen          uint64 // bumped per transport; stale read loops compare against it
	writeErr     error  // first write failure on the current transport
	retry        *time.Timer
}

func newConn(host Host, opts connOptions, log hclog.Logger, notify func(connEvent)) *conn {
	return &conn{
		addr:   host.String(),
		opts:   opts,
		log:    log,
		notify: notify,
	}
}

// start dials in the background; the outcome arrives through notify.
func (c *conn) start() {
	go c.dial()
}

func (c *conn) dial() {
	d := &net.Dialer{Timeout: c.opts.dialTimeout, KeepAlive: -1}
	if c.opts.keepAlive {
		d.KeepAlive = c.opts.keepAlivePeriod
	}
	nc, err := d.Dial("tcp", c.addr)
	if err == nil {
		if tc, ok := nc.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(c.opts.noDelay)
			_ = tc.SetKeepAlive(c.opts.keepAlive)
			if c.opts.keepAlive {
				_ = tc.SetKeepAlivePeriod(c.opts.keepAlivePeriod)
			}
		}
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		if nc != nil {
			_ = nc.Close()
		}
		return
	}
	if err != nil {
		c.scheduleRetryLocked()
		c.mu.Unlock()
		c.log.Debug("dial failed", "error", err, "retry_in", c.opts.retryDelay)
		c.notify(connDown)
		return
	}
	c.gen++
	gen := c.gen
	c.writeErr = nil
	c.nc = nc
	c.w = bufio.NewWriterSize(nc, connWriteBufSize)
	c.connected = true
	if c.opts.password != "" {
		c.authenticateLocked()
	}
	c.mu.Unlock()

	go c.readLoop(nc, gen)
	c.log.Debug("connected")
	c.notify(connUp)
}

func (c *conn) scheduleRetryLocked() {
	c.reconnecting = true
	c.retry = time.AfterFunc(c.opts.retryDelay, c.redial)
}

func (c *conn) redial() {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.reconnecting = false
	c.mu.Unlock()
	c.dial()
}

func (c *conn) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// send writes one request and registers res as the next reply's owner.
// A failed or timed out write drops the transport and fails every pending
// call, this one included.
func (c *conn) send(name string, args []string, res *Result) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		res.reject(newCommandError("send", name, ErrClientEnded))
		return
	}
	if !c.connected {
		c.mu.Unlock()
		res.reject(newCommandError("send", name, hostError(ErrConnectionLost, c.addr)))
		return
	}
	err := c.sendLocked(name, args, res)
	c.mu.Unlock()

	if err != nil {
		c.log.Debug("write failed", "command", name, "error", err)
	}
}

// sendLocked requires c.mu and a live transport. The write is bounded by
// writeTimeout so a peer that stops reading cannot pin c.mu. On failure the
// socket is closed and the read loop reports writeErr as the cause; callers
// may hold the server lock, so the loss is never handled inline.
func (c *conn) sendLocked(name string, args []string, res *Result) error {
	pc := &pendingCall{name: name, res: res}
	c.pending = append(c.pending, pc)
	if c.opts.commandTimeout > 0 {
		gen := c.gen
		pc.timer = time.AfterFunc(c.opts.commandTimeout, func() { c.expire(gen, pc) })
	}

	if c.opts.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	}
	c.frame = resp.AppendCommand(c.frame[:0], name, args)
	_, err := c.w.Write(c.frame)
	if err == nil {
		err = c.w.Flush()
	}
	if cap(c.frame) > maxRetainedFrame {
		c.frame = nil
	}
	if err != nil {
		if c.writeErr == nil {
			c.writeErr = err
		}
		_ = c.nc.Close()
	}
	return err
}

// authenticateLocked runs ahead of anything else on a fresh transport, so every
// reconnect is authenticated before queued commands are replayed.
func (c *conn) authenticateLocked() {
	res := newResult()
	if err := c.sendLocked("AUTH", []string{c.opts.password}, res); err != nil {
		c.log.Debug("write failed", "command", "AUTH", "error", err)
	}
	go func() {
		<-res.Done()
		if res.err != nil {
			c.log.Error("authentication failed", "error", res.err)
		}
	}()
}

func (c *conn) readLoop(nc net.Conn, gen uint64) {
	rd := resp.NewReader(nc)
	for {
		v, err := rd.ReadValue()
		if err != nil {
			c.lost(gen, err)
			return
		}

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		if len(c.pending) == 0 {
			c.mu.Unlock()
			c.log.Warn("reply without a pending command")
			c.lost(gen, resp.ErrProtocol)
			return
		}
		pc := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.mu.Unlock()

		if pc.timer != nil {
			pc.timer.Stop()
		}
		if v.Kind == resp.Error {
			pc.res.reject(&resp.ReplyError{Msg: v.Str})
			continue
		}
		pc.res.resolve(v)
	}
}

// expire fires when a call outlives CommandTimeout. The stream cannot skip a
// reply, so the whole transport is recycled. A call the read loop already
// took off the queue has its reply and is left alone.
func (c *conn) expire(gen uint64, pc *pendingCall) {
	c.mu.Lock()
	if !slices.Contains(c.pending, pc) {
		c.mu.Unlock()
		return
	}
	pending, ok := c.dropLocked(gen)
	c.mu.Unlock()
	if ok {
		c.dropped(pending, ErrTimeout)
	}
}

// lost handles the end of a transport. It is idempotent per transport and a
// no-op once the connection is ended or already waiting to redial.
func (c *conn) lost(gen uint64, cause error) {
	c.mu.Lock()
	if gen == c.gen && c.writeErr != nil {
		cause = c.writeErr
	}
	pending, ok := c.dropLocked(gen)
	c.mu.Unlock()
	if ok {
		c.dropped(pending, cause)
	}
}

// dropLocked closes transport gen, takes its pending calls and arms a redial.
// It reports false when gen is stale or the transport is already down.
func (c *conn) dropLocked(gen uint64) ([]*pendingCall, bool) {
	if c.ended || c.reconnecting || !c.connected || gen != c.gen {
		return nil, false
	}
	c.connected = false
	_ = c.nc.Close()
	pending := c.pending
	c.pending = nil
	c.scheduleRetryLocked()
	return pending, true
}

// dropped fails the calls of a closed transport and tells the server.
func (c *conn) dropped(pending []*pendingCall, cause error) {
	sentinel := ErrConnectionLost
	if errors.Is(cause, ErrTimeout) || errors.Is(cause, os.ErrDeadlineExceeded) {
		sentinel = ErrTimeout
	}
	c.failPending(pending, sentinel)

	if isFatalTransport(cause) {
		c.log.Debug("connection lost", "error", cause, "failed", len(pending), "retry_in", c.opts.retryDelay)
	} else {
		c.log.Warn("connection dropped", "error", cause, "failed", len(pending), "retry_in", c.opts.retryDelay)
	}
	c.notify(connDown)
}

func (c *conn) failPending(pending []*pendingCall, sentinel error) {
	for _, pc := range pending {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.res.reject(newCommandError("send", pc.name, hostError(sentinel, c.addr)))
	}
}

// disconnect permanently closes the connection. Outstanding calls fail with
// ErrConnectionLost and later sends fail with ErrClientEnded.
func (c *conn) disconnect() {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.connected = false
	if c.retry != nil {
		c.retry.Stop()
	}
	if c.nc != nil {
		_ = c.nc.Close()
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.failPending(pending, ErrConnectionLost)
	c.log.Debug("connection ended")
	c.notify(connEnded)
}
