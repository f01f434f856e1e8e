package shardis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/unkn0wn-root/shardis/resp"
)

// Client addresses a set of independent servers as one logical store. Keys
// are placed with a weighted consistent-hash ring; multi-key commands are
// split per server and merged back. A Client is safe for concurrent use.
type Client struct {
	id   string
	opts Options
	log  hclog.Logger

	mu           sync.RWMutex // guards the topology below; read side serves dispatch
	ring         *Ring
	servers      map[string]*server
	replacements []Host
	queue        *offlineQueue // non-nil until the host set is known
	unseen       map[string]struct{}
	ended        bool
	cancel       context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once

	tablesMu sync.RWMutex
	tables   map[string]struct{}
}

// New builds a client and starts connecting in the background. With
// opts.Discover set, commands dispatched before discovery finishes are
// queued and replayed in order.
func New(opts Options) (*Client, error) {
	opts.FillDefaults()
	if len(opts.Hosts) == 0 && opts.Discover == nil {
		return nil, ErrNoHosts
	}

	c := &Client{
		id:     uuid.NewString(),
		opts:   opts,
		ring:   NewRing(opts.VirtualNodes, opts.LookupCacheSize),
		ready:  make(chan struct{}),
		tables: make(map[string]struct{}),
	}
	c.log = opts.Logger.Named("shardis").With("client", c.id)

	if opts.Discover != nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.queue = newOfflineQueue(opts.OfflineQueueLimit)
		go c.discover(ctx, opts.Discover)
		return c, nil
	}

	hosts, err := parseHosts(opts.Hosts)
	if err != nil {
		return nil, err
	}
	repl, err := parseHosts(opts.ReplacementHosts)
	if err != nil {
		return nil, err
	}
	c.connect(hosts, repl)
	return c, nil
}

// ID identifies this client in logs.
func (c *Client) ID() string { return c.id }

// Ready is closed once every initially configured server has connected at
// least once.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Servers returns the current ring members in admission order.
func (c *Client) Servers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ring.Members()
}

func (c *Client) discover(ctx context.Context, fn DiscoverFunc) {
	d, err := fn(ctx)
	var hosts, repl []Host
	if err == nil {
		hosts, err = parseHosts(d.Hosts)
	}
	if err == nil && len(hosts) == 0 {
		err = ErrNoHosts
	}
	if err == nil {
		repl, err = parseHosts(d.ReplacementHosts)
	}
	if err != nil {
		cause := fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
		c.log.Error("host discovery failed", "error", err)
		c.emit(Event{Type: EventError, Err: cause})
		c.end(cause)
		return
	}
	c.connect(hosts, repl)
}

// connect admits the initial host set and replays commands queued while it
// was unknown. The replay happens under the write lock so no new dispatch can
// overtake a queued one.
func (c *Client) connect(hosts, repl []Host) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}

	c.servers = make(map[string]*server, len(hosts))
	c.unseen = make(map[string]struct{}, len(hosts))
	started := make([]*server, 0, len(hosts))
	for _, h := range hosts {
		s := newServer(h, &c.opts, c, c.log)
		c.servers[s.key] = s
		c.unseen[s.key] = struct{}{}
		c.ring.Add(s.key, h.Weight)
		started = append(started, s)
	}
	for _, h := range repl {
		if _, dup := c.servers[h.String()]; !dup {
			c.replacements = append(c.replacements, h)
		}
	}

	if c.queue != nil {
		queued := c.queue.drain()
		c.queue = nil
		// no server has started yet, so these sends only fill server queues
		var out outbox
		for _, qc := range queued {
			c.route(qc.name, qc.args, qc.res, &out)
		}
		out.flush()
		c.log.Debug("replayed commands queued during discovery", "count", len(queued))
	}
	spare := len(c.replacements)
	c.mu.Unlock()

	c.log.Info("topology configured", "servers", len(hosts), "replacements", spare)
	for _, s := range started {
		s.start()
	}
}

// Dispatch sends one command and returns its pending result. Arguments may be
// strings, byte slices, numbers, bools or string slices (flattened in place).
func (c *Client) Dispatch(name string, args ...any) *Result {
	name = normalizeName(name)
	sargs, err := stringArgs(args)
	if err != nil {
		return failedResult(newCommandError("dispatch", name, err))
	}
	res := newResult()
	c.dispatch(name, sargs, res)
	return res
}

// Do is Dispatch followed by Wait.
func (c *Client) Do(ctx context.Context, name string, args ...any) (resp.Value, error) {
	return c.Dispatch(name, args...).Wait(ctx)
}

func (c *Client) dispatch(name string, args []string, res *Result) {
	if cmd, ok := commands[name]; ok && cmd.policy == policyTeardown {
		_ = c.Close()
		res.resolve(resp.StatusValue("OK"))
		return
	}

	var out outbox
	c.mu.RLock()
	switch {
	case c.ended:
		res.reject(newCommandError("dispatch", name, ErrClientEnded))
	case c.queue != nil:
		c.queue.push(name, args, res)
	default:
		c.route(name, args, res, &out)
	}
	c.mu.RUnlock()
	out.flush()
}

// resolve maps a key to its server. Requires c.mu.
func (c *Client) resolve(key string) (*server, error) {
	member, ok := c.ring.Lookup(HashKey(key))
	if !ok {
		return nil, ErrNoConnection
	}
	s, ok := c.servers[member]
	if !ok {
		return nil, hostError(ErrNoConnection, member)
	}
	return s, nil
}

// ordered returns the servers in ring order. Requires c.mu.
func (c *Client) ordered() []*server {
	members := c.ring.Members()
	out := make([]*server, 0, len(members))
	for _, m := range members {
		if s, ok := c.servers[m]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (c *Client) serverConnected(s *server) {
	c.mu.Lock()
	fire := false
	if _, ok := c.unseen[s.key]; ok {
		delete(c.unseen, s.key)
		fire = len(c.unseen) == 0
	}
	c.mu.Unlock()

	c.emit(Event{Type: EventServerConnected, Server: s.key})
	if fire {
		c.markReady()
	}
}

func (c *Client) serverReconnecting(s *server) {
	c.log.Debug("server reconnecting", "server", s.key)
	c.emit(Event{Type: EventServerReconnecting, Server: s.key})
}

// serverExpired evicts a server that stayed unreachable past RemoveTimeout.
// The next replacement host, if any, takes over its ring slot.
func (c *Client) serverExpired(s *server) {
	c.mu.Lock()
	if c.ended || c.servers[s.key] != s {
		c.mu.Unlock()
		return
	}
	delete(c.servers, s.key)

	var next *server
	for len(c.replacements) > 0 && next == nil {
		h := c.replacements[0]
		c.replacements = c.replacements[1:]
		// the ring refuses hosts that are or were members
		if !c.ring.Replace(s.key, h.String(), h.Weight) {
			c.log.Warn("skipping replacement host that already served", "host", h.String())
			continue
		}
		next = newServer(h, &c.opts, c, c.log)
		c.servers[next.key] = next
	}
	if next == nil {
		c.ring.Remove(s.key)
	}

	fire := false
	if _, ok := c.unseen[s.key]; ok {
		delete(c.unseen, s.key)
		if next != nil {
			c.unseen[next.key] = struct{}{}
		}
		fire = len(c.unseen) == 0 && len(c.servers) > 0
	}
	remaining := len(c.servers)
	c.mu.Unlock()

	ev := Event{Type: EventServerRemoved, Server: s.key}
	if next != nil {
		ev.Replacement = next.key
		c.log.Warn("server replaced", "server", s.key, "replacement", next.key)
		next.start()
	} else {
		c.log.Warn("server removed", "server", s.key, "remaining", remaining)
	}
	c.emit(ev)

	if remaining == 0 {
		c.log.Error("no servers left")
		c.emit(Event{Type: EventError, Err: ErrNoConnectionsAvailable})
	}
	if fire {
		c.markReady()
	}
}

func (c *Client) markReady() {
	c.readyOnce.Do(func() {
		c.log.Info("all servers connected")
		c.emit(Event{Type: EventReady})
		close(c.ready)
	})
}

func (c *Client) emit(ev Event) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
}

// Close ends the client. Queued commands fail with ErrClientEnded, in-flight
// ones with ErrConnectionLost, and every later dispatch with ErrClientEnded.
func (c *Client) Close() error {
	c.end(ErrClientEnded)
	return nil
}

func (c *Client) end(cause error) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	servers := c.ordered()
	q := c.queue
	c.queue = nil
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, s := range servers {
		s.shutdown(newCommandError("dispatch", "", ErrClientEnded))
	}
	if q != nil {
		q.flush(newCommandError("dispatch", "", cause))
	}
	c.log.Info("client ended")
	c.emit(Event{Type: EventEnd})
}

// normalizeName upper-cases a command and collapses runs of spaces so that
// "client  kill" and "CLIENT KILL" are the same command.
func normalizeName(name string) string {
	return strings.ToUpper(strings.Join(strings.Fields(name), " "))
}

func stringArgs(args []any) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, a := range args {
		switch v := a.(type) {
		case string:
			out = append(out, v)
		case []byte:
			out = append(out, string(v))
		case []string:
			out = append(out, v...)
		case int:
			out = append(out, strconv.Itoa(v))
		case int64:
			out = append(out, strconv.FormatInt(v, 10))
		case int32:
			out = append(out, strconv.FormatInt(int64(v), 10))
		case uint:
			out = append(out, strconv.FormatUint(uint64(v), 10))
		case uint64:
			out = append(out, strconv.FormatUint(v, 10))
		case uint32:
			out = append(out, strconv.FormatUint(uint64(v), 10))
		case float64:
			out = append(out, strconv.FormatFloat(v, 'f', -1, 64))
		case float32:
			out = append(out, strconv.FormatFloat(float64(v), 'f', -1, 32))
		case bool:
			if v {
				out = append(out, "1")
			} else {
				out = append(out, "0")
			}
		case time.Duration:
			out = append(out, strconv.FormatInt(v.Milliseconds(), 10))
		case fmt.Stringer:
			out = append(out, v.String())
		default:
			return nil, fmt.Errorf("%w: unsupported argument type %T", ErrInvalidArguments, a)
		}
	}
	return out, nil
}
