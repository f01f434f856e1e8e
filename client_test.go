package shardis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/unkn0wn-root/shardis/internal/redistest"
	"github.com/unkn0wn-root/shardis/resp"
)

const testWait = 5 * time.Second

func newTestClient(t *testing.T, mutate func(*Options), servers ...*redistest.Server) *Client {
	t.Helper()
	opts := DefaultOptions()
	for _, s := range servers {
		opts.Hosts = append(opts.Hosts, s.Addr())
	}
	opts.RetryDelay = 20 * time.Millisecond
	opts.DialTimeout = time.Second
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitReady(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Ready():
	case <-time.After(testWait):
		t.Fatal("client never became ready")
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	t.Cleanup(cancel)
	return ctx
}

// eventRecorder collects events delivered through Options.OnEvent.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan Event, 256)}
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.ch <- ev:
	default:
	}
}

func (r *eventRecorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *eventRecorder) waitFor(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.After(testWait)
	for {
		select {
		case ev := <-r.ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

// memberOf returns the ring member currently serving key.
func memberOf(c *Client, key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, _ := c.ring.Lookup(HashKey(key))
	return m
}

// keysOn finds n keys with the given prefix served by member.
func keysOn(t *testing.T, c *Client, member, prefix string, n int) []string {
	t.Helper()
	var out []string
	for i := 0; len(out) < n && i < 100000; i++ {
		k := prefix + strconv.Itoa(i)
		if memberOf(c, k) == member {
			out = append(out, k)
		}
	}
	require.Len(t, out, n, "not enough keys on %s", member)
	return out
}

func byAddr(servers ...*redistest.Server) map[string]*redistest.Server {
	m := make(map[string]*redistest.Server, len(servers))
	for _, s := range servers {
		m[s.Addr()] = s
	}
	return m
}

func TestNewRequiresHosts(t *testing.T) {
	_, err := New(DefaultOptions())
	require.ErrorIs(t, err, ErrNoHosts)

	opts := DefaultOptions()
	opts.Hosts = []string{"localhost:notaport"}
	_, err = New(opts)
	require.ErrorIs(t, err, ErrInvalidArguments)
}

func TestSingleKeyRouting(t *testing.T) {
	a, b := redistest.Start(t), redistest.Start(t)
	c := newTestClient(t, nil, a, b)
	waitReady(t, c)
	ctx := testCtx(t)
	servers := byAddr(a, b)

	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("user:%d", i)
		v, err := c.Do(ctx, "set", k, i)
		require.NoError(t, err)
		require.Equal(t, "OK", v.Str)

		got, ok := servers[memberOf(c, k)].Get(k)
		require.True(t, ok, "key %s not on its ring member", k)
		require.Equal(t, strconv.Itoa(i), got)
	}

	v, err := c.Do(ctx, "GET", "user:7")
	require.NoError(t, err)
	require.Equal(t, "7", v.Str)

	v, err = c.Do(ctx, "GET", "missing")
	require.NoError(t, err)
	require.True(t, v.IsNil())
}

func TestReplyErrorDoesNotBreakConnection(t *testing.T) {
	a := redistest.Start(t)
	c := newTestClient(t, nil, a)
	waitReady(t, c)
	ctx := testCtx(t)

	_, err := c.Do(ctx, "PSETEX", "k", "notanumber", "v")
	var rerr *resp.ReplyError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "ERR", rerr.Prefix())

	_, err = c.Do(ctx, "SET", "k", "v")
	require.NoError(t, err)
	require.Equal(t, 1, a.Accepted())
}

func TestGroupedReassembly(t *testing.T) {
	a, b := redistest.Start(t), redistest.Start(t)
	c := newTestClient(t, nil, a, b)
	waitReady(t, c)
	ctx := testCtx(t)

	onA := keysOn(t, c, a.Addr(), "ka", 2)
	onB := keysOn(t, c, b.Addr(), "kb", 1)
	k1, k2, k3 := onA[0], onB[0], onA[1]
	a.Set(k1, "v1")
	b.Set(k2, "v2")
	a.Set(k3, "v3")

	v, err := c.Do(ctx, "MGET", k1, k2, k3)
	require.NoError(t, err)
	require.Len(t, v.Elems, 3)
	require.Equal(t, "v1", v.Elems[0].Str)
	require.Equal(t, "v2", v.Elems[1].Str)
	require.Equal(t, "v3", v.Elems[2].Str)

	// each server only saw its own keys
	require.Equal(t, []string{"MGET " + k1 + " " + k3}, a.Commands())
	require.Equal(t, []string{"MGET " + k2}, b.Commands())

	v, err = c.Do(ctx, "MGET", "nope", k3, k2)
	require.NoError(t, err)
	require.Len(t, v.Elems, 3)
	require.True(t, v.Elems[0].IsNil())
	require.Equal(t, "v3", v.Elems[1].Str)
	require.Equal(t, "v2", v.Elems[2].Str)

	n, err := c.Do(ctx, "DEL", k1, k2, k3, "nope")
	require.NoError(t, err)
	require.EqualValues(t, 3, n.Int)

	_, err = c.Do(ctx, "MGET")
	require.ErrorIs(t, err, ErrInvalidArguments)
}

func TestGroupedSingleKeySkipsSplitting(t *testing.T) {
	a, b := redistest.Start(t), redistest.Start(t)
	c := newTestClient(t, nil, a, b)
	waitReady(t, c)

	v, err := c.Do(testCtx(t), "EXISTS", "solo")
	require.NoError(t, err)
	require.EqualValues(t, 0, v.Int)
}

func TestSameShardMismatchSendsNothing(t *testing.T) {
	a, b := redistest.Start(t), redistest.Start(t)
	c := newTestClient(t, nil, a, b)
	waitReady(t, c)
	ctx := testCtx(t)

	ka := keysOn(t, c, a.Addr(), "x", 1)[0]
	kb := keysOn(t, c, b.Addr(), "y", 1)[0]

	_, err := c.Do(ctx, "RENAME", ka, kb)
	require.ErrorIs(t, err, ErrShardMismatch)
	_, err = c.Do(ctx, "SDIFF", ka, kb)
	require.ErrorIs(t, err, ErrShardMismatch)
	require.Empty(t, a.Commands())
	require.Empty(t, b.Commands())

	// hash tags put both keys on one shard
	a.Set("{acct}:src", "1")
	b.Set("{acct}:src", "1")
	_, err = c.Do(ctx, "RENAME", "{acct}:src", "{acct}:dst")
	require.NoError(t, err)
}

func TestScriptKeyCountValidation(t *testing.T) {
	a, b := redistest.Start(t), redistest.Start(t)
	c := newTestClient(t, nil, a, b)
	waitReady(t, c)
	ctx := testCtx(t)

	for _, args := range [][]any{
		{"return 1", 0},
		{"return 1", "x"},
		{"return 1"},
		{"return 1", 3, "only-one"},
	} {
		_, err := c.Do(ctx, "EVAL", args...)
		require.ErrorIs(t, err, ErrInvalidArguments, "args %v", args)
	}
	_, err := c.Do(ctx, "ZUNIONSTORE", "dst", -1, "a")
	require.ErrorIs(t, err, ErrInvalidArguments)
}

func TestFanoutDBSizeSum(t *testing.T) {
	srv := []*redistest.Server{redistest.Start(t), redistest.Start(t), redistest.Start(t)}
	for i, n := range []int{2, 5, 1} {
		for j := 0; j < n; j++ {
			srv[i].Set(fmt.Sprintf("s%d-%d", i, j), "x")
		}
	}
	c := newTestClient(t, nil, srv...)
	waitReady(t, c)
	ctx := testCtx(t)

	v, err := c.Do(ctx, "DBSIZE")
	require.NoError(t, err)
	require.EqualValues(t, 8, v.Int)

	v, err = c.Do(ctx, "PING")
	require.NoError(t, err)
	require.Equal(t, "PONG", v.Str)
	for _, s := range srv {
		require.Contains(t, s.Commands(), "PING")
	}

	v, err = c.Do(ctx, "KEYS", "s1-*")
	require.NoError(t, err)
	keys, err := v.Strings()
	require.NoError(t, err)
	require.Len(t, keys, 5)
}

func TestFanoutFailsWhenAnyServerFails(t *testing.T) {
	a, b := redistest.Start(t), redistest.Start(t)
	c := newTestClient(t, func(o *Options) { o.EnableOfflineQueue = BoolPtr(false) }, a, b)
	waitReady(t, c)

	b.Kill()
	require.Eventually(t, func() bool {
		_, err := c.Do(testCtx(t), "DBSIZE")
		return err != nil
	}, testWait, 20*time.Millisecond)
}

func TestUnsupportedAndUnknownCommands(t *testing.T) {
	a := redistest.Start(t)
	c := newTestClient(t, nil, a)
	waitReady(t, c)
	ctx := testCtx(t)

	for _, name := range []string{"BLPOP", "multi", "SUBSCRIBE", "NOTACOMMAND", "client list"} {
		_, err := c.Do(ctx, name, "k")
		require.ErrorIs(t, err, ErrUnsupportedCommand, name)
	}
	require.Empty(t, a.Commands())
	require.False(t, Supported("scan"))
	require.True(t, Supported("client  kill"))
}

func TestNoKeyCommands(t *testing.T) {
	a, b := redistest.Start(t), redistest.Start(t)

	single := newTestClient(t, nil, a)
	waitReady(t, single)
	v, err := single.Do(testCtx(t), "ECHO", "hi")
	require.NoError(t, err)
	require.Equal(t, "hi", v.Str)

	multi := newTestClient(t, nil, a, b)
	waitReady(t, multi)
	_, err = multi.Do(testCtx(t), "ECHO", "hi")
	require.ErrorIs(t, err, ErrAmbiguousCommand)
	_, err = multi.Do(testCtx(t), "FLUSHDB")
	require.ErrorIs(t, err, ErrAmbiguousCommand)
}

func TestRandomKey(t *testing.T) {
	a, b := redistest.Start(t), redistest.Start(t)
	a.Set("only", "1")
	b.Set("only", "1")
	c := newTestClient(t, nil, a, b)
	waitReady(t, c)

	v, err := c.Do(testCtx(t), "RANDOMKEY")
	require.NoError(t, err)
	require.Equal(t, "only", v.Str)
}

func TestOfflineReplayOrder(t *testing.T) {
	a := redistest.Start(t)
	a.Kill()

	c := newTestClient(t, nil, a)
	results := []*Result{
		c.Dispatch("SET", "a", 1),
		c.Dispatch("SET", "b", 2),
		c.Dispatch("INCR", "a"),
	}
	time.Sleep(50 * time.Millisecond)
	for _, r := range results {
		_, _, done := r.Get()
		require.False(t, done, "command completed without a server")
	}

	a.Restart(t)
	ctx := testCtx(t)
	for _, r := range results {
		_, err := r.Wait(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"SET a 1", "SET b 2", "INCR a"}, a.Commands())
	v, _ := a.Get("a")
	require.Equal(t, "2", v)
	waitReady(t, c)
}

func TestOfflineQueueDisabledFailsFast(t *testing.T) {
	a := redistest.Start(t)
	a.Kill()
	c := newTestClient(t, func(o *Options) { o.EnableOfflineQueue = BoolPtr(false) }, a)

	_, err := c.Do(testCtx(t), "GET", "k")
	require.ErrorIs(t, err, ErrNoConnection)
}

func TestReconnectAfterServerRestart(t *testing.T) {
	a := redistest.Start(t)
	rec := newEventRecorder()
	c := newTestClient(t, func(o *Options) { o.OnEvent = rec.record }, a)
	waitReady(t, c)
	ctx := testCtx(t)

	_, err := c.Do(ctx, "SET", "k", "v1")
	require.NoError(t, err)

	a.Kill()
	rec.waitFor(t, EventServerReconnecting)
	a.Restart(t)

	require.Eventually(t, func() bool {
		_, err := c.Do(ctx, "SET", "k", "v2")
		return err == nil
	}, testWait, 20*time.Millisecond)
	require.GreaterOrEqual(t, a.Accepted(), 2)
	require.Equal(t, 1, rec.count(EventReady))
}

func TestRemovalAndReplacement(t *testing.T) {
	a, b, r := redistest.Start(t), redistest.Start(t), redistest.Start(t)
	rec := newEventRecorder()
	c := newTestClient(t, func(o *Options) {
		o.RemoveTimeout = 100 * time.Millisecond
		o.ReplacementHosts = []string{r.Addr()}
		o.OnEvent = rec.record
	}, a, b)
	waitReady(t, c)

	onA := keysOn(t, c, a.Addr(), "a", 20)
	onB := keysOn(t, c, b.Addr(), "b", 20)

	a.Kill()
	ev := rec.waitFor(t, EventServerRemoved)
	require.Equal(t, a.Addr(), ev.Server)
	require.Equal(t, r.Addr(), ev.Replacement)
	require.Equal(t, []string{r.Addr(), b.Addr()}, c.Servers())

	for _, k := range onA {
		require.Equal(t, r.Addr(), memberOf(c, k))
	}
	for _, k := range onB {
		require.Equal(t, b.Addr(), memberOf(c, k))
	}

	ctx := testCtx(t)
	_, err := c.Do(ctx, "SET", onA[0], "moved")
	require.NoError(t, err)
	got, ok := r.Get(onA[0])
	require.True(t, ok)
	require.Equal(t, "moved", got)
	require.Zero(t, rec.count(EventError))
}

func TestRemovalWithoutReplacement(t *testing.T) {
	a := redistest.Start(t)
	rec := newEventRecorder()
	c := newTestClient(t, func(o *Options) {
		o.RemoveTimeout = 50 * time.Millisecond
		o.OnEvent = rec.record
	}, a)
	waitReady(t, c)

	a.Kill()
	rec.waitFor(t, EventServerRemoved)
	ev := rec.waitFor(t, EventError)
	require.ErrorIs(t, ev.Err, ErrNoConnectionsAvailable)
	require.Empty(t, c.Servers())

	_, err := c.Do(testCtx(t), "GET", "k")
	require.ErrorIs(t, err, ErrNoConnection)
}

func TestCloseIsTerminal(t *testing.T) {
	a := redistest.Start(t)
	rec := newEventRecorder()
	c := newTestClient(t, func(o *Options) { o.OnEvent = rec.record }, a)
	waitReady(t, c)
	_, err := c.Do(testCtx(t), "SET", "k", "v")
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	rec.waitFor(t, EventEnd)
	before := len(a.Commands())

	for _, name := range []string{"GET", "DBSIZE", "MGET", "NOTACOMMAND"} {
		_, err := c.Do(testCtx(t), name, "k")
		require.ErrorIs(t, err, ErrClientEnded, name)
	}
	require.Len(t, a.Commands(), before)
	require.Equal(t, 1, rec.count(EventEnd))
}

func TestQuitEndsClient(t *testing.T) {
	a := redistest.Start(t)
	c := newTestClient(t, nil, a)
	waitReady(t, c)

	v, err := c.Do(testCtx(t), "quit")
	require.NoError(t, err)
	require.Equal(t, "OK", v.Str)
	_, err = c.Do(testCtx(t), "GET", "k")
	require.ErrorIs(t, err, ErrClientEnded)
	require.NotContains(t, a.Commands(), "QUIT")
}

func TestCloseFlushesServerQueue(t *testing.T) {
	a := redistest.Start(t)
	a.Kill()
	c := newTestClient(t, nil, a)
	r := c.Dispatch("GET", "k")
	require.NoError(t, c.Close())

	_, err := r.Wait(testCtx(t))
	require.ErrorIs(t, err, ErrClientEnded)
}

func TestDiscoveryQueuesUntilResolved(t *testing.T) {
	a := redistest.Start(t)
	release := make(chan struct{})
	c := newTestClient(t, func(o *Options) {
		o.Discover = func(ctx context.Context) (Discovery, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return Discovery{}, ctx.Err()
			}
			return Discovery{Hosts: []string{a.Addr()}}, nil
		}
	})

	first := c.Dispatch("SET", "k", "1")
	second := c.Dispatch("GET", "k")
	_, _, done := first.Get()
	require.False(t, done)

	close(release)
	ctx := testCtx(t)
	_, err := first.Wait(ctx)
	require.NoError(t, err)
	v, err := second.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "1", v.Str)
	waitReady(t, c)
	require.Equal(t, []string{a.Addr()}, c.Servers())
}

func TestDiscoveryFailure(t *testing.T) {
	rec := newEventRecorder()
	release := make(chan struct{})
	c := newTestClient(t, func(o *Options) {
		o.OnEvent = rec.record
		o.Discover = func(context.Context) (Discovery, error) {
			<-release
			return Discovery{}, errors.New("dns exploded")
		}
	})

	pending := c.Dispatch("GET", "k")
	close(release)

	ev := rec.waitFor(t, EventError)
	require.ErrorIs(t, ev.Err, ErrDiscoveryFailed)
	_, err := pending.Wait(testCtx(t))
	require.ErrorIs(t, err, ErrDiscoveryFailed)

	rec.waitFor(t, EventEnd)
	_, err = c.Do(testCtx(t), "GET", "k")
	require.ErrorIs(t, err, ErrClientEnded)
}

func TestCommandTimeoutRecyclesConnection(t *testing.T) {
	a := redistest.Start(t)
	c := newTestClient(t, func(o *Options) { o.CommandTimeout = 100 * time.Millisecond }, a)
	waitReady(t, c)

	a.SetHang(true)
	_, err := c.Do(testCtx(t), "GET", "k")
	require.ErrorIs(t, err, ErrTimeout)

	a.SetHang(false)
	require.Eventually(t, func() bool {
		_, err := c.Do(testCtx(t), "SET", "k", "v")
		return err == nil
	}, testWait, 20*time.Millisecond)
	require.GreaterOrEqual(t, a.Accepted(), 2)
}

func TestStalledServerDoesNotFreezeClient(t *testing.T) {
	healthy := redistest.Start(t)
	sink := redistest.StartSink(t)
	c := newTestClient(t, func(o *Options) {
		o.Hosts = append(o.Hosts, sink.Addr())
		o.CommandTimeout = 200 * time.Millisecond
		o.WriteTimeout = 100 * time.Millisecond
		o.EnableOfflineQueue = BoolPtr(false)
	}, healthy)
	waitReady(t, c)

	stuck := keysOn(t, c, sink.Addr(), "stuck", 1)[0]
	fine := keysOn(t, c, healthy.Addr(), "fine", 1)[0]
	big := strings.Repeat("x", 1<<20)

	results := make(chan *Result, 128)
	go func() {
		defer close(results)
		for i := 0; i < 128; i++ {
			results <- c.Dispatch("SET", stuck, big)
		}
	}()
	require.Eventually(t, func() bool { return len(results) > 8 }, testWait, 5*time.Millisecond)

	_, err := c.Do(testCtx(t), "SET", fine, "v")
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		_ = c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind a stalled write")
	}

	ctx := testCtx(t)
	for r := range results {
		_, err := r.Wait(ctx)
		require.Error(t, err)
	}
}

func TestPasswordAuthenticatesEveryConnection(t *testing.T) {
	a := redistest.Start(t)
	a.RequirePass("s3cret")
	c := newTestClient(t, func(o *Options) {
		o.Password = "s3cret"
		o.ConnectionsPerServer = 2
	}, a)
	waitReady(t, c)

	_, err := c.Do(testCtx(t), "SET", "k", "v")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		auths := 0
		for _, cmd := range a.Commands() {
			if cmd == "AUTH s3cret" {
				auths++
			}
		}
		return auths == 2
	}, testWait, 10*time.Millisecond)
}

func TestConnectionPool(t *testing.T) {
	a := redistest.Start(t)
	c := newTestClient(t, func(o *Options) { o.ConnectionsPerServer = 4 }, a)
	waitReady(t, c)

	require.Eventually(t, func() bool { return a.Accepted() == 4 }, testWait, 10*time.Millisecond)

	ctx := testCtx(t)
	errs := make(chan error, 50)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Do(ctx, "INCR", "counter")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	v, _ := a.Get("counter")
	require.Equal(t, "50", v)
}

func TestReadyFiresOnce(t *testing.T) {
	a, b := redistest.Start(t), redistest.Start(t)
	rec := newEventRecorder()
	c := newTestClient(t, func(o *Options) { o.OnEvent = rec.record }, a, b)
	waitReady(t, c)
	require.Eventually(t, func() bool { return rec.count(EventServerConnected) == 2 }, testWait, 10*time.Millisecond)
	require.Equal(t, 1, rec.count(EventReady))
	require.NotEmpty(t, c.ID())
}

func TestDispatchArgumentTypes(t *testing.T) {
	got, err := stringArgs([]any{"s", []byte("b"), 7, int64(-2), uint(3), 1.5, true, []string{"x", "y"}, 1500 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, []string{"s", "b", "7", "-2", "3", "1.5", "1", "x", "y", "1500"}, got)

	_, err = stringArgs([]any{struct{}{}})
	require.ErrorIs(t, err, ErrInvalidArguments)

	require.Equal(t, "CLIENT KILL", normalizeName("  client   kill "))
}
