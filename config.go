package shardis

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort            = 6379
	defaultRetryDelay      = 2 * time.Second
	defaultDialTimeout     = 5 * time.Second
	defaultKeepAlivePeriod = 45 * time.Second
	defaultVirtualNodes    = 160
	defaultLookupCacheSize = 4096
)

// Host is one backend address. Its identity on the ring is String().
type Host struct {
	Addr   string
	Port   int
	Weight int
}

func (h Host) String() string {
	return net.JoinHostPort(h.Addr, strconv.Itoa(h.Port))
}

// ParseHost accepts "host", "host:port" and "host:port/weight".
func ParseHost(s string) (Host, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Host{}, fmt.Errorf("%w: empty host", ErrInvalidArguments)
	}

	h := Host{Port: defaultPort, Weight: 1}
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		w, err := strconv.Atoi(s[i+1:])
		if err != nil || w <= 0 {
			return Host{}, fmt.Errorf("%w: bad weight in %q", ErrInvalidArguments, s)
		}
		h.Weight = w
		s = s[:i]
	}

	addr, port, err := net.SplitHostPort(s)
	if err != nil {
		// bare host without a port
		h.Addr = strings.Trim(s, "[]")
		return h, nil
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return Host{}, fmt.Errorf("%w: bad port in %q", ErrInvalidArguments, s)
	}
	h.Addr, h.Port = addr, p
	return h, nil
}

func parseHosts(in []string) ([]Host, error) {
	out := make([]Host, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		h, err := ParseHost(s)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[h.String()]; dup {
			continue
		}
		seen[h.String()] = struct{}{}
		out = append(out, h)
	}
	return out, nil
}

// Discovery is the outcome of a DiscoverFunc.
type Discovery struct {
	Hosts            []string
	ReplacementHosts []string
}

// DiscoverFunc resolves the host set once. Commands issued before it returns
// are queued and replayed in order.
type DiscoverFunc func(ctx context.Context) (Discovery, error)

// Options configures a Client. Zero values are replaced by FillDefaults; the
// *bool toggles tell "unset" apart from an explicit false.
type Options struct {
	Hosts            []string     `yaml:"hosts"`
	ReplacementHosts []string     `yaml:"replacement_hosts"`
	Discover         DiscoverFunc `yaml:"-"`
	Password         string       `yaml:"password"`

	ConnectionsPerServer int           `yaml:"connections_per_server"`
	EnableOfflineQueue   *bool         `yaml:"enable_offline_queue"`
	OfflineQueueLimit    int           `yaml:"offline_queue_limit"`
	RemoveTimeout        time.Duration `yaml:"remove_timeout"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	DialTimeout          time.Duration `yaml:"dial_timeout"`
	CommandTimeout       time.Duration `yaml:"command_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"` // per socket write; defaults to DialTimeout

	SocketNoDelay   *bool         `yaml:"socket_no_delay"`
	SocketKeepAlive *bool         `yaml:"socket_keep_alive"`
	KeepAlivePeriod time.Duration `yaml:"keep_alive_period"`

	VirtualNodes    int `yaml:"virtual_nodes"`
	LookupCacheSize int `yaml:"lookup_cache_size"`

	Logger  hclog.Logger `yaml:"-"`
	OnEvent func(Event)  `yaml:"-"`
}

// DefaultOptions returns the options New uses for every unset field.
func DefaultOptions() Options {
	return Options{
		ConnectionsPerServer: 1,
		EnableOfflineQueue:   BoolPtr(true),
		RetryDelay:           defaultRetryDelay,
		DialTimeout:          defaultDialTimeout,
		SocketNoDelay:        BoolPtr(true),
		SocketKeepAlive:      BoolPtr(true),
		KeepAlivePeriod:      defaultKeepAlivePeriod,
		VirtualNodes:         defaultVirtualNodes,
		LookupCacheSize:      defaultLookupCacheSize,
	}
}

// BoolPtr is a helper for the *bool fields of Options.
func BoolPtr(b bool) *bool { return &b }

// FillDefaults replaces zero values with defaults. Explicit false on the
// pointer toggles is preserved.
func (o *Options) FillDefaults() {
	if o.ConnectionsPerServer <= 0 {
		o.ConnectionsPerServer = 1
	}
	if o.EnableOfflineQueue == nil {
		o.EnableOfflineQueue = BoolPtr(true)
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = o.DialTimeout
	}
	if o.SocketNoDelay == nil {
		o.SocketNoDelay = BoolPtr(true)
	}
	if o.SocketKeepAlive == nil {
		o.SocketKeepAlive = BoolPtr(true)
	}
	if o.KeepAlivePeriod <= 0 {
		o.KeepAlivePeriod = defaultKeepAlivePeriod
	}
	if o.VirtualNodes <= 0 {
		o.VirtualNodes = defaultVirtualNodes
	}
	if o.LookupCacheSize == 0 {
		o.LookupCacheSize = defaultLookupCacheSize
	}
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
}

func (o *Options) offlineQueueEnabled() bool {
	return o.EnableOfflineQueue == nil || *o.EnableOfflineQueue
}

// LoadOptions reads Options from a YAML file on top of DefaultOptions.
// Durations use Go syntax ("2s", "150ms").
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	raw, err := os.ReadFile(path)
	if err != nil {
		return opts, err
	}
	if err := yaml.Unmarshal(raw, &opts); err != nil {
		return opts, fmt.Errorf("parse %s: %w", path, err)
	}
	return opts, nil
}
