package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/unkn0wn-root/shardis"
	"github.com/unkn0wn-root/shardis/resp"
)

func main() {
	var (
		config   = flag.String("config", "", "YAML options file; flags below override it")
		hosts    = flag.String("hosts", "", "comma-separated servers (host[:port][/weight])")
		repl     = flag.String("replacements", "", "comma-separated replacement servers")
		password = flag.String("password", "", "AUTH password")
		pool     = flag.Int("pool", 0, "connections per server (0=default)")
		removeTO = flag.Duration("remove-timeout", 0, "evict a server unreachable for this long (0=never)")
		cmdTO    = flag.Duration("command-timeout", 0, "per-command timeout (0=off)")
		writeTO  = flag.Duration("write-timeout", 0, "per-write socket deadline (0=dial timeout)")
		wait     = flag.Duration("wait", 5*time.Second, "how long to wait for the reply")
		logLevel = flag.String("loglevel", "warn", "trace|debug|info|warn|error")
	)
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "shardis-cli",
		Level:  hclog.LevelFromString(*logLevel),
		Output: os.Stderr,
	})

	opts := shardis.DefaultOptions()
	if *config != "" {
		var err error
		if opts, err = shardis.LoadOptions(*config); err != nil {
			logger.Error("load options", "error", err)
			os.Exit(1)
		}
	}
	if *hosts != "" {
		opts.Hosts = splitCSV(*hosts)
	}
	if *repl != "" {
		opts.ReplacementHosts = splitCSV(*repl)
	}
	if *password != "" {
		opts.Password = *password
	}
	if *pool > 0 {
		opts.ConnectionsPerServer = *pool
	}
	if *removeTO > 0 {
		opts.RemoveTimeout = *removeTO
	}
	if *cmdTO > 0 {
		opts.CommandTimeout = *cmdTO
	}
	if *writeTO > 0 {
		opts.WriteTimeout = *writeTO
	}
	opts.Logger = logger
	opts.OnEvent = func(ev shardis.Event) {
		if ev.Type == shardis.EventError {
			logger.Error("client error", "error", ev.Err)
		}
	}

	name, args := splitCommand(flag.Args())
	if name == "" {
		fmt.Fprintln(os.Stderr, "usage: shardis-cli [flags] COMMAND [ARG...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	client, err := shardis.New(opts)
	if err != nil {
		logger.Error("create client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *wait)
	defer cancel()

	anyArgs := make([]any, len(args))
	for i, a := range args {
		anyArgs[i] = a
	}
	v, err := client.Do(ctx, name, anyArgs...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "(error) %v\n", err)
		client.Close()
		os.Exit(1)
	}
	printValue(os.Stdout, v, "")
}

// splitCommand joins two-word commands such as CLIENT KILL.
func splitCommand(argv []string) (string, []string) {
	if len(argv) == 0 {
		return "", nil
	}
	if len(argv) > 1 && shardis.Supported(argv[0]+" "+argv[1]) {
		return argv[0] + " " + argv[1], argv[2:]
	}
	return argv[0], argv[1:]
}

func printValue(w *os.File, v resp.Value, indent string) {
	switch v.Kind {
	case resp.Nil:
		fmt.Fprintln(w, "(nil)")
	case resp.Integer:
		fmt.Fprintf(w, "(integer) %d\n", v.Int)
	case resp.Bulk:
		fmt.Fprintf(w, "%q\n", v.Str)
	case resp.Status:
		fmt.Fprintln(w, v.Str)
	case resp.Array:
		if len(v.Elems) == 0 {
			fmt.Fprintln(w, "(empty array)")
			return
		}
		for i, e := range v.Elems {
			prefix := fmt.Sprintf("%d) ", i+1)
			if i > 0 {
				fmt.Fprint(w, indent)
			}
			fmt.Fprint(w, prefix)
			printValue(w, e, indent+strings.Repeat(" ", len(prefix)))
		}
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
