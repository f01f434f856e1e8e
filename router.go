package shardis

import (
	"fmt"
	"math/rand/v2"

	"github.com/unkn0wn-root/shardis/resp"
)

// delivery is one send chosen under c.mu and performed after it is released,
// so a slow socket never holds up the topology lock.
type delivery struct {
	srv  *server
	name string
	args []string
	res  *Result
}

type outbox []delivery

func (o *outbox) add(s *server, name string, args []string, res *Result) {
	*o = append(*o, delivery{srv: s, name: name, args: args, res: res})
}

func (o outbox) flush() {
	for _, d := range o {
		d.srv.send(d.name, d.args, d.res)
	}
}

// route executes the policy of a command, appending the resulting sends to
// out. Requires c.mu held for reading.
func (c *Client) route(name string, args []string, res *Result, out *outbox) {
	cmd, ok := commands[name]
	if !ok || cmd.policy == policyUnsupported {
		res.reject(newCommandError("dispatch", name, ErrUnsupportedCommand))
		return
	}

	switch cmd.policy {
	case policyCustom:
		cmd.route(c, name, args, res, out)
		return
	case policySameShard:
		c.sendSameShard(name, args, cmd.keys, res, out)
		return
	case policyGrouped:
		c.sendGrouped(name, args, cmd.merge, res, out)
		return
	case policyFanout:
		c.sendFanout(name, args, cmd.reduce, res, out)
		return
	case policyTeardown:
		// handled before the topology lock is taken
		res.resolve(resp.StatusValue("OK"))
		return
	}

	// with a single server nothing needs a key
	if members := c.ring.Members(); len(members) == 1 {
		c.sendTo(members[0], name, args, res, out)
		return
	}

	switch cmd.policy {
	case policyKey:
		if cmd.key >= len(args) {
			res.reject(newCommandError("dispatch", name, fmt.Errorf("%w: missing key argument", ErrInvalidArguments)))
			return
		}
		s, err := c.resolve(args[cmd.key])
		if err != nil {
			res.reject(newCommandError("dispatch", name, err))
			return
		}
		out.add(s, name, args, res)
	case policyNoKey:
		res.reject(newCommandError("dispatch", name, ErrAmbiguousCommand))
	}
}

func (c *Client) sendTo(member, name string, args []string, res *Result, out *outbox) {
	s, ok := c.servers[member]
	if !ok {
		res.reject(newCommandError("dispatch", name, hostError(ErrNoConnection, member)))
		return
	}
	out.add(s, name, args, res)
}

// sendSameShard requires every key of the command to live on one server.
// Nothing is sent when they do not.
func (c *Client) sendSameShard(name string, args []string, keysOf keyFunc, res *Result, out *outbox) {
	keys, err := keysOf(args)
	if err == nil && len(keys) == 0 {
		err = fmt.Errorf("%w: no keys", ErrInvalidArguments)
	}
	if err != nil {
		res.reject(newCommandError("dispatch", name, err))
		return
	}

	var target *server
	for _, k := range keys {
		s, err := c.resolve(k)
		if err != nil {
			res.reject(newCommandError("dispatch", name, err))
			return
		}
		if target == nil {
			target = s
			continue
		}
		if s != target {
			res.reject(newCommandError("dispatch", name, ErrShardMismatch))
			return
		}
	}
	out.add(target, name, args, res)
}

type shardGroup struct {
	srv  *server
	args []string
	idx  []int // position of each arg in the original command
}

// sendGrouped splits keys by server, sends one command per server and merges
// the replies once all of them arrived.
func (c *Client) sendGrouped(name string, args []string, merge groupMerge, res *Result, out *outbox) {
	if len(args) == 0 {
		res.reject(newCommandError("dispatch", name, fmt.Errorf("%w: no keys", ErrInvalidArguments)))
		return
	}
	if len(args) == 1 {
		s, err := c.resolve(args[0])
		if err != nil {
			res.reject(newCommandError("dispatch", name, err))
			return
		}
		out.add(s, name, args, res)
		return
	}

	var groups []*shardGroup
	byServer := make(map[*server]*shardGroup)
	for i, k := range args {
		s, err := c.resolve(k)
		if err != nil {
			res.reject(newCommandError("dispatch", name, err))
			return
		}
		g, ok := byServer[s]
		if !ok {
			g = &shardGroup{srv: s}
			byServer[s] = g
			groups = append(groups, g)
		}
		g.args = append(g.args, k)
		g.idx = append(g.idx, i)
	}

	parts := make([]*Result, len(groups))
	for i, g := range groups {
		parts[i] = newResult()
		out.add(g.srv, name, g.args, parts[i])
	}
	n := len(args)
	join(parts, res, func(vals []resp.Value) (resp.Value, error) {
		v, err := merge(vals, groups, n)
		if err != nil {
			return resp.Value{}, newCommandError("merge", name, err)
		}
		return v, nil
	})
}

// sendFanout sends the same command to every server in ring order.
func (c *Client) sendFanout(name string, args []string, reduce fanoutReduce, res *Result, out *outbox) {
	servers := c.ordered()
	if len(servers) == 0 {
		res.reject(newCommandError("dispatch", name, ErrNoConnection))
		return
	}

	parts := make([]*Result, len(servers))
	for i, s := range servers {
		parts[i] = newResult()
		out.add(s, name, args, parts[i])
	}
	join(parts, res, func(vals []resp.Value) (resp.Value, error) {
		if reduce == nil {
			return resp.ArrayValue(vals...), nil
		}
		v, err := reduce(vals)
		if err != nil {
			return resp.Value{}, newCommandError("merge", name, err)
		}
		return v, nil
	})
}

func routeRandom(c *Client, name string, args []string, res *Result, out *outbox) {
	servers := c.ordered()
	if len(servers) == 0 {
		res.reject(newCommandError("dispatch", name, ErrNoConnection))
		return
	}
	out.add(servers[rand.IntN(len(servers))], name, args, res)
}

func mergePositional(vals []resp.Value, groups []*shardGroup, n int) (resp.Value, error) {
	out := make([]resp.Value, n)
	for i, v := range vals {
		g := groups[i]
		if v.Kind != resp.Array || len(v.Elems) != len(g.idx) {
			return resp.Value{}, fmt.Errorf("%w: %s reply from %s", resp.ErrType, v.Kind, g.srv.key)
		}
		for j, e := range v.Elems {
			out[g.idx[j]] = e
		}
	}
	return resp.ArrayValue(out...), nil
}

func mergeSum(vals []resp.Value, _ []*shardGroup, _ int) (resp.Value, error) {
	return reduceSum(vals)
}

func reduceSum(vals []resp.Value) (resp.Value, error) {
	var sum int64
	for _, v := range vals {
		n, err := v.Int64()
		if err != nil {
			return resp.Value{}, err
		}
		sum += n
	}
	return resp.IntValue(sum), nil
}

func reducePong(_ []resp.Value) (resp.Value, error) {
	return resp.StatusValue("PONG"), nil
}

// reduceConcat flattens per-server arrays, e.g. KEYS.
func reduceConcat(vals []resp.Value) (resp.Value, error) {
	var out []resp.Value
	for _, v := range vals {
		switch v.Kind {
		case resp.Nil:
		case resp.Array:
			out = append(out, v.Elems...)
		default:
			return resp.Value{}, resp.ErrType
		}
	}
	return resp.ArrayValue(out...), nil
}
