package shardis

import (
	"fmt"
	"strconv"

	"github.com/unkn0wn-root/shardis/resp"
)

type policy uint8

const (
	policyKey         policy = iota // args[key] is the shard key
	policySameShard                 // every key must hash to one server
	policyGrouped                   // keys split per server, replies merged
	policyFanout                    // same command on every server
	policyUnsupported               // always rejected
	policyNoKey                     // only valid with a single server
	policyCustom                    // bespoke route function
	policyTeardown                  // ends the client, no I/O
)

type (
	keyFunc      func(args []string) ([]string, error)
	groupMerge   func(vals []resp.Value, groups []*shardGroup, n int) (resp.Value, error)
	fanoutReduce func(vals []resp.Value) (resp.Value, error)
	routeFunc    func(c *Client, name string, args []string, res *Result, out *outbox)
)

type command struct {
	policy policy
	key    int
	keys   keyFunc
	merge  groupMerge
	reduce fanoutReduce
	route  routeFunc
}

func keyAt(i int) command           { return command{policy: policyKey, key: i} }
func sameShard(fn keyFunc) command  { return command{policy: policySameShard, keys: fn} }
func grouped(m groupMerge) command  { return command{policy: policyGrouped, merge: m} }
func fanout(r fanoutReduce) command { return command{policy: policyFanout, reduce: r} }
func custom(fn routeFunc) command   { return command{policy: policyCustom, route: fn} }

var (
	unsupported = command{policy: policyUnsupported}
	noKey       = command{policy: policyNoKey}
	teardown    = command{policy: policyTeardown}
)

func allArgs(args []string) ([]string, error) { return args, nil }

func argsAfterFirst(args []string) ([]string, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%w: no keys", ErrInvalidArguments)
	}
	return args[1:], nil
}

func argsButLast(args []string) ([]string, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%w: no keys", ErrInvalidArguments)
	}
	return args[:len(args)-1], nil
}

// numKeys reads the key count at args[at] and bounds-checks the keys after it.
func numKeys(args []string, at int) (int, error) {
	if len(args) <= at {
		return 0, fmt.Errorf("%w: missing numkeys", ErrInvalidArguments)
	}
	n, err := strconv.Atoi(args[at])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: numkeys must be a positive integer, got %q", ErrInvalidArguments, args[at])
	}
	if at+1+n > len(args) {
		return 0, fmt.Errorf("%w: numkeys %d exceeds argument count", ErrInvalidArguments, n)
	}
	return n, nil
}

// scriptKeys extracts KEYS from EVAL script numkeys key [key ...] arg [arg ...].
// Scripts without keys cannot be placed and are rejected.
func scriptKeys(args []string) ([]string, error) {
	n, err := numKeys(args, 1)
	if err != nil {
		return nil, err
	}
	return args[2 : 2+n], nil
}

// storeKeys extracts the destination and sources of Z*STORE destination numkeys key [key ...].
func storeKeys(args []string) ([]string, error) {
	n, err := numKeys(args, 1)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, n+1)
	keys = append(keys, args[0])
	return append(keys, args[2:2+n]...), nil
}

// commands is the routing table. Names are upper case; multi-word commands
// keep their single separating space.
var commands = map[string]command{
	"APPEND":       keyAt(0),
	"AUTH":         fanout(nil),
	"BGREWRITEAOF": fanout(nil),
	"BGSAVE":       fanout(nil),
	"BITCOUNT":     keyAt(0),
	"BITOP":        sameShard(argsAfterFirst),
	"BITPOS":       keyAt(0),
	"BLPOP":        unsupported,
	"BRPOP":        unsupported,
	"BRPOPLPUSH":   unsupported,

	"CLIENT KILL":    fanout(nil),
	"CLIENT LIST":    unsupported,
	"CLIENT GETNAME": unsupported,
	"CLIENT PAUSE":   unsupported,
	"CLIENT SETNAME": unsupported,
	"CLUSTER SLOTS":  unsupported,

	"COMMAND":          unsupported,
	"COMMAND COUNT":    unsupported,
	"COMMAND GETKEYS":  unsupported,
	"COMMAND INFO":     unsupported,
	"CONFIG GET":       unsupported,
	"CONFIG REWRITE":   unsupported,
	"CONFIG SET":       unsupported,
	"CONFIG RESETSTAT": unsupported,

	"DBSIZE":   fanout(reduceSum),
	"DEBUG":    unsupported,
	"DECR":     keyAt(0),
	"DECRBY":   keyAt(0),
	"DEL":      grouped(mergeSum),
	"DISCARD":  unsupported,
	"DUMP":     keyAt(0),
	"ECHO":     noKey,
	"EVAL":     sameShard(scriptKeys),
	"EVALSHA":  sameShard(scriptKeys),
	"EXEC":     noKey,
	"EXISTS":   grouped(mergeSum),
	"EXPIRE":   keyAt(0),
	"EXPIREAT": keyAt(0),
	"FLUSHALL": noKey,
	"FLUSHDB":  noKey,

	"GET":      keyAt(0),
	"GETBIT":   keyAt(0),
	"GETDEL":   keyAt(0),
	"GETEX":    keyAt(0),
	"GETRANGE": keyAt(0),
	"GETSET":   keyAt(0),

	"HDEL":         keyAt(0),
	"HEXISTS":      keyAt(0),
	"HGET":         keyAt(0),
	"HGETALL":      keyAt(0),
	"HINCRBY":      keyAt(0),
	"HINCRBYFLOAT": keyAt(0),
	"HKEYS":        keyAt(0),
	"HLEN":         keyAt(0),
	"HMGET":        keyAt(0),
	"HMSET":        keyAt(0),
	"HSCAN":        keyAt(0),
	"HSET":         keyAt(0),
	"HSETNX":       keyAt(0),
	"HSTRLEN":      keyAt(0),
	"HVALS":        keyAt(0),

	"INCR":        keyAt(0),
	"INCRBY":      keyAt(0),
	"INCRBYFLOAT": keyAt(0),
	"INFO":        fanout(nil),
	"KEYS":        fanout(reduceConcat),
	"LASTSAVE":    fanout(nil),

	"LINDEX":  keyAt(0),
	"LINSERT": keyAt(0),
	"LLEN":    keyAt(0),
	"LPOP":    keyAt(0),
	"LPOS":    keyAt(0),
	"LPUSH":   keyAt(0),
	"LPUSHX":  keyAt(0),
	"LRANGE":  keyAt(0),
	"LREM":    keyAt(0),
	"LSET":    keyAt(0),
	"LTRIM":   keyAt(0),

	"MGET":    grouped(mergePositional),
	"MIGRATE": keyAt(2),
	"MONITOR": unsupported,
	"MOVE":    keyAt(0),
	"MSET":    unsupported,
	"MSETNX":  unsupported,
	"MULTI":   unsupported,
	"OBJECT":  unsupported,

	"PERSIST":      keyAt(0),
	"PEXPIRE":      keyAt(0),
	"PEXPIREAT":    keyAt(0),
	"PFADD":        keyAt(0),
	"PFCOUNT":      grouped(mergeSum),
	"PFMERGE":      sameShard(allArgs),
	"PING":         fanout(reducePong),
	"PSETEX":       keyAt(0),
	"PSUBSCRIBE":   unsupported,
	"PTTL":         keyAt(0),
	"PUBLISH":      unsupported,
	"PUBSUB":       unsupported,
	"PUNSUBSCRIBE": unsupported,

	"QUIT":      teardown,
	"RANDOMKEY": custom(routeRandom),
	"RENAME":    sameShard(allArgs),
	"RENAMENX":  sameShard(allArgs),
	"RESTORE":   keyAt(0),
	"ROLE":      fanout(nil),
	"RPOP":      keyAt(0),
	"RPOPLPUSH": sameShard(allArgs),
	"RPUSH":     keyAt(0),
	"RPUSHX":    keyAt(0),

	"SADD":        keyAt(0),
	"SAVE":        fanout(nil),
	"SCAN":        unsupported,
	"SCARD":       keyAt(0),
	"SCRIPT":      fanout(nil),
	"SDIFF":       sameShard(allArgs),
	"SDIFFSTORE":  sameShard(allArgs),
	"SELECT":      fanout(nil),
	"SET":         keyAt(0),
	"SETBIT":      keyAt(0),
	"SETEX":       keyAt(0),
	"SETNX":       keyAt(0),
	"SETRANGE":    keyAt(0),
	"SHUTDOWN":    fanout(nil),
	"SINTER":      sameShard(allArgs),
	"SINTERSTORE": sameShard(allArgs),
	"SISMEMBER":   keyAt(0),
	"SLAVEOF":     unsupported,
	"SLOWLOG":     unsupported,
	"SMEMBERS":    keyAt(0),
	"SMISMEMBER":  keyAt(0),
	"SMOVE":       sameShard(argsButLast),
	"SORT":        keyAt(0),
	"SPOP":        keyAt(0),
	"SRANDMEMBER": keyAt(0),
	"SREM":        keyAt(0),
	"SSCAN":       keyAt(0),
	"STRLEN":      keyAt(0),
	"SUBSCRIBE":   unsupported,
	"SUNION":      sameShard(allArgs),
	"SUNIONSTORE": sameShard(allArgs),
	"SYNC":        unsupported,

	"TIME":        fanout(nil),
	"TOUCH":       grouped(mergeSum),
	"TTL":         keyAt(0),
	"TYPE":        keyAt(0),
	"UNLINK":      grouped(mergeSum),
	"UNSUBSCRIBE": unsupported,
	"UNWATCH":     unsupported,
	"WATCH":       unsupported,

	"ZADD":             keyAt(0),
	"ZCARD":            keyAt(0),
	"ZCOUNT":           keyAt(0),
	"ZINCRBY":          keyAt(0),
	"ZINTERSTORE":      sameShard(storeKeys),
	"ZLEXCOUNT":        keyAt(0),
	"ZMSCORE":          keyAt(0),
	"ZPOPMAX":          keyAt(0),
	"ZPOPMIN":          keyAt(0),
	"ZRANGE":           keyAt(0),
	"ZRANGEBYLEX":      keyAt(0),
	"ZRANGEBYSCORE":    keyAt(0),
	"ZRANK":            keyAt(0),
	"ZREM":             keyAt(0),
	"ZREMRANGEBYLEX":   keyAt(0),
	"ZREMRANGEBYRANK":  keyAt(0),
	"ZREMRANGEBYSCORE": keyAt(0),
	"ZREVRANGE":        keyAt(0),
	"ZREVRANGEBYLEX":   keyAt(0),
	"ZREVRANGEBYSCORE": keyAt(0),
	"ZREVRANK":         keyAt(0),
	"ZSCAN":            keyAt(0),
	"ZSCORE":           keyAt(0),
	"ZUNIONSTORE":      sameShard(storeKeys),
}

// Supported reports whether name (any case) can be dispatched.
func Supported(name string) bool {
	cmd, ok := commands[normalizeName(name)]
	return ok && cmd.policy != policyUnsupported
}
