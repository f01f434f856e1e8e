package shardis

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"

	"github.com/unkn0wn-root/shardis/resp"
)

// Script is a Lua script addressed by its SHA1 digest. All keys passed to Run
// must live on one server.
type Script struct {
	src  string
	hash string
}

// NewScript prepares src; nothing is sent until Run.
func NewScript(src string) *Script {
	sum := sha1.Sum([]byte(src))
	return &Script{src: src, hash: hex.EncodeToString(sum[:])}
}

// Hash is the hex SHA1 digest EVALSHA refers to.
func (s *Script) Hash() string { return s.hash }

// Run executes the script with EVALSHA and falls back to EVAL, which also
// loads it, when the owning server does not know the digest yet.
func (s *Script) Run(ctx context.Context, c *Client, keys []string, args ...any) (resp.Value, error) {
	rest := make([]any, 0, len(keys)+len(args)+1)
	rest = append(rest, len(keys), keys)
	rest = append(rest, args...)

	v, err := c.Do(ctx, "EVALSHA", append([]any{s.hash}, rest...)...)
	var rerr *resp.ReplyError
	if errors.As(err, &rerr) && rerr.Prefix() == "NOSCRIPT" {
		return c.Do(ctx, "EVAL", append([]any{s.src}, rest...)...)
	}
	return v, err
}
