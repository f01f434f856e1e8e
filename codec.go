package shardis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
	"github.com/unkn0wn-root/shardis/resp"
)

// Codec converts typed values to and from the byte strings stored on the
// servers.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// BytesCodec: pass-through []byte (no copy on Encode; Decode returns a copy).
type BytesCodec struct{}

func (BytesCodec) Encode(v []byte) ([]byte, error) { return v, nil }
func (BytesCodec) Decode(b []byte) ([]byte, error) { out := append([]byte(nil), b...); return out, nil }

// JSONCodec stores values as JSON text, readable from any other client.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSONCodec[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	em, _ := cbor.CanonicalEncOptions().EncMode()
	dm, _ := (cbor.DecOptions{}).DecMode()
	cborEnc, cborDec = em, dm
}

// CBORCodec encodes values as canonical CBOR.
type CBORCodec[V any] struct{}

func (CBORCodec[V]) Encode(v V) ([]byte, error) { return cborEnc.Marshal(v) }
func (CBORCodec[V]) Decode(b []byte) (V, error) {
	var v V
	err := cborDec.Unmarshal(b, &v)
	return v, err
}

// SnappyCodec compresses the output of Inner with snappy block encoding.
type SnappyCodec[V any] struct {
	Inner Codec[V]
}

func (c SnappyCodec[V]) Encode(v V) ([]byte, error) {
	raw, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func (c SnappyCodec[V]) Decode(b []byte) (V, error) {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		var zero V
		return zero, fmt.Errorf("snappy: %w", err)
	}
	return c.Inner.Decode(raw)
}

// SetValue stores v under key. A positive ttl is applied with millisecond
// precision.
func SetValue[V any](ctx context.Context, c *Client, codec Codec[V], key string, v V, ttl time.Duration) error {
	b, err := codec.Encode(v)
	if err != nil {
		return newCommandError("encode", "SET", err)
	}
	if ttl > 0 {
		_, err = c.Do(ctx, "PSETEX", key, ttl.Milliseconds(), b)
	} else {
		_, err = c.Do(ctx, "SET", key, b)
	}
	return err
}

// GetValue loads and decodes key. A missing key yields ErrNotFound.
func GetValue[V any](ctx context.Context, c *Client, codec Codec[V], key string) (V, error) {
	var zero V
	v, err := c.Do(ctx, "GET", key)
	if err != nil {
		return zero, err
	}
	if v.IsNil() {
		return zero, newCommandError("get", "GET", ErrNotFound)
	}
	out, err := codec.Decode([]byte(v.Str))
	if err != nil {
		return zero, newCommandError("decode", "GET", err)
	}
	return out, nil
}

// MGetValues loads several keys across shards. Missing keys leave the zero
// value at their position and false in found.
func MGetValues[V any](ctx context.Context, c *Client, codec Codec[V], keys ...string) (vals []V, found []bool, err error) {
	if len(keys) == 0 {
		return nil, nil, nil
	}
	v, err := c.Do(ctx, "MGET", keys)
	if err != nil {
		return nil, nil, err
	}
	return decodeAll(codec, v)
}

func decodeAll[V any](codec Codec[V], v resp.Value) ([]V, []bool, error) {
	if v.Kind != resp.Array {
		return nil, nil, newCommandError("decode", "MGET", resp.ErrType)
	}
	vals := make([]V, len(v.Elems))
	found := make([]bool, len(v.Elems))
	for i, e := range v.Elems {
		if e.IsNil() {
			continue
		}
		d, err := codec.Decode([]byte(e.Str))
		if err != nil {
			return nil, nil, newCommandError("decode", "MGET", err)
		}
		vals[i], found[i] = d, true
	}
	return vals, found, nil
}

// Has reports whether key exists.
func (c *Client) Has(ctx context.Context, key string) (bool, error) {
	v, err := c.Do(ctx, "EXISTS", key)
	if err != nil {
		return false, err
	}
	n, err := v.Int64()
	return n > 0, err
}

// Values returns the decoded values of every key matching pattern on any
// server. Keys that vanish between the KEYS and MGET round trips are skipped.
func Values[V any](ctx context.Context, c *Client, codec Codec[V], pattern string) ([]V, error) {
	kv, err := c.Do(ctx, "KEYS", pattern)
	if err != nil {
		return nil, err
	}
	keys, err := kv.Strings()
	if err != nil {
		return nil, newCommandError("decode", "KEYS", err)
	}
	vals, found, err := MGetValues(ctx, c, codec, keys...)
	if err != nil {
		return nil, err
	}
	out := vals[:0]
	for i, v := range vals {
		if found[i] {
			out = append(out, v)
		}
	}
	return out, nil
}
