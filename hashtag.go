package shardis

import "strings"

// HashKey returns the part of key that decides its shard: the text between
// the first '{' and the next '}' when both exist, otherwise the whole key.
func HashKey(key string) string {
	i := strings.IndexByte(key, '{')
	if i < 0 {
		return key
	}
	j := strings.IndexByte(key[i+1:], '}')
	if j < 0 {
		return key
	}
	return key[i+1 : i+1+j]
}
