package shardis

import (
	"context"
	"sort"
	"strings"

	"github.com/tidwall/match"
	"github.com/unkn0wn-root/shardis/resp"
)

const tablePrefix = "RDN_"

// Table is a key namespace: record r of table t lives at "RDN_t_r". Tables are
// a naming convention only; servers know nothing about them.
type Table struct {
	c    *Client
	name string
}

// tableName strips the characters that would make the key layout ambiguous.
func tableName(name string) string {
	return strings.NewReplacer("*", "", "_", "").Replace(name)
}

// CreateTable registers a table and returns its sanitized name.
func (c *Client) CreateTable(name string) string {
	name = tableName(name)
	c.tablesMu.Lock()
	c.tables[name] = struct{}{}
	c.tablesMu.Unlock()
	return name
}

// Table returns a handle on an existing table.
func (c *Client) Table(name string) (*Table, error) {
	name = tableName(name)
	if !c.hasTable(name) {
		return nil, newCommandError("table", name, ErrTableNotFound)
	}
	return &Table{c: c, name: name}, nil
}

// Tables lists known tables in lexical order.
func (c *Client) Tables() []string {
	c.tablesMu.RLock()
	out := make([]string, 0, len(c.tables))
	for t := range c.tables {
		out = append(out, t)
	}
	c.tablesMu.RUnlock()
	sort.Strings(out)
	return out
}

func (c *Client) hasTable(name string) bool {
	c.tablesMu.RLock()
	defer c.tablesMu.RUnlock()
	_, ok := c.tables[name]
	return ok
}

// DeleteTable removes every record of the table from all servers and forgets
// the table.
func (c *Client) DeleteTable(ctx context.Context, name string) error {
	name = tableName(name)
	if !c.hasTable(name) {
		return newCommandError("table", name, ErrTableNotFound)
	}
	kv, err := c.Do(ctx, "KEYS", tablePrefix+name+"_*")
	if err != nil {
		return err
	}
	keys, err := kv.Strings()
	if err != nil {
		return newCommandError("decode", "KEYS", err)
	}
	if len(keys) > 0 {
		if _, err := c.Do(ctx, "DEL", keys); err != nil {
			return err
		}
	}
	c.tablesMu.Lock()
	delete(c.tables, name)
	c.tablesMu.Unlock()
	return nil
}

// LoadTables registers every table that has at least one record on any
// server and returns the full set of known tables.
func (c *Client) LoadTables(ctx context.Context) ([]string, error) {
	kv, err := c.Do(ctx, "KEYS", tablePrefix+"*")
	if err != nil {
		return nil, err
	}
	keys, err := kv.Strings()
	if err != nil {
		return nil, newCommandError("decode", "KEYS", err)
	}

	c.tablesMu.Lock()
	for _, k := range keys {
		if !match.Match(k, tablePrefix+"?*_*") {
			continue
		}
		rest := k[len(tablePrefix):]
		if i := strings.IndexByte(rest, '_'); i > 0 {
			c.tables[rest[:i]] = struct{}{}
		}
	}
	c.tablesMu.Unlock()
	return c.Tables(), nil
}

// Name is the sanitized table name.
func (t *Table) Name() string { return t.name }

// Key returns the physical key of record.
func (t *Table) Key(record string) string {
	return tablePrefix + t.name + "_" + record
}

// Pattern matches every record key of the table.
func (t *Table) Pattern() string {
	return tablePrefix + t.name + "_*"
}

// Dispatch runs a keyed command against record. The record is the command's
// first argument, as for GET, SET, HSET and the like.
func (t *Table) Dispatch(name, record string, args ...any) *Result {
	if !t.c.hasTable(t.name) {
		return failedResult(newCommandError("table", t.name, ErrTableNotFound))
	}
	return t.c.Dispatch(name, append([]any{t.Key(record)}, args...)...)
}

// Do is Dispatch followed by Wait.
func (t *Table) Do(ctx context.Context, name, record string, args ...any) (resp.Value, error) {
	return t.Dispatch(name, record, args...).Wait(ctx)
}
