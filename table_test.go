package shardis

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/unkn0wn-root/shardis/internal/redistest"
)

func TestTableNameSanitized(t *testing.T) {
	require.Equal(t, "users", tableName("us_ers*"))
	require.Equal(t, "x", tableName("*_x_*"))
}

func TestTableLifecycle(t *testing.T) {
	a, b := redistest.Start(t), redistest.Start(t)
	c := newTestClient(t, nil, a, b)
	waitReady(t, c)
	ctx := testCtx(t)

	_, err := c.Table("users")
	require.ErrorIs(t, err, ErrTableNotFound)

	name := c.CreateTable("use_rs")
	require.Equal(t, "users", name)
	users, err := c.Table("users")
	require.NoError(t, err)
	require.Equal(t, "RDN_users_42", users.Key("42"))
	require.Equal(t, "RDN_users_*", users.Pattern())

	for _, id := range []string{"1", "2", "3"} {
		_, err := users.Do(ctx, "SET", id, "u"+id)
		require.NoError(t, err)
	}
	v, err := users.Do(ctx, "GET", "2")
	require.NoError(t, err)
	require.Equal(t, "u2", v.Str)

	vals, err := Values(ctx, c, BytesCodec{}, users.Pattern())
	require.NoError(t, err)
	require.Len(t, vals, 3)

	// a fresh client discovers the table from the stored keys
	other := newTestClient(t, nil, a, b)
	waitReady(t, other)
	other.CreateTable("local")
	tables, err := other.LoadTables(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"local", "users"}, tables)

	require.NoError(t, c.DeleteTable(ctx, "users"))
	require.Empty(t, a.Keys())
	require.Empty(t, b.Keys())
	require.ErrorIs(t, c.DeleteTable(ctx, "users"), ErrTableNotFound)

	_, err = users.Do(ctx, "GET", "1")
	require.ErrorIs(t, err, ErrTableNotFound)
	require.NotContains(t, c.Tables(), "users")
}
