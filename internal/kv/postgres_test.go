package kv_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-ai/cadenza/internal/kv"
	"github.com/cadenza-ai/cadenza/internal/testutil"
)

// testStore holds a shared Postgres-backed store for all tests in this package.
var testStore *kv.Postgres

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testStore, err = kv.NewPostgres(ctx, tc.DSN, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create store: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	_ = testStore.Close()
	tc.Terminate()
	os.Exit(code)
}

func TestPostgresGetSetDel(t *testing.T) {
	ctx := context.Background()

	_, ok, err := testStore.Get(ctx, "pg:missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, testStore.Set(ctx, "pg:a", []byte("one")))
	require.NoError(t, testStore.Set(ctx, "pg:a", []byte("two")))

	v, ok, err := testStore.Get(ctx, "pg:a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("two"), v)

	require.NoError(t, testStore.Del(ctx, "pg:a", "pg:missing"))
	_, ok, err = testStore.Get(ctx, "pg:a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresSets(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, testStore.SAdd(ctx, "pg:s", "c", "a"))
	require.NoError(t, testStore.SAdd(ctx, "pg:s", "b", "a"))

	members, err := testStore.SMembers(ctx, "pg:s")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, members)

	empty, err := testStore.SMembers(ctx, "pg:absent")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, testStore.Del(ctx, "pg:s"))
	members, err = testStore.SMembers(ctx, "pg:s")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestPostgresKeysPrefixScan(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, testStore.Set(ctx, "scan:1:state", []byte("x")))
	require.NoError(t, testStore.Set(ctx, "scan:2:state", []byte("y")))
	require.NoError(t, testStore.SAdd(ctx, "scan:1:set", "m"))
	require.NoError(t, testStore.Set(ctx, "unrelated:1", []byte("z")))

	keys, err := testStore.Keys(ctx, "scan:")
	require.NoError(t, err)
	assert.Equal(t, []string{"scan:1:set", "scan:1:state", "scan:2:state"}, keys)
}

func TestPostgresKeysPrefixIsLiteral(t *testing.T) {
	ctx := context.Background()

	// Thread ids land in key prefixes verbatim; underscore and percent
	// must match themselves, not act as wildcards.
	require.NoError(t, testStore.Set(ctx, "lit:conv_1:state", []byte("mine")))
	require.NoError(t, testStore.Set(ctx, "lit:convX1:state", []byte("other")))
	require.NoError(t, testStore.Set(ctx, "lit:conv%1:state", []byte("pct")))
	require.NoError(t, testStore.SAdd(ctx, "lit:conv_1:set", "m"))

	keys, err := testStore.Keys(ctx, "lit:conv_1:")
	require.NoError(t, err)
	assert.Equal(t, []string{"lit:conv_1:set", "lit:conv_1:state"}, keys)

	keys, err = testStore.Keys(ctx, "lit:conv%1:")
	require.NoError(t, err)
	assert.Equal(t, []string{"lit:conv%1:state"}, keys)
}
