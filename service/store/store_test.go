package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	// missing keys are nil, nil
	v, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.Set(ctx, "k1", []byte("one")))
	v, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)

	// overwrite
	require.NoError(t, s.Set(ctx, "k1", []byte("two")))
	v, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), v)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	testStoreContract(t, s)
	assert.Equal(t, 1, s.Len())

	// returned values are copies
	ctx := context.Background()
	v, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	v[0] = 'X'
	again, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), again)
}

func TestSqliteStore(t *testing.T) {
	s, err := NewSqliteStore(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	testStoreContract(t, s)
}

func TestSqliteStorePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	ctx := context.Background()

	s, err := NewSqliteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = NewSqliteStore(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}
