// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package cursor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Load(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, ok)

	t1 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(ctx, "fp1", t1))
	got, ok, err := s.Load(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, t1.Equal(got), "got %v", got)

	// older saves are ignored
	require.NoError(t, s.Save(ctx, "fp1", t1.Add(-time.Minute)))
	got, _, err = s.Load(ctx, "fp1")
	require.NoError(t, err)
	assert.True(t, t1.Equal(got))

	t2 := t1.Add(time.Second)
	require.NoError(t, s.Save(ctx, "fp1", t2))
	got, _, err = s.Load(ctx, "fp1")
	require.NoError(t, err)
	assert.True(t, t2.Equal(got))

	// keys are independent
	_, ok, err = s.Load(ctx, "fp2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Delete(ctx, "fp1"))
	_, ok, err = s.Load(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	storeContract(t, s)
}

func TestSqliteStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(Config{Backend: "sqlite", Path: dir})
	require.NoError(t, err)
	storeContract(t, s)

	require.NoError(t, s.Save(context.Background(), "persist", time.Unix(1700000000, 5).UTC()))
	require.NoError(t, s.Close())

	reopened, err := NewSqliteStore(filepath.Join(dir, dbName))
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	got, ok, err := reopened.Load(context.Background(), "persist")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1700000000000000005), got.UnixNano())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewStore(Config{Backend: "redis", RedisAddr: mr.Addr(), TTL: time.Hour})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	storeContract(t, s)

	require.NoError(t, s.Save(context.Background(), "ttl", time.Now()))
	assert.Equal(t, time.Hour, mr.TTL(keyPrefix+"ttl"))
}

func TestNewStore_Errors(t *testing.T) {
	_, err := NewStore(Config{Backend: "badger"})
	require.Error(t, err)
	_, err = NewStore(Config{Backend: "sqlite"})
	require.Error(t, err)
	_, err = NewStore(Config{Backend: "redis"})
	require.Error(t, err)

	s, err := NewStore(Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
}
