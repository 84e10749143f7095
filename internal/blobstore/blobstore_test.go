package blobstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/peervault/peervault/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)
	s, err := New(filepath.Join(dir, "data"), opts...)
	require.NoError(t, err)
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "raw"
		if compress {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			s := newTestStore(t, WithCompression(compress))
			ctx := context.Background()

			data := bytes.Repeat([]byte("peervault "), 1000)
			require.NoError(t, s.Put(ctx, "ABCD1234", data))
			assert.True(t, s.Has("ABCD1234"))

			got, err := s.Get(ctx, "ABCD1234")
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestStore_CompressionShrinksRepetitiveData(t *testing.T) {
	s := newTestStore(t, WithCompression(true))
	data := bytes.Repeat([]byte("a"), 64*1024)
	require.NoError(t, s.Put(context.Background(), "F1", data))

	info, err := os.Stat(filepath.Join(s.Dir(), "F1"))
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(data)/10))
}

func TestStore_ReadsBlobsWrittenWithOtherSetting(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	ctx := context.Background()

	compressed, err := New(dir, WithCompression(true))
	require.NoError(t, err)
	require.NoError(t, compressed.Put(ctx, "Z", []byte("zipped")))

	raw, err := New(dir, WithCompression(false))
	require.NoError(t, err)
	require.NoError(t, raw.Put(ctx, "R", []byte("plain")))

	got, err := raw.Get(ctx, "Z")
	require.NoError(t, err)
	assert.Equal(t, []byte("zipped"), got)

	got, err = compressed.Get(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), got)
}

func TestStore_EmptyBlob(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(context.Background(), "EMPTY", nil))
	got, err := s.Get(context.Background(), "EMPTY")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "K", []byte("v")))

	require.NoError(t, s.Delete(ctx, "K"))
	require.NoError(t, s.Delete(ctx, "K"))
	assert.False(t, s.Has("K"))
}

func TestStore_RejectsUnsafeKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"", ".", "..", "../escape", "a/b", `a\b`, "with space", ".blob-x.tmp"} {
		t.Run(key, func(t *testing.T) {
			assert.ErrorIs(t, s.Put(ctx, key, []byte("x")), ErrInvalidKey)
			_, err := s.Get(ctx, key)
			assert.ErrorIs(t, err, ErrInvalidKey)
			assert.ErrorIs(t, s.Delete(ctx, key), ErrInvalidKey)
			assert.False(t, s.Has(key))
		})
	}
}

func TestStore_Keys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, k := range []string{"B", "A", "C"} {
		require.NoError(t, s.Put(ctx, k, []byte(k)))
	}
	testutil.TempFile(t, s.Dir(), ".blob-123.tmp", "partial")

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, keys)

	size, err := s.TotalSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), size) // header byte plus one byte each
}

func TestStore_RemovesStaleTempsOnOpen(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	stale := testutil.TempFile(t, dir, ".blob-999.tmp", "partial")

	_, err := New(dir)
	require.NoError(t, err)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestStore_UnknownFormat(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "BAD"), []byte{0x7f, 'x'}, 0644))
	_, err := s.Get(context.Background(), "BAD")
	assert.Error(t, err)
}
