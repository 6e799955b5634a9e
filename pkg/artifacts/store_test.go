package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for name, store := range map[string]Store{"fs": fs, "memory": NewMemoryStore()} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("\x00asm\x01\x00\x00\x00")

			digest, err := store.Put(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, Digest(data), digest)

			// Idempotent
			again, err := store.Put(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, digest, again)

			ok, err := store.Exists(ctx, digest)
			require.NoError(t, err)
			assert.True(t, ok)

			got, err := Fetch(ctx, store, digest)
			require.NoError(t, err)
			assert.Equal(t, data, got)

			require.NoError(t, store.Delete(ctx, digest))
			_, err = store.Get(ctx, digest)
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = store.Get(ctx, "md5:abc")
			assert.Error(t, err)
		})
	}
}

func TestFetch_DetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	digest, err := store.Put(ctx, []byte("module-v1"))
	require.NoError(t, err)

	raw, _ := ParseDigest(digest)
	require.NoError(t, os.WriteFile(filepath.Join(dir, raw+".wasm"), []byte("tampered"), 0o600))

	_, err = Fetch(ctx, store, digest)
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = New(ctx, Options{Backend: BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = New(ctx, Options{Backend: "tape"})
	assert.Error(t, err)

	_, err = New(ctx, Options{Backend: BackendS3})
	assert.Error(t, err)
}
