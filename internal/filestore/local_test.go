package filestore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/ragbox/internal/config"
)

type memFile struct {
	*bytes.Reader
}

func (m *memFile) Close() error { return nil }

func newMemFile(content string) *memFile {
	return &memFile{Reader: bytes.NewReader([]byte(content))}
}

func TestLocalStore_SaveAndOpen(t *testing.T) {
	store, err := New(config.FileStoreConfig{
		Type: "local",
		Data: map[string]interface{}{"dir": t.TempDir()},
	})
	require.NoError(t, err)

	src := newMemFile("# Title\n\nbody")
	// a consumed reader must still save fully, Save rewinds
	_, err = io.ReadAll(src)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "doc1.md", src, 13))

	f, err := store.Open(context.Background(), "doc1.md")
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, "# Title\n\nbody", string(data))
}

func TestLocalStore_RejectsPathTraversal(t *testing.T) {
	store, err := New(config.FileStoreConfig{
		Type: "local",
		Data: map[string]interface{}{"dir": t.TempDir()},
	})
	require.NoError(t, err)

	require.Error(t, store.Save(context.Background(), "../escape.md", newMemFile("x"), 1))
	_, err = store.Open(context.Background(), "../escape.md")
	require.Error(t, err)
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(config.FileStoreConfig{Type: "no-such-store"})
	require.Error(t, err)
}

func TestNew_LocalRequiresDir(t *testing.T) {
	_, err := New(config.FileStoreConfig{Type: "local"})
	require.Error(t, err)
}
