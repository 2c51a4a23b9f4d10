package chunkout_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/CZERTAINLY/nbexec/internal/chunkout"
	"github.com/CZERTAINLY/nbexec/internal/model"
	"github.com/stretchr/testify/require"
)

type listener struct {
	mx     sync.Mutex
	events []model.ChunkOutputEvent
}

func (l *listener) ChunkOutput(_ context.Context, ev model.ChunkOutputEvent) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.events = append(l.events, ev)
}

func TestValidateID(t *testing.T) {
	t.Parallel()
	for _, id := range []string{"doc1", "chunk-1", "a.b"} {
		require.NoError(t, chunkout.ValidateID(id), id)
	}
	for _, id := range []string{"", ".", "..", "a/b", `a\b`, "a\x00"} {
		require.ErrorIs(t, chunkout.ValidateID(id), chunkout.ErrInvalidID, id)
	}
}

func TestRecorder(t *testing.T) {
	t.Parallel()
	store := chunkout.NewStore(t.TempDir())
	require.NoError(t, store.Reset("doc", "c1"))

	l := &listener{}
	rec := chunkout.Recorder{Store: store, Listener: l, ContextID: "ctx"}

	require.NoError(t, rec.Record(t.Context(), "doc", "c1", model.StreamStdout, "a"))
	require.NoError(t, rec.Record(t.Context(), "doc", "c1", model.StreamStderr, "b"))
	require.NoError(t, rec.Record(t.Context(), "doc", "c1", model.StreamStdout, "c"))

	got, err := store.ReadRecords("doc", "c1")
	require.NoError(t, err)
	require.Equal(t, []chunkout.Record{
		{Kind: model.StreamStdout, Text: "a"},
		{Kind: model.StreamStderr, Text: "b"},
		{Kind: model.StreamStdout, Text: "c"},
	}, got)

	raw, err := os.ReadFile(store.OutputFile("doc", "c1", model.OutputText))
	require.NoError(t, err)
	require.Equal(t, "0,a\n1,b\n0,c\n", string(raw))

	require.Len(t, l.events, 3)
	for _, ev := range l.events {
		require.Equal(t, model.ChunkOutputEvent{
			DocID:     "doc",
			ChunkID:   "c1",
			ContextID: "ctx",
			Kind:      model.OutputText,
			Path:      store.OutputFile("doc", "c1", model.OutputText),
		}, ev)
	}
}

func TestRecorder_NoListener(t *testing.T) {
	t.Parallel()
	store := chunkout.NewStore(t.TempDir())
	require.NoError(t, store.Reset("doc", "c1"))
	rec := chunkout.Recorder{Store: store}
	require.NoError(t, rec.Record(t.Context(), "doc", "c1", model.StreamStdout, "x"))
}

func TestRecorder_Error(t *testing.T) {
	t.Parallel()
	store := chunkout.NewStore(t.TempDir())
	l := &listener{}
	rec := chunkout.Recorder{Store: store, Listener: l}

	// chunk directory was never created
	err := rec.Record(t.Context(), "doc", "missing", model.StreamStdout, "x")
	require.Error(t, err)
	require.Empty(t, l.events)
}

func TestStore_Reset(t *testing.T) {
	t.Parallel()
	store := chunkout.NewStore(t.TempDir())
	require.NoError(t, store.Reset("doc", "c1"))

	_, err := store.Append("doc", "c1", chunkout.Record{Kind: model.StreamStdout, Text: "old"})
	require.NoError(t, err)
	stray := filepath.Join(store.OutputDir("doc", "c1"), "plot.png")
	require.NoError(t, os.WriteFile(stray, []byte("png"), 0o644))

	require.NoError(t, store.Reset("doc", "c1"))
	got, err := store.ReadRecords("doc", "c1")
	require.NoError(t, err)
	require.Empty(t, got)
	require.NoFileExists(t, stray)
	require.DirExists(t, store.OutputDir("doc", "c1"))
}

func TestStore_ResetReplacesFile(t *testing.T) {
	t.Parallel()
	store := chunkout.NewStore(t.TempDir())
	require.NoError(t, os.MkdirAll(filepath.Join(store.Root, "doc"), 0o755))
	require.NoError(t, os.WriteFile(store.OutputDir("doc", "c1"), []byte("not a dir"), 0o644))

	require.NoError(t, store.Reset("doc", "c1"))
	require.DirExists(t, store.OutputDir("doc", "c1"))
}
