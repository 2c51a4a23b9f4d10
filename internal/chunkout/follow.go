package chunkout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// rescan catches up when the chunk directory is recreated and the watch
// on it is lost.
const rescan = 500 * time.Millisecond

// Follow tails the artifact at path and calls fn for every complete
// record, starting with those already written. A reset artifact is read
// again from the start. Follow returns when ctx is done.
func Follow(ctx context.Context, path string, fn func(Record)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating chunk output dir: %w", err)
	}
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	t := &tailer{path: path, fn: fn}
	if err := t.read(); err != nil {
		return err
	}

	ticker := time.NewTicker(rescan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if err := t.read(); err != nil {
				return err
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "watcher error", "path", path, "error", err)
		case <-ticker.C:
			if _, err := os.Stat(dir); err == nil {
				// no-op when the watch still exists
				_ = w.Add(dir)
			}
			if err := t.read(); err != nil {
				return err
			}
		}
	}
}

type tailer struct {
	path   string
	fn     func(Record)
	info   os.FileInfo
	offset int64
	dec    Decoder
}

func (t *tailer) reset() {
	t.info = nil
	t.offset = 0
	t.dec.Reset()
}

func (t *tailer) read() error {
	f, err := os.Open(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		t.reset()
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if t.info != nil && (!os.SameFile(t.info, info) || info.Size() < t.offset) {
		t.reset()
	}
	t.info = info
	if info.Size() == t.offset {
		return nil
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return err
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	t.offset += int64(len(b))
	records, err := t.dec.Feed(b)
	for _, r := range records {
		t.fn(r)
	}
	if err != nil {
		return fmt.Errorf("following %s: %w", t.path, err)
	}
	return nil
}
