package chunkout

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/CZERTAINLY/nbexec/internal/model"
)

const textArtifact = "text.csv"

var ErrInvalidID = errors.New("invalid identifier")

// Listener is notified after output has been durably appended.
type Listener interface {
	ChunkOutput(ctx context.Context, ev model.ChunkOutputEvent)
}

// Store lays out chunk output under Root as <doc>/<chunk>/.
type Store struct {
	Root string
}

func NewStore(root string) *Store {
	return &Store{Root: root}
}

// ValidateID rejects identifiers which can't be used as a single path
// element.
func ValidateID(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	case strings.ContainsAny(id, `/\`), strings.ContainsRune(id, 0):
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// OutputDir returns the chunk output directory.
func (s *Store) OutputDir(docID, chunkID string) string {
	return filepath.Join(s.Root, docID, chunkID)
}

// OutputFile returns the artifact path of the given kind.
func (s *Store) OutputFile(docID, chunkID string, kind model.OutputKind) string {
	switch kind {
	case model.OutputText:
		return filepath.Join(s.OutputDir(docID, chunkID), textArtifact)
	default:
		return filepath.Join(s.OutputDir(docID, chunkID), string(kind))
	}
}

// Reset removes the chunk output path, recreates it as a directory and
// cleans stale output. Every step runs, failures are joined.
func (s *Store) Reset(docID, chunkID string) error {
	dir := s.OutputDir(docID, chunkID)
	var errs []error
	if err := os.RemoveAll(dir); err != nil {
		errs = append(errs, fmt.Errorf("removing chunk output dir: %w", err))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		errs = append(errs, fmt.Errorf("creating chunk output dir: %w", err))
	}
	if err := s.Clean(docID, chunkID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Clean removes cached artifacts of a chunk, keeping the directory.
func (s *Store) Clean(docID, chunkID string) error {
	path := s.OutputFile(docID, chunkID, model.OutputText)
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cleaning chunk output: %w", err)
	}
	return nil
}

// Append durably appends r to the text artifact, creating it if absent,
// and returns its path.
func (s *Store) Append(docID, chunkID string, r Record) (string, error) {
	encoded, err := EncodeRecord(r)
	if err != nil {
		return "", fmt.Errorf("encoding record: %w", err)
	}
	path := s.OutputFile(docID, chunkID, model.OutputText)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("opening chunk output: %w", err)
	}
	if _, err := f.WriteString(encoded); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("writing chunk output: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("syncing chunk output: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing chunk output: %w", err)
	}
	return path, nil
}

// ReadRecords returns every record of the chunk's text artifact. A chunk
// with no output yet returns no records.
func (s *Store) ReadRecords(docID, chunkID string) ([]Record, error) {
	f, err := os.Open(s.OutputFile(docID, chunkID, model.OutputText))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return DecodeRecords(f)
}

// Recorder appends captured output and notifies a listener.
type Recorder struct {
	Store     *Store
	Listener  Listener // may be nil
	ContextID string
}

// Record persists one piece of output and raises a chunk output event.
// The event is raised only after the record is on disk.
func (r Recorder) Record(ctx context.Context, docID, chunkID string, kind model.StreamKind, text string) error {
	path, err := r.Store.Append(docID, chunkID, Record{Kind: kind, Text: text})
	if err != nil {
		return err
	}
	if r.Listener != nil {
		r.Listener.ChunkOutput(ctx, model.ChunkOutputEvent{
			DocID:     docID,
			ChunkID:   chunkID,
			ContextID: r.ContextID,
			Kind:      model.OutputText,
			Path:      path,
		})
	}
	return nil
}
