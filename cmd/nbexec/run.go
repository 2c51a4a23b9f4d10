package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/nbexec/internal/chunkout"
	"github.com/CZERTAINLY/nbexec/internal/engine"
	"github.com/CZERTAINLY/nbexec/internal/log"
	"github.com/CZERTAINLY/nbexec/internal/model"
	"github.com/CZERTAINLY/nbexec/internal/parallel"
)

var (
	flagDoc    string
	flagEngine string
	flagJobs   int
)

var runCmd = &cobra.Command{
	Use:   "run --doc DOC FILE...",
	Short: "run executes every file as a chunk of a document and prints its output",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doRun,
}

func init() {
	runCmd.Flags().StringVar(&flagDoc, "doc", "", "document id")
	runCmd.Flags().StringVar(&flagEngine, "engine", "", "engine to use, default is derived from the file extension")
	runCmd.Flags().IntVar(&flagJobs, "jobs", runtime.NumCPU(), "number of chunks running at once")
	_ = runCmd.MarkFlagRequired("doc")
}

// engines derived from file extensions
var extEngines = map[string]string{
	".r":  engine.Rscript,
	".py": "python",
	".sh": "sh",
	".js": "node",
	".rb": "ruby",
	".pl": "perl",
}

func engineFor(path string) (string, error) {
	if flagEngine != "" {
		return flagEngine, nil
	}
	ext := strings.ToLower(filepath.Ext(path))
	if e, ok := extEngines[ext]; ok {
		return e, nil
	}
	return "", fmt.Errorf("%s: can't derive engine from extension %q, use --engine", path, ext)
}

func chunkID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ctx = log.ContextAttrs(ctx, slog.Group("nbexec",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close(ctx)
	}()

	out := &syncWriter{w: cmd.OutOrStdout()}
	run := func(ctx context.Context, path string) (fileResult, error) {
		status, err := runFile(ctx, a, out, path)
		return fileResult{chunkID: chunkID(path), status: status}, err
	}

	var errs []error
	for res, err := range parallel.NewMap(flagJobs, run).Iter(ctx, slices.Values(args)) {
		switch {
		case err != nil:
			errs = append(errs, err)
		case res.status != 0:
			errs = append(errs, fmt.Errorf("%s: exit status %d", res.chunkID, res.status))
		}
	}
	return errors.Join(errs...)
}

type fileResult struct {
	chunkID string
	status  int
}

func runFile(ctx context.Context, a *app, out io.Writer, path string) (int, error) {
	eng, err := engineFor(path)
	if err != nil {
		return 0, err
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	id := chunkID(path)

	e, err := a.runner.Start(ctx, flagDoc, id, eng, string(code))
	if err != nil {
		return 0, err
	}

	var printed int
	emit := func(r chunkout.Record) {
		printed++
		writeRecord(out, id, r)
	}

	followCtx, cancel := context.WithCancel(ctx)
	followDone := make(chan error, 1)
	go func() {
		followDone <- chunkout.Follow(followCtx, a.store.OutputFile(flagDoc, id, model.OutputText), emit)
	}()

	select {
	case <-e.Done():
	case <-ctx.Done():
		e.Terminate()
		<-e.Done()
	}
	cancel()
	if err := <-followDone; err != nil {
		slog.WarnContext(ctx, "following chunk output", "chunk_id", id, "error", err)
	}

	// records written after the follower stopped
	records, err := a.store.ReadRecords(flagDoc, id)
	if err != nil {
		return e.ExitStatus(), err
	}
	for _, r := range records[min(printed, len(records)):] {
		writeRecord(out, id, r)
	}
	return e.ExitStatus(), nil
}

func writeRecord(w io.Writer, chunkID string, r chunkout.Record) {
	text := r.Text
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	_, _ = fmt.Fprintf(w, "[%s %s] %s", chunkID, r.Kind, text)
}

type syncWriter struct {
	mx sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.w.Write(p)
}
