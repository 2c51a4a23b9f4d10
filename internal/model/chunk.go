package model

import (
	"fmt"
	"time"
)

// StreamKind classifies a captured piece of process output. The numeric
// values are persisted in the text artifact.
type StreamKind int

const (
	StreamStdout StreamKind = 0 // console output
	StreamStderr StreamKind = 1 // console error
)

func (k StreamKind) String() string {
	switch k {
	case StreamStdout:
		return "stdout"
	case StreamStderr:
		return "stderr"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseStreamKind parses the persisted numeric code.
func ParseStreamKind(code int) (StreamKind, error) {
	k := StreamKind(code)
	switch k {
	case StreamStdout, StreamStderr:
		return k, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrStreamKind, code)
}

// OutputKind names a chunk output artifact. Only text is produced here.
type OutputKind string

const (
	OutputText OutputKind = "text"
)

// ChunkOutputEvent tells listeners new output is available in Path.
type ChunkOutputEvent struct {
	DocID     string     `json:"doc_id"`
	ChunkID   string     `json:"chunk_id"`
	ContextID string     `json:"context_id"`
	Kind      OutputKind `json:"kind"`
	Path      string     `json:"path"`
}

// ChunkCompletedEvent is raised once the chunk process exited.
type ChunkCompletedEvent struct {
	DocID      string    `json:"doc_id"`
	ChunkID    string    `json:"chunk_id"`
	ContextID  string    `json:"context_id"`
	ExitStatus int       `json:"exit_status"`
	Finished   time.Time `json:"finished"`
}
