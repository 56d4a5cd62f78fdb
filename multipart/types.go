// Package multipart provides a chunked multipart upload engine.
// It plans fixed-size chunks, uploads them in parallel with per-chunk retries,
// keeps an index-ordered ledger of integrity tokens and finalizes or aborts the remote upload.
package multipart

import (
	"context"
	"fmt"
)

// ChunkDescriptor is one contiguous byte range of the source. Index is 1-based.
type ChunkDescriptor struct {
	Index  int
	Offset int64
	Length int64
}

// End returns the offset right after the chunk.
func (d ChunkDescriptor) End() int64 {
	return d.Offset + d.Length
}

// Destination is a pre-authorized target for a single chunk.
type Destination struct {
	Index     int
	URL       string
	SessionID string
	Method    string
	Headers   map[string]string
}

// Part is one entry of the finalize request.
type Part struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"ETag"`
}

// ChunkState is the upload state of one ledger entry.
type ChunkState int

const (
	Pending ChunkState = iota
	InFlight
	Succeeded
	Failed
)

func (s ChunkState) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in-flight"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("ChunkState(%d)", int(s))
	}
}

// ChunkResult is the ledger entry of a chunk.
type ChunkResult struct {
	Index    int
	Token    string
	State    ChunkState
	Attempts int
	Err      error
}

// SessionState is the aggregate state of an upload session.
type SessionState int

const (
	Planning SessionState = iota
	Uploading
	Finalizing
	Completed
	Aborting
	Aborted
)

func (s SessionState) String() string {
	switch s {
	case Planning:
		return "planning"
	case Uploading:
		return "uploading"
	case Finalizing:
		return "finalizing"
	case Completed:
		return "completed"
	case Aborting:
		return "aborting"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Outcome is the terminal result of a session.
type Outcome struct {
	Completed bool
	FileID    string
	Reason    string
	Err       error
}

func (o Outcome) String() string {
	if o.Completed {
		return fmt.Sprintf("Completed{%s}", o.FileID)
	}
	return fmt.Sprintf("Aborted{%s}", o.Reason)
}

// Coordinator finalizes or aborts the remote multipart upload.
type Coordinator interface {
	// Finalize submits the index-ordered parts and returns the remote file ID.
	Finalize(ctx context.Context, sessionID string, parts []Part) (string, error)

	// Abort asks the remote side to reclaim the partial upload. Best effort.
	Abort(ctx context.Context, sessionID, reason string) error
}

// Journal persists successful chunk tokens so an interrupted session can resume.
type Journal interface {
	RecordPart(index int, token string) error
}
