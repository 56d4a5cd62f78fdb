package network

import (
	"context"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/tekcloud/go-uploadutils/multipart"
)

// Uploader ...
type Uploader interface {
	Upload(context.Context, UploadParams, log.Logger) (Result, error)
}

// Backend is the remote side of a chunked upload.
type Backend interface {
	// Prepare starts a multipart upload for the planned chunks and returns one destination per chunk.
	Prepare(ctx context.Context, name string, descriptors []multipart.ChunkDescriptor) (Session, error)
	// Refresh renews the destinations of a session resumed from the journal.
	Refresh(ctx context.Context, session Session) (Session, error)
	// Coordinator finalizes or aborts the given session.
	Coordinator(session Session) multipart.Coordinator
	// UploadSingle uploads a small file in one request and returns its file ID.
	UploadSingle(ctx context.Context, name, path string) (string, error)
	// ViewURL returns where the uploaded file can be looked at.
	ViewURL(fileID string) string
}

// Session identifies a remote multipart upload.
type Session struct {
	ID           string
	FileID       string
	CompleteURL  string
	Destinations []multipart.Destination
}
