package network

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/tekcloud/go-uploadutils/compression"
	"github.com/tekcloud/go-uploadutils/journal"
	"github.com/tekcloud/go-uploadutils/multipart"
)

// MinMultipartSize is the largest file, in decimal bytes, that is uploaded with a single request.
const MinMultipartSize = 5 * 1000 * 1000

// UploadParams ...
type UploadParams struct {
	Path string
	// Name is the remote file name, the base name of Path when empty.
	Name        string
	ChunkSizeMB float64
	// SplitCount, when positive, sizes chunks by dividing the file into this many splits
	// and takes precedence over ChunkSizeMB.
	SplitCount       int
	MinChunkSizeMB   float64
	MaxParts         int
	Transfer         multipart.Config
	Compress         bool
	CompressionLevel int
	// JournalPath enables resuming interrupted uploads when set.
	JournalPath string
	Backend     Backend
}

// Result ...
type Result struct {
	Outcome       multipart.Outcome
	ViewURL       string
	Size          int64
	Chunks        int
	UploadedBytes int64
	Duration      time.Duration
}

// DefaultUploader ...
type DefaultUploader struct{}

// Upload ...
func (DefaultUploader) Upload(ctx context.Context, params UploadParams, logger log.Logger) (Result, error) {
	return Upload(ctx, params, logger)
}

// Upload sends the file at params.Path to the backend. Small files go up in one request,
// larger ones through a multipart session. The returned error is only set when the upload
// could not start; failures after that are reported by Result.Outcome.
func Upload(ctx context.Context, params UploadParams, logger log.Logger) (Result, error) {
	if params.Backend == nil {
		return Result{}, errors.New("backend must not be nil")
	}
	if params.Path == "" {
		return Result{}, errors.New("path must not be empty")
	}

	fileInfo, err := os.Stat(params.Path)
	if err != nil {
		return Result{}, fmt.Errorf("stat file: %w", err)
	}
	if !fileInfo.Mode().IsRegular() {
		return Result{}, fmt.Errorf("%s is not a regular file", params.Path)
	}

	name := params.Name
	if name == "" {
		name = filepath.Base(params.Path)
	}

	path := params.Path
	if params.Compress {
		tmpDir, err := os.MkdirTemp("", "tekupload")
		if err != nil {
			return Result{}, fmt.Errorf("create temp dir: %w", err)
		}
		defer os.RemoveAll(tmpDir) //nolint:errcheck

		path = filepath.Join(tmpDir, filepath.Base(params.Path)+compression.Extension)
		if err := compressFile(params.Path, path, params.CompressionLevel, fileInfo.Size(), logger); err != nil {
			return Result{}, err
		}
		name += compression.Extension
	}

	uploadInfo, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("stat file: %w", err)
	}

	start := time.Now()
	if uploadInfo.Size() <= MinMultipartSize {
		logger.Infof("File is %s, uploading it with a single request", units.HumanSizeWithPrecision(float64(uploadInfo.Size()), 3))

		fileID, err := params.Backend.UploadSingle(ctx, name, path)
		if err != nil {
			return Result{}, fmt.Errorf("upload file: %w", err)
		}
		return Result{
			Outcome:       multipart.Outcome{Completed: true, FileID: fileID},
			ViewURL:       params.Backend.ViewURL(fileID),
			Size:          uploadInfo.Size(),
			Chunks:        1,
			UploadedBytes: uploadInfo.Size(),
			Duration:      time.Since(start),
		}, nil
	}

	// Compressed output is not stable across runs or compressors, so it is keyed by content
	fingerprint := func(chunkSize int64) (string, error) {
		if path == params.Path {
			return journal.Fingerprint(name, fileInfo.Size(), fileInfo.ModTime(), chunkSize), nil
		}

		file, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("open compressed file: %w", err)
		}
		defer file.Close() //nolint:errcheck
		return journal.ContentFingerprint(name, file, chunkSize)
	}
	result, err := uploadMultipart(ctx, params, name, path, fingerprint, logger)
	if err != nil {
		return Result{}, err
	}
	result.Duration = time.Since(start)

	return result, nil
}

func uploadMultipart(ctx context.Context, params UploadParams, name, path string, fingerprint func(int64) (string, error), logger log.Logger) (Result, error) {
	src, err := multipart.OpenFileSource(path)
	if err != nil {
		return Result{}, fmt.Errorf("open file: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Errorf("failed to close file: %s", err)
		}
	}()

	chunkSizeMB := params.ChunkSizeMB
	if params.SplitCount > 0 {
		chunkSizeMB = multipart.SplitCount(src.Size(), params.SplitCount)
		logger.Debugf("Splitting the file into %d parts, target chunk size %v MB", params.SplitCount, chunkSizeMB)
	}

	descriptors, err := multipart.Plan(src.Size(), chunkSizeMB, params.MinChunkSizeMB, params.MaxParts)
	if err != nil {
		return Result{}, fmt.Errorf("plan chunks: %w", err)
	}
	chunkSize := descriptors[0].Length
	logger.Infof("Uploading %s in %d chunks of %s",
		units.HumanSizeWithPrecision(float64(src.Size()), 3), len(descriptors), units.HumanSizeWithPrecision(float64(chunkSize), 3))

	var (
		store   *journal.Store
		key     string
		session Session
		ledger  *multipart.Ledger
	)
	if params.JournalPath != "" {
		store, err = journal.Open(params.JournalPath, logger)
		if err != nil {
			return Result{}, err
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warnf("Failed to close journal: %s", err)
			}
		}()

		key, err = fingerprint(chunkSize)
		if err != nil {
			return Result{}, err
		}
		session, ledger, err = resume(ctx, store, key, params.Backend, descriptors, chunkSize, logger)
		if err != nil {
			return Result{}, err
		}
	}

	if session.ID == "" {
		session, err = params.Backend.Prepare(ctx, name, descriptors)
		if err != nil {
			return Result{}, fmt.Errorf("prepare upload: %w", err)
		}
		logger.Debugf("Upload session: %s", session.ID)

		if store != nil {
			if err := store.Save(journal.Record{
				Key:          key,
				SessionID:    session.ID,
				FileID:       session.FileID,
				CompleteURL:  session.CompleteURL,
				ChunkSize:    chunkSize,
				ChunkCount:   len(descriptors),
				Destinations: session.Destinations,
			}); err != nil {
				logger.Warnf("Failed to journal upload %s, it will not be resumable: %s", session.ID, err)
			}
		}
	}

	uploader := multipart.NewChunkUploader(params.Transfer, logger)
	defer uploader.CloseIdleConnections()

	opts := []multipart.SessionOption{multipart.WithDrainTimeout(uploader.Config().DrainTimeout)}
	if ledger != nil {
		opts = append(opts, multipart.WithLedger(ledger))
	}
	if store != nil {
		opts = append(opts, multipart.WithJournal(journal.Session(store, key)))
	}

	outcome := multipart.NewSession(uploader, params.Backend.Coordinator(session), logger, opts...).
		Run(ctx, src, descriptors, session.Destinations, uploader.Config().Concurrency)

	if store != nil {
		if err := store.Delete(key); err != nil {
			logger.Warnf("Failed to clean up journal: %s", err)
		}
	}

	result := Result{
		Outcome:       outcome,
		Size:          src.Size(),
		Chunks:        len(descriptors),
		UploadedBytes: uploader.Stats().UploadedBytes(),
	}
	if outcome.Completed {
		result.ViewURL = params.Backend.ViewURL(outcome.FileID)
	}
	return result, nil
}

// resume looks up an interrupted upload of the same file. An empty session means there is nothing to resume.
func resume(ctx context.Context, store *journal.Store, key string, backend Backend, descriptors []multipart.ChunkDescriptor, chunkSize int64, logger log.Logger) (Session, *multipart.Ledger, error) {
	rec, found, err := store.Load(key)
	if err != nil {
		return Session{}, nil, err
	}
	if !found {
		return Session{}, nil, nil
	}

	discard := func(reason string) (Session, *multipart.Ledger, error) {
		logger.Warnf("Not resuming upload %s: %s", rec.SessionID, reason)
		if err := store.Delete(key); err != nil {
			logger.Warnf("Failed to clean up journal: %s", err)
		}
		return Session{}, nil, nil
	}

	if rec.ChunkCount != len(descriptors) || rec.ChunkSize != chunkSize || len(rec.Destinations) != len(descriptors) {
		return discard("the recorded chunks do not match the file")
	}

	session, err := backend.Refresh(ctx, Session{
		ID:           rec.SessionID,
		FileID:       rec.FileID,
		CompleteURL:  rec.CompleteURL,
		Destinations: rec.Destinations,
	})
	if err != nil {
		return discard(err.Error())
	}

	ledger := multipart.NewLedger(len(descriptors))
	for index, token := range rec.Parts {
		if err := ledger.Seed(index, token); err != nil {
			logger.Warnf("Ignoring journaled chunk %d: %s", index, err)
		}
	}
	logger.Infof("Resuming upload %s, %d of %d chunks already uploaded", session.ID, ledger.Counts()[multipart.Succeeded], len(descriptors))

	return session, ledger, nil
}

func compressFile(src, dst string, level int, size int64, logger log.Logger) error {
	envRepo := env.NewRepository()
	compressor := compression.NewCompressor(logger, envRepo, compression.NewDependencyChecker(logger, envRepo))

	if err := compressor.CompressFile(src, dst, level); err != nil {
		return err
	}

	info, err := os.Stat(dst)
	if err != nil {
		return fmt.Errorf("stat compressed file: %w", err)
	}
	logger.Infof("Compressed %s to %s", units.HumanSizeWithPrecision(float64(size), 3), units.HumanSizeWithPrecision(float64(info.Size()), 3))

	return nil
}
