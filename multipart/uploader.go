package multipart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/tekcloud/go-uploadutils/multipart"

// AttemptFunc is notified when an attempt starts (err == nil) and when it fails.
// A non-nil return stops the upload before another attempt is started.
type AttemptFunc func(attempt int, err error) error

// ChunkUploader transmits single chunks with retry and hung detection.
type ChunkUploader struct {
	config     Config
	httpClient *http.Client
	logger     log.Logger
	stats      *Stats
	tracer     trace.Tracer
}

// NewChunkUploader creates a new ChunkUploader with the given configuration.
func NewChunkUploader(config Config, logger log.Logger) *ChunkUploader {
	config = config.withDefaults()

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}

	return &ChunkUploader{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		stats:      NewStats(),
		tracer:     otel.Tracer(tracerName),
	}
}

// Stats returns the upload statistics.
func (u *ChunkUploader) Stats() *Stats {
	return u.stats
}

// Config returns the effective configuration.
func (u *ChunkUploader) Config() Config {
	return u.config
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (u *ChunkUploader) CloseIdleConnections() {
	u.httpClient.CloseIdleConnections()
}

// UploadChunk uploads the bytes of body to dest and returns the integrity token
// reported by the destination. Transient failures are retried with exponential backoff
// until the attempt budget runs out; permanent failures return immediately.
func (u *ChunkUploader) UploadChunk(ctx context.Context, dest Destination, body *io.SectionReader, observe AttemptFunc) (string, error) {
	ctx, span := u.tracer.Start(ctx, "multipart.UploadChunk", trace.WithAttributes(
		attribute.Int("chunk.index", dest.Index),
		attribute.Int64("chunk.size", body.Size()),
	))
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= u.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := u.config.backoff(attempt)
			u.logger.Warnf("Chunk %d attempt %d failed: %v, retrying after %v", dest.Index, attempt-1, lastErr, wait)
			if err := sleepContext(ctx, wait); err != nil {
				lastErr = &PermanentError{Err: fmt.Errorf("chunk %d upload cancelled: %w", dest.Index, err)}
				break
			}
		}

		if err := ctx.Err(); err != nil {
			lastErr = &PermanentError{Err: fmt.Errorf("chunk %d upload cancelled: %w", dest.Index, err)}
			break
		}

		if observe != nil {
			if err := observe(attempt, nil); err != nil {
				lastErr = &PermanentError{Err: fmt.Errorf("chunk %d upload stopped: %w", dest.Index, err)}
				break
			}
		}

		u.logger.Debugf("Uploading chunk %d (attempt %d/%d) [finished=%d] [avg=%v]",
			dest.Index, attempt, u.config.MaxAttempts,
			u.stats.FinishedCount(), u.stats.Average().Round(time.Second))

		start := time.Now()
		etag, err := u.attempt(ctx, dest, body, attempt == u.config.MaxAttempts)
		if err == nil {
			took := time.Since(start)
			u.stats.Update(took, body.Size())
			u.logger.Debugf("Chunk %d uploaded successfully in %v, ETag: %s", dest.Index, took.Round(time.Millisecond), etag)
			span.SetAttributes(attribute.Int("chunk.attempts", attempt))
			return etag, nil
		}

		lastErr = err
		if !IsTransient(err) {
			if observe != nil {
				_ = observe(attempt, err)
			}
			break
		}
		if observe != nil {
			if stopErr := observe(attempt, err); stopErr != nil {
				lastErr = &PermanentError{Err: fmt.Errorf("chunk %d upload stopped after attempt %d (%v): %w", dest.Index, attempt, err, stopErr)}
				break
			}
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, ErrorClass(lastErr))
	if IsTransient(lastErr) {
		return "", fmt.Errorf("chunk %d failed after %d attempts: %w", dest.Index, u.config.MaxAttempts, lastErr)
	}
	return "", lastErr
}

func (u *ChunkUploader) attempt(ctx context.Context, dest Destination, body *io.SectionReader, last bool) (string, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if u.config.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(attemptCtx, u.config.AttemptTimeout)
		defer cancel()
	}

	// The last attempt is never cancelled as hung
	var hung atomic.Bool
	if !last && u.config.HungThreshold > 0 {
		go u.detectHungUpload(attemptCtx, cancel, &hung, time.Now(), dest.Index)
	}

	etag, err := u.put(attemptCtx, dest, body)
	if err == nil {
		return etag, nil
	}

	switch {
	case ctx.Err() != nil:
		return "", &PermanentError{Err: fmt.Errorf("chunk %d upload cancelled: %w", dest.Index, ctx.Err())}
	case hung.Load():
		return "", &TransientError{Err: fmt.Errorf("chunk %d upload hung: %w", dest.Index, err)}
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return "", &TransientError{Err: fmt.Errorf("chunk %d attempt timed out after %v: %w", dest.Index, u.config.AttemptTimeout, err)}
	}
	return "", err
}

func (u *ChunkUploader) detectHungUpload(ctx context.Context, cancel context.CancelFunc, hung *atomic.Bool, start time.Time, index int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := u.stats.Average()
				if elapsed-avg > u.config.HungThreshold {
					u.logger.Warnf("Found hung chunk upload (chunk %d); canceling request after %s (avg: %s)",
						index, elapsed.Round(time.Second), avg.Round(time.Second))
					hung.Store(true)
					cancel()
					return
				}
			}
		}
	}
}

func (u *ChunkUploader) put(ctx context.Context, dest Destination, body *io.SectionReader) (string, error) {
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return "", &PermanentError{Err: fmt.Errorf("rewind chunk %d: %w", dest.Index, err)}
	}

	method := dest.Method
	if method == "" {
		method = http.MethodPut
	}

	req, err := http.NewRequestWithContext(ctx, method, dest.URL, body)
	if err != nil {
		return "", &PermanentError{Err: fmt.Errorf("create request: %w", err)}
	}

	// Chunked transfer encoding is not supported by the storage backends
	size := body.Size()
	req.ContentLength = size
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(io.NewSectionReader(body, 0, size)), nil
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	for k, v := range dest.Headers {
		req.Header.Set(k, v)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", &TransientError{Err: fmt.Errorf("do request: %w", err)}
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			u.logger.Debugf("close response body: %s", err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody := make([]byte, 1024)
		n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
		return "", classifyStatus(resp.StatusCode, fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(errorBody[:n])))
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", &PermanentError{StatusCode: resp.StatusCode, Err: errors.New("no ETag in response")}
	}

	return etag, nil
}

// classifyStatus maps a failed HTTP status to a transient or permanent error.
func classifyStatus(status int, err error) error {
	switch {
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return &TransientError{StatusCode: status, Err: err}
	default:
		return &PermanentError{StatusCode: status, Err: err}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
