package multipart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const abortTimeout = 30 * time.Second

// ChunkTransport uploads one chunk and returns its integrity token.
// ChunkUploader is the HTTP implementation.
//
// Implementations should call observe with a nil error before each attempt and with the
// failure after each failed one, and must not start another attempt once observe returns
// an error. Calling observe is optional: a chunk is recorded from the returned token alone.
type ChunkTransport interface {
	UploadChunk(ctx context.Context, dest Destination, body *io.SectionReader, observe AttemptFunc) (string, error)
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithJournal records every uploaded chunk in j.
func WithJournal(j Journal) SessionOption {
	return func(s *Session) {
		s.journal = j
	}
}

// WithLedger runs the session against a pre-seeded ledger, skipping chunks that already succeeded.
func WithLedger(l *Ledger) SessionOption {
	return func(s *Session) {
		s.ledger = l
	}
}

// WithDrainTimeout sets how long in-flight uploads may run after the caller cancels.
func WithDrainTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.drainTimeout = d
	}
}

type chunkFailure struct {
	index int
	err   error
}

// Session drives one multipart upload from planning to a terminal Outcome.
type Session struct {
	transport    ChunkTransport
	coordinator  Coordinator
	logger       log.Logger
	journal      Journal
	drainTimeout time.Duration
	tracer       trace.Tracer

	mu      sync.Mutex
	state   SessionState
	ledger  *Ledger
	failure *chunkFailure
}

// NewSession creates a session. A Session is single use.
func NewSession(transport ChunkTransport, coordinator Coordinator, logger log.Logger, opts ...SessionOption) *Session {
	s := &Session{
		transport:    transport,
		coordinator:  coordinator,
		logger:       logger,
		drainTimeout: DefaultConfig().DrainTimeout,
		tracer:       otel.Tracer(tracerName),
		state:        Planning,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ledger returns the ledger of the session; nil before Run.
func (s *Session) Ledger() *Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger
}

// Run uploads every chunk of src described by descriptors to the matching destination,
// at most concurrencyLimit at a time, then finalizes or aborts the remote upload.
func (s *Session) Run(ctx context.Context, src Source, descriptors []ChunkDescriptor, destinations []Destination, concurrencyLimit int) Outcome {
	ctx, span := s.tracer.Start(ctx, "multipart.Session", trace.WithAttributes(
		attribute.Int("session.chunks", len(descriptors)),
		attribute.Int("session.concurrency", concurrencyLimit),
	))
	defer span.End()

	if err := validateSession(src, descriptors, destinations); err != nil {
		s.setState(Aborted)
		return Outcome{Reason: fmt.Sprintf("invalid input: %s", err), Err: err}
	}
	if err := s.prepareLedger(len(descriptors)); err != nil {
		s.setState(Aborted)
		return Outcome{Reason: fmt.Sprintf("invalid input: %s", err), Err: err}
	}
	if concurrencyLimit <= 0 {
		concurrencyLimit = DefaultConcurrency
	}

	sessionID := destinations[0].SessionID
	s.setState(Uploading)

	uploadCtx, cancelUploads := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelUploads()
	stopEscalation := s.escalateOnCancel(ctx, cancelUploads)

	var g errgroup.Group
	g.SetLimit(concurrencyLimit)
	for i, desc := range descriptors {
		if entry, _ := s.ledger.Get(desc.Index); entry.State == Succeeded {
			s.logger.Debugf("Chunk %d already uploaded, skipping", desc.Index)
			continue
		}
		if s.stopped(ctx) {
			break
		}

		desc, dest := desc, destinations[i]
		g.Go(func() error {
			// A slot may free up after the session started aborting
			if s.stopped(ctx) {
				return nil
			}
			s.transfer(ctx, uploadCtx, src, desc, dest, len(descriptors))
			return nil
		})
	}
	_ = g.Wait()
	stopEscalation()

	if failure := s.chunkFailure(); failure != nil {
		reason := fmt.Sprintf("chunk %d: %s", failure.index, ErrorClass(failure.err))
		return s.abort(ctx, sessionID, reason, failure.err)
	}
	if err := ctx.Err(); err != nil {
		return s.abort(ctx, sessionID, fmt.Sprintf("cancelled: %s", err), err)
	}

	parts, err := s.ledger.Parts()
	if err != nil {
		return s.abort(ctx, sessionID, err.Error(), err)
	}

	s.setState(Finalizing)
	s.logger.Debugf("Finalizing session %s with %d parts", sessionID, len(parts))
	fileID, err := s.coordinator.Finalize(ctx, sessionID, parts)
	if err != nil {
		var finalizeErr *FinalizeError
		if !errors.As(err, &finalizeErr) {
			finalizeErr = &FinalizeError{SessionID: sessionID, Err: err}
		}
		return s.abort(ctx, sessionID, fmt.Sprintf("finalize error: %v", finalizeErr.Err), finalizeErr)
	}

	s.setState(Completed)
	span.SetAttributes(attribute.String("session.file_id", fileID))
	return Outcome{Completed: true, FileID: fileID}
}

func (s *Session) transfer(ctx, uploadCtx context.Context, src Source, desc ChunkDescriptor, dest Destination, total int) {
	// Attempts already running drain after the caller cancels, retries do not start
	observe := func(attempt int, err error) error {
		if err == nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if lerr := s.ledger.Start(desc.Index); lerr != nil {
				s.logger.Warnf("Chunk %d attempt %d: %s", desc.Index, attempt, lerr)
			}
			return nil
		}
		if lerr := s.ledger.Fail(desc.Index, err); lerr != nil {
			s.logger.Warnf("Chunk %d attempt %d: %s", desc.Index, attempt, lerr)
		}
		return ctx.Err()
	}

	token, err := s.transport.UploadChunk(uploadCtx, dest, Section(src, desc), observe)
	if err != nil {
		s.logger.Errorf("Chunk %d failed: %s", desc.Index, err)
		// Errors caused by the caller cancelling are reported as a cancellation, not as a chunk failure
		if ctx.Err() == nil {
			s.setFailure(desc.Index, err)
		}
		return
	}

	if entry, _ := s.ledger.Get(desc.Index); entry.State != InFlight {
		if err := s.ledger.Start(desc.Index); err != nil {
			s.logger.Warnf("Chunk %d: %s", desc.Index, err)
			return
		}
	}
	if err := s.ledger.Succeed(desc.Index, token); err != nil {
		s.logger.Warnf("Chunk %d: %s", desc.Index, err)
		return
	}
	if s.journal != nil {
		if err := s.journal.RecordPart(desc.Index, token); err != nil {
			s.logger.Warnf("Failed to journal chunk %d: %s", desc.Index, err)
		}
	}

	counts := s.ledger.Counts()
	s.logger.Infof("Uploaded chunk %d (%s), %d/%d done",
		desc.Index, units.HumanSizeWithPrecision(float64(desc.Length), 3), counts[Succeeded], total)
}

// escalateOnCancel force-closes in-flight uploads when they outlive the drain timeout after ctx is cancelled.
func (s *Session) escalateOnCancel(ctx context.Context, cancelUploads context.CancelFunc) func() {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}

		s.logger.Warnf("Upload cancelled, waiting up to %v for in-flight chunks", s.drainTimeout)
		timer := time.NewTimer(s.drainTimeout)
		defer timer.Stop()

		select {
		case <-done:
		case <-timer.C:
			s.logger.Warnf("In-flight chunks did not finish in %v, closing them", s.drainTimeout)
			cancelUploads()
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}

func (s *Session) abort(ctx context.Context, sessionID, reason string, cause error) Outcome {
	s.setState(Aborting)
	s.logger.Warnf("Aborting session %s: %s", sessionID, reason)

	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	if err := s.coordinator.Abort(abortCtx, sessionID, reason); err != nil {
		s.logger.Warnf("Failed to abort session %s: %s", sessionID, err)
	}

	s.setState(Aborted)
	return Outcome{Reason: reason, Err: cause}
}

func (s *Session) prepareLedger(count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ledger == nil {
		s.ledger = NewLedger(count)
		return nil
	}
	if s.ledger.Len() != count {
		return fmt.Errorf("%w: ledger has %d entries for %d chunks", ErrInvalidInput, s.ledger.Len(), count)
	}
	return nil
}

func (s *Session) stopped(ctx context.Context) bool {
	return ctx.Err() != nil || s.State() == Aborting
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Session) setFailure(index int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil {
		return
	}
	s.failure = &chunkFailure{index: index, err: err}
	if s.state == Uploading {
		s.state = Aborting
	}
}

func (s *Session) chunkFailure() *chunkFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func validateSession(src Source, descriptors []ChunkDescriptor, destinations []Destination) error {
	if src == nil {
		return fmt.Errorf("%w: nil source", ErrInvalidInput)
	}
	if len(descriptors) == 0 {
		return fmt.Errorf("%w: no chunks to upload", ErrInvalidInput)
	}
	if len(descriptors) != len(destinations) {
		return fmt.Errorf("%w: %d chunks but %d destinations", ErrInvalidInput, len(descriptors), len(destinations))
	}

	var offset int64
	for i, desc := range descriptors {
		if desc.Index != i+1 {
			return fmt.Errorf("%w: chunk at position %d has index %d", ErrInvalidInput, i+1, desc.Index)
		}
		if destinations[i].Index != desc.Index {
			return fmt.Errorf("%w: destination at position %d has index %d", ErrInvalidInput, i+1, destinations[i].Index)
		}
		if destinations[i].URL == "" {
			return fmt.Errorf("%w: chunk %d has no destination URL", ErrInvalidInput, desc.Index)
		}
		if desc.Offset != offset || desc.Length <= 0 {
			return fmt.Errorf("%w: chunk %d does not continue the previous one", ErrInvalidInput, desc.Index)
		}
		offset = desc.End()
	}
	if offset != src.Size() {
		return fmt.Errorf("%w: chunks cover %d bytes of a %d byte source", ErrInvalidInput, offset, src.Size())
	}

	return nil
}
