package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/your-org/jobflow/internal/metadata"
	"github.com/your-org/jobflow/pkg/storage/objectstore"
)

// monitoredFunction is the alerting label for validation failures.
const monitoredFunction = "validator"

// RecordStore is the slice of the metadata store the pipeline needs.
type RecordStore interface {
	Append(ctx context.Context, rec metadata.Record) error
	LatestTerminal(ctx context.Context, jobID string) (*metadata.Record, error)
	InvalidAttempts(ctx context.Context, jobID string) (int, error)
}

// QuarantineRouter places rejected objects into isolation.
type QuarantineRouter interface {
	Quarantine(ctx context.Context, bucket, key, reason string, priorRetryCount int) error
}

// ErrorRecorder receives error samples for the alerting policy.
type ErrorRecorder interface {
	RecordError(fn string)
	RecordConsistencyViolation(ctx context.Context, fn string)
}

// EngineConfig bounds a single validation attempt.
type EngineConfig struct {
	// AllowedContentTypes is the media type allow-list. Empty disables the check.
	AllowedContentTypes []string
	// MaxSizeBytes rejects larger objects as oversized. Zero disables the check.
	MaxSizeBytes int64
	// MaxReadBytes caps how much content is read for validation; content past
	// the cap rejects the object as oversized. Zero disables the cap.
	MaxReadBytes int64
	// Timeout bounds one attempt; exceeding it is a transient error.
	Timeout time.Duration
}

// Result is the outcome of one processing attempt.
type Result struct {
	JobID  string
	Status metadata.Status
	Reason string
}

// Engine is the validation state machine. Each attempt moves
// Received → Validating → Valid | Invalid | Error; Valid and Invalid are
// terminal and recorded, Error leaves the job open for redelivery.
type Engine struct {
	store      RecordStore
	objects    objectstore.Client
	quarantine QuarantineRouter
	validator  Validator
	errors     ErrorRecorder
	logger     *zap.Logger
	cfg        EngineConfig
	tracer     trace.Tracer
	now        func() time.Time
}

// EngineParams wires the Engine's collaborators.
type EngineParams struct {
	Store      RecordStore
	Objects    objectstore.Client
	Quarantine QuarantineRouter
	Validator  Validator
	Errors     ErrorRecorder
	Logger     *zap.Logger
	Config     EngineConfig
}

// NewEngine constructs a validation Engine.
func NewEngine(p EngineParams) *Engine {
	return &Engine{
		store:      p.Store,
		objects:    p.Objects,
		quarantine: p.Quarantine,
		validator:  p.Validator,
		errors:     p.Errors,
		logger:     p.Logger,
		cfg:        p.Config,
		tracer:     otel.Tracer("jobflow/pipeline"),
		now:        time.Now,
	}
}

// Process runs one validation attempt for the event. A nil error means the
// attempt reached a terminal state and the event can be acknowledged; a
// non-nil error is transient and recovery relies on redelivery.
func (e *Engine) Process(ctx context.Context, ev JobEvent) (*Result, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	jobID := DeriveJobID(ev.Bucket, ev.Key)
	attemptTS := e.now().UTC()

	ctx, span := e.tracer.Start(ctx, "pipeline.validate",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("object.location", ev.Location()),
		))
	defer span.End()

	start := time.Now()
	result, err := e.validate(ctx, ev, jobID, attemptTS)
	validationDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
	}
	eventsTotal.WithLabelValues(string(result.Status)).Inc()
	return result, err
}

func (e *Engine) validate(ctx context.Context, ev JobEvent, jobID string, attemptTS time.Time) (*Result, error) {
	log := e.logger.With(
		zap.String("job_id", jobID),
		zap.String("location", ev.Location()),
		zap.String("event_id", ev.EventID),
	)
	log.Info("job event received")

	body, info, err := e.objects.Get(ctx, ev.Key)
	if err != nil {
		return e.transient(ctx, ev, jobID, attemptTS, log, fmt.Errorf("fetch object: %w", err))
	}
	defer body.Close() //nolint:errcheck

	log.Info("validating object", zap.Int64("size_bytes", info.Size), zap.String("content_type", info.ContentType))

	if info.Size == 0 {
		return e.reject(ctx, ev, jobID, attemptTS, info, log, &ValidationError{Reason: ReasonEmpty})
	}
	if e.cfg.MaxSizeBytes > 0 && info.Size > e.cfg.MaxSizeBytes {
		return e.reject(ctx, ev, jobID, attemptTS, info, log, &ValidationError{
			Reason: ReasonOversized,
			Detail: fmt.Sprintf("object is %d bytes, ceiling is %d", info.Size, e.cfg.MaxSizeBytes),
		})
	}
	if !e.contentTypeAllowed(info.ContentType) {
		return e.reject(ctx, ev, jobID, attemptTS, info, log, &ValidationError{
			Reason: ReasonUnsupportedType,
			Detail: info.ContentType,
		})
	}

	reader := io.Reader(body)
	if e.cfg.MaxReadBytes > 0 {
		reader = io.LimitReader(body, e.cfg.MaxReadBytes+1)
	}
	content, err := io.ReadAll(reader)
	if err != nil {
		return e.transient(ctx, ev, jobID, attemptTS, log, fmt.Errorf("read object: %w", err))
	}
	if e.cfg.MaxReadBytes > 0 && int64(len(content)) > e.cfg.MaxReadBytes {
		// truncated content must not reach the validator: it would turn a
		// well-formed file into a malformed_json rejection
		return e.reject(ctx, ev, jobID, attemptTS, info, log, &ValidationError{
			Reason: ReasonOversized,
			Detail: fmt.Sprintf("content exceeds the %d byte read cap", e.cfg.MaxReadBytes),
		})
	}

	extracted, err := e.validator.Validate(ctx, ev, content)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return e.reject(ctx, ev, jobID, attemptTS, info, log, verr)
		}
		return e.transient(ctx, ev, jobID, attemptTS, log, fmt.Errorf("content validation: %w", err))
	}

	rec := metadata.Record{
		JobID:        jobID,
		ProcessingTS: attemptTS,
		Status:       metadata.StatusValid,
		Bucket:       ev.Bucket,
		ObjectKey:    ev.Key,
		SizeBytes:    info.Size,
		Extracted:    extracted,
	}
	if err := e.append(ctx, rec); err != nil {
		return e.transient(ctx, ev, jobID, attemptTS, log, err)
	}

	log.Info("job valid", zap.Any("extracted", extracted))
	return &Result{JobID: jobID, Status: metadata.StatusValid}, nil
}

// reject drives the Invalid terminal path. Quarantine placement happens
// before the record write: an Invalid record is the dedup gate, so it must
// only exist once the object is actually in quarantine.
func (e *Engine) reject(ctx context.Context, ev JobEvent, jobID string, attemptTS time.Time, info objectstore.ObjectInfo, log *zap.Logger, verr *ValidationError) (*Result, error) {
	prior, err := e.store.InvalidAttempts(ctx, jobID)
	if err != nil {
		return e.transient(ctx, ev, jobID, attemptTS, log, fmt.Errorf("count prior attempts: %w", err))
	}

	if err := e.quarantine.Quarantine(ctx, ev.Bucket, ev.Key, verr.Reason, prior); err != nil {
		return e.transient(ctx, ev, jobID, attemptTS, log, fmt.Errorf("quarantine object: %w", err))
	}

	rec := metadata.Record{
		JobID:        jobID,
		ProcessingTS: attemptTS,
		Status:       metadata.StatusInvalid,
		Reason:       verr.Reason,
		Bucket:       ev.Bucket,
		ObjectKey:    ev.Key,
		SizeBytes:    info.Size,
	}
	if err := e.append(ctx, rec); err != nil {
		return e.transient(ctx, ev, jobID, attemptTS, log, err)
	}

	log.Info("job invalid", zap.String("reason", verr.Reason), zap.String("detail", verr.Detail))
	return &Result{JobID: jobID, Status: metadata.StatusInvalid, Reason: verr.Reason}, nil
}

// transient drives the Error path: best-effort Error record for the audit
// trail, an error sample for alerting, and a non-nil error so the caller
// leaves the event unacknowledged.
func (e *Engine) transient(ctx context.Context, ev JobEvent, jobID string, attemptTS time.Time, log *zap.Logger, cause error) (*Result, error) {
	rec := metadata.Record{
		JobID:        jobID,
		ProcessingTS: attemptTS,
		Status:       metadata.StatusError,
		Reason:       truncate(cause.Error(), 512),
		Bucket:       ev.Bucket,
		ObjectKey:    ev.Key,
		SizeBytes:    ev.Size,
	}
	if err := e.store.Append(ctx, rec); err != nil {
		log.Warn("error record write failed", zap.Error(err))
	}

	e.errors.RecordError(monitoredFunction)
	log.Error("processing attempt failed", zap.Error(cause))

	return &Result{JobID: jobID, Status: metadata.StatusError}, fmt.Errorf("process job %s: %w", jobID, cause)
}

// append writes a terminal record. A key conflict with different content is
// a consistency violation: it alerts immediately and the attempt fails
// without touching the stored row.
func (e *Engine) append(ctx context.Context, rec metadata.Record) error {
	err := e.store.Append(ctx, rec)
	if errors.Is(err, metadata.ErrConflict) {
		e.errors.RecordConsistencyViolation(ctx, monitoredFunction)
		return fmt.Errorf("append %s record: %w", rec.Status, err)
	}
	if err != nil {
		return fmt.Errorf("append %s record: %w", rec.Status, err)
	}
	return nil
}

func (e *Engine) contentTypeAllowed(contentType string) bool {
	if len(e.cfg.AllowedContentTypes) == 0 {
		return true
	}
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	for _, allowed := range e.cfg.AllowedContentTypes {
		if mediaType == strings.ToLower(strings.TrimSpace(allowed)) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
