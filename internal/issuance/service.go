// Package issuance mints upload capabilities: presigned single-object PUT
// URLs scoped to locations that never existed before, so an upload can
// never overwrite another.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// monitoredFunction is the alerting label for issuance failures.
const monitoredFunction = "issuer"

// ErrUnavailable means the downstream credential minting failed. Reported
// to the caller, never retried internally.
var ErrUnavailable = errors.New("issuer unavailable")

// RequestError is a client-caused rejection: disallowed content type or an
// oversized declared size. Surfaced as a 4xx, never alerted.
type RequestError struct {
	Field   string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
}

// Presigner mints a time-limited PUT URL for one object key.
type Presigner interface {
	PresignedPut(ctx context.Context, key string, expiry time.Duration) (*url.URL, error)
}

// ErrorRecorder receives error samples for the alerting policy.
type ErrorRecorder interface {
	RecordError(fn string)
}

// Config bounds what capabilities the service will issue.
type Config struct {
	// AllowedContentTypes is the content type allow-list. Must be non-empty.
	AllowedContentTypes []string
	// MaxSizeBytes is the declared-size ceiling.
	MaxSizeBytes int64
	// URLExpiry is the issued capability lifetime.
	URLExpiry time.Duration
	// MaxURLExpiry caps URLExpiry.
	MaxURLExpiry time.Duration
}

// Request is one capability request from a client.
type Request struct {
	Filename    string
	ContentType string
	SizeBytes   int64
}

// Service issues upload capabilities. Stateless: issuance reserves nothing
// and writes nothing; the pipeline tolerates capabilities that are never
// used.
type Service struct {
	presigner Presigner
	errors    ErrorRecorder
	logger    *zap.Logger
	cfg       Config
	tracer    trace.Tracer
	now       func() time.Time
}

// NewService constructs an issuance Service.
func NewService(presigner Presigner, errRec ErrorRecorder, logger *zap.Logger, cfg Config) *Service {
	if cfg.MaxURLExpiry > 0 && cfg.URLExpiry > cfg.MaxURLExpiry {
		cfg.URLExpiry = cfg.MaxURLExpiry
	}
	return &Service{
		presigner: presigner,
		errors:    errRec,
		logger:    logger,
		cfg:       cfg,
		tracer:    otel.Tracer("jobflow/issuance"),
		now:       time.Now,
	}
}

// Issue validates the request against the configured constraints and mints
// a capability for a newly generated object key.
func (s *Service) Issue(ctx context.Context, req Request) (*Capability, error) {
	ctx, span := s.tracer.Start(ctx, "issuance.issue",
		trace.WithAttributes(attribute.String("upload.content_type", req.ContentType)))
	defer span.End()

	if err := s.checkRequest(req); err != nil {
		return nil, err
	}

	key := s.objectKey(req.Filename)
	expiry := s.cfg.URLExpiry

	signed, err := s.presigner.PresignedPut(ctx, key, expiry)
	if err != nil {
		s.errors.RecordError(monitoredFunction)
		s.logger.Error("presign upload url failed", zap.String("object_key", key), zap.Error(err))
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	cap := &Capability{
		URL:          signed.String(),
		Method:       "PUT",
		ObjectKey:    key,
		ExpiresAt:    s.now().UTC().Add(expiry),
		MaxSizeBytes: s.cfg.MaxSizeBytes,
		ContentType:  req.ContentType,
	}

	s.logger.Info("upload capability issued",
		zap.String("object_key", key),
		zap.Time("expires_at", cap.ExpiresAt),
	)
	return cap, nil
}

func (s *Service) checkRequest(req Request) error {
	if req.ContentType == "" {
		return &RequestError{Field: "content_type", Message: "content type is required"}
	}
	if !s.contentTypeAllowed(req.ContentType) {
		return &RequestError{Field: "content_type", Message: fmt.Sprintf("%q is not allowed", req.ContentType)}
	}
	if req.SizeBytes < 0 {
		return &RequestError{Field: "size_bytes", Message: "declared size must not be negative"}
	}
	if s.cfg.MaxSizeBytes > 0 && req.SizeBytes > s.cfg.MaxSizeBytes {
		return &RequestError{Field: "size_bytes", Message: fmt.Sprintf("declared size %d exceeds ceiling %d", req.SizeBytes, s.cfg.MaxSizeBytes)}
	}
	return nil
}

func (s *Service) contentTypeAllowed(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	for _, allowed := range s.cfg.AllowedContentTypes {
		if mediaType == strings.ToLower(strings.TrimSpace(allowed)) {
			return true
		}
	}
	return false
}

// objectKey generates a fresh location: date prefix, random component,
// sanitized original filename.
func (s *Service) objectKey(filename string) string {
	return fmt.Sprintf("%s/%s-%s",
		s.now().UTC().Format("2006/01/02"),
		uuid.NewString(),
		sanitizeFilename(filename),
	)
}

func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if name == "" || name == "." {
		return "upload"
	}
	return name
}
