package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Rejection reason codes attached to Invalid records and quarantine entries.
const (
	ReasonEmpty           = "empty"
	ReasonOversized       = "oversized"
	ReasonUnsupportedType = "unsupported_content_type"
	ReasonMalformedJSON   = "malformed_json"
	ReasonMissingJobID    = "missing_job_id"
)

// ValidationError is a deterministic content rejection with a classifiable
// reason. It is terminal: the object is quarantined and never retried.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "validation failed: " + e.Reason
	}
	return "validation failed: " + e.Reason + ": " + e.Detail
}

// Validator runs content-level checks against a fetched object. Returning
// a *ValidationError rejects the object; any other error is treated as
// transient. The returned map is stored as extracted metadata.
type Validator interface {
	Validate(ctx context.Context, ev JobEvent, content []byte) (map[string]string, error)
}

// JobFileValidator validates JSON job files: the body must parse as a JSON
// object and declare a job identifier.
type JobFileValidator struct{}

func (JobFileValidator) Validate(_ context.Context, ev JobEvent, content []byte) (map[string]string, error) {
	var payload map[string]any
	if err := json.Unmarshal(content, &payload); err != nil {
		return nil, &ValidationError{Reason: ReasonMalformedJSON, Detail: err.Error()}
	}

	declared := declaredJobID(payload)
	if declared == "" {
		return nil, &ValidationError{Reason: ReasonMissingJobID, Detail: "no job_id field in payload"}
	}

	return map[string]string{
		"declared_job_id":   declared,
		"original_filename": originalFilename(ev.Key),
	}, nil
}

func declaredJobID(payload map[string]any) string {
	for _, field := range []string{"job_id", "JobId", "jobId"} {
		switch v := payload[field].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

// originalFilename strips the issuer's random prefix from the object key's
// base name. Keys issued by the gateway look like <date>/<uuid>-<filename>.
func originalFilename(key string) string {
	base := path.Base(key)
	if len(base) > 37 && base[36] == '-' {
		if _, err := uuid.Parse(base[:36]); err == nil {
			return base[37:]
		}
	}
	if _, rest, ok := strings.Cut(base, "-"); ok && rest != "" {
		return rest
	}
	return base
}
