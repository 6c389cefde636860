package issuance

import "time"

// Capability is a time-limited grant allowing a client to place exactly one
// object at a freshly generated storage location. It is a bearer value:
// nothing is persisted and expiry is the only revocation.
type Capability struct {
	URL          string    `json:"upload_url"`
	Method       string    `json:"method"`
	ObjectKey    string    `json:"object_key"`
	ExpiresAt    time.Time `json:"expires_at"`
	MaxSizeBytes int64     `json:"max_size_bytes"`
	ContentType  string    `json:"content_type,omitempty"`
}
