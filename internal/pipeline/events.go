// Package pipeline contains the event-driven core: notification parsing,
// dispatch deduplication, and the validation state machine.
package pipeline

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobEvent is one normalized "object created" notification. Ephemeral and
// possibly delivered more than once for the same upload.
type JobEvent struct {
	EventID   string
	EventTime time.Time
	Bucket    string
	Key       string
	Size      int64
}

// Location returns the canonical storage location for the event.
func (e JobEvent) Location() string {
	return "s3://" + e.Bucket + "/" + e.Key
}

// DeriveJobID maps an object location to its logical job identifier.
// The derivation is a stable name-based UUID so every delivery of an event
// for the same object, on any instance, yields the same JobId.
func DeriveJobID(bucket, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("s3://"+bucket+"/"+key)).String()
}

// storageNotification mirrors the S3-compatible bucket notification format
// emitted by minio. Object keys arrive URL-encoded.
type storageNotification struct {
	Records []struct {
		EventName        string            `json:"eventName"`
		EventTime        string            `json:"eventTime"`
		ResponseElements map[string]string `json:"responseElements"`
		S3               struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key  string `json:"key"`
				Size int64  `json:"size"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// ParseNotification normalizes a raw bucket notification into Job Events.
// Non-creation records are skipped; a payload with no usable records yields
// an empty slice, not an error.
func ParseNotification(raw []byte) ([]JobEvent, error) {
	var note storageNotification
	if err := json.Unmarshal(raw, &note); err != nil {
		return nil, fmt.Errorf("decode storage notification: %w", err)
	}

	var events []JobEvent
	for _, rec := range note.Records {
		if !strings.Contains(rec.EventName, "ObjectCreated") {
			continue
		}

		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("decode object key %q: %w", rec.S3.Object.Key, err)
		}
		if rec.S3.Bucket.Name == "" || key == "" {
			return nil, fmt.Errorf("notification record missing object location")
		}

		ev := JobEvent{
			EventID: rec.ResponseElements["x-amz-request-id"],
			Bucket:  rec.S3.Bucket.Name,
			Key:     key,
			Size:    rec.S3.Object.Size,
		}
		if ts, err := time.Parse(time.RFC3339Nano, rec.EventTime); err == nil {
			ev.EventTime = ts
		}
		events = append(events, ev)
	}
	return events, nil
}
