// Package quarantine isolates rejected uploads. Objects are copied, not
// moved, so the original stays available for audit; entries are keyed by
// object location, which makes placement idempotent under dispatch races.
package quarantine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/jobflow/pkg/storage/objectstore"
)

// User metadata keys attached to quarantined objects.
const (
	MetaReason     = "reason"
	MetaRetryCount = "retry-count"
	MetaFirstSeen  = "first-seen"
	MetaSource     = "source-location"
)

// Entry is one quarantined object as seen by external consumers.
type Entry struct {
	Key        string    `json:"key"`
	Source     string    `json:"source_location"`
	Reason     string    `json:"reason"`
	RetryCount int       `json:"retry_count"`
	FirstSeen  time.Time `json:"first_seen"`
	SizeBytes  int64     `json:"size_bytes"`
}

// Router places rejected objects into the quarantine bucket and lists them.
type Router struct {
	store  objectstore.Client
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewRouter constructs a Router on a client scoped to the quarantine bucket.
func NewRouter(store objectstore.Client, prefix string, logger *zap.Logger) *Router {
	return &Router{store: store, prefix: prefix, logger: logger, now: time.Now}
}

// Quarantine copies the object into quarantine tagged with the reason and
// retryCount = priorRetryCount + 1. A second placement for the same object
// and reason is a no-op unless it represents a later attempt, in which case
// only the retry count moves forward.
func (r *Router) Quarantine(ctx context.Context, srcBucket, key, reason string, priorRetryCount int) error {
	dstKey := r.prefix + key
	retryCount := priorRetryCount + 1
	firstSeen := r.now().UTC().Format(time.RFC3339)

	existing, err := r.store.Stat(ctx, dstKey)
	switch {
	case err == nil:
		if existing.UserMetadata[MetaReason] == reason && metaRetryCount(existing) >= retryCount {
			r.logger.Info("object already quarantined",
				zap.String("key", dstKey),
				zap.String("reason", reason),
			)
			return nil
		}
		if seen := existing.UserMetadata[MetaFirstSeen]; seen != "" {
			firstSeen = seen
		}
	case errors.Is(err, objectstore.ErrNotFound):
		// first placement
	default:
		return fmt.Errorf("stat quarantine entry: %w", err)
	}

	meta := map[string]string{
		MetaReason:     reason,
		MetaRetryCount: strconv.Itoa(retryCount),
		MetaFirstSeen:  firstSeen,
		MetaSource:     "s3://" + srcBucket + "/" + key,
	}
	if err := r.store.CopyFrom(ctx, srcBucket, key, dstKey, meta); err != nil {
		return fmt.Errorf("copy to quarantine: %w", err)
	}

	r.logger.Info("object quarantined",
		zap.String("key", dstKey),
		zap.String("reason", reason),
		zap.Int("retry_count", retryCount),
	)
	return nil
}

// List enumerates quarantine entries for external reprocessing tooling.
func (r *Router) List(ctx context.Context) ([]Entry, error) {
	infos, err := r.store.List(ctx, r.prefix)
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entry := Entry{
			Key:        strings.TrimPrefix(info.Key, r.prefix),
			Source:     info.UserMetadata[MetaSource],
			Reason:     info.UserMetadata[MetaReason],
			RetryCount: metaRetryCount(info),
			SizeBytes:  info.Size,
		}
		if ts, err := time.Parse(time.RFC3339, info.UserMetadata[MetaFirstSeen]); err == nil {
			entry.FirstSeen = ts
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func metaRetryCount(info objectstore.ObjectInfo) int {
	n, err := strconv.Atoi(info.UserMetadata[MetaRetryCount])
	if err != nil {
		return 0
	}
	return n
}
