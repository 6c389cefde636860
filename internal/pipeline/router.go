package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/your-org/jobflow/internal/metadata"
)

// Processor runs one validation attempt for a dispatched event.
type Processor interface {
	Process(ctx context.Context, ev JobEvent) (*Result, error)
}

// routerFunction is the alerting label for routing failures.
const routerFunction = "router"

// Router normalizes raw storage notifications and decides, per event,
// whether to dispatch a validation attempt. A job with a terminal record is
// done; redelivered events for it are dropped. A job with only Error
// records (or none) is dispatched; redelivery is the retry mechanism.
type Router struct {
	store     RecordStore
	processor Processor
	errors    ErrorRecorder
	logger    *zap.Logger
}

// NewRouter constructs a Router.
func NewRouter(store RecordStore, processor Processor, errors ErrorRecorder, logger *zap.Logger) *Router {
	return &Router{store: store, processor: processor, errors: errors, logger: logger}
}

// OnObjectCreated handles one raw notification payload. A nil return means
// every contained event reached a terminal state or was a duplicate; a
// non-nil return is transient and the payload should be redelivered.
func (r *Router) OnObjectCreated(ctx context.Context, raw []byte) error {
	events, err := ParseNotification(raw)
	if err != nil {
		r.errors.RecordError(routerFunction)
		return err
	}
	if len(events) == 0 {
		r.logger.Debug("notification carried no creation records")
		return nil
	}

	for _, ev := range events {
		if err := r.route(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) route(ctx context.Context, ev JobEvent) error {
	jobID := DeriveJobID(ev.Bucket, ev.Key)

	terminal, err := r.store.LatestTerminal(ctx, jobID)
	switch {
	case err == nil:
		eventsTotal.WithLabelValues("duplicate").Inc()
		r.logger.Info("duplicate notification for completed job, dropping",
			zap.String("job_id", jobID),
			zap.String("location", ev.Location()),
			zap.String("status", string(terminal.Status)),
		)
		return nil
	case errors.Is(err, metadata.ErrNotFound):
		// no terminal outcome yet, dispatch
	default:
		r.errors.RecordError(routerFunction)
		return fmt.Errorf("terminal-state check for job %s: %w", jobID, err)
	}

	// processor failures sample under their own function label
	_, err = r.processor.Process(ctx, ev)
	return err
}
