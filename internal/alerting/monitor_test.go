package alerting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *fakeNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func (n *fakeNotifier) states() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notes))
	for _, note := range n.notes {
		out = append(out, note.State)
	}
	return out
}

func newTestMonitor(threshold int) (*Monitor, *fakeNotifier) {
	notifier := &fakeNotifier{}
	m := NewMonitor(Config{Window: time.Minute, Threshold: threshold}, notifier, zap.NewNop())
	return m, notifier
}

func TestMonitor_RaisesAtThreshold(t *testing.T) {
	m, notifier := newTestMonitor(1)
	ctx := context.Background()

	m.RecordError("validator")
	m.Evaluate(ctx)

	require.Len(t, notifier.notes, 1)
	assert.Equal(t, StateRaised, notifier.notes[0].State)
	assert.Equal(t, "validator", notifier.notes[0].Function)
	assert.Equal(t, 1, notifier.notes[0].ErrorCount)
}

func TestMonitor_BelowThresholdStaysQuiet(t *testing.T) {
	m, notifier := newTestMonitor(3)
	ctx := context.Background()

	m.RecordError("validator")
	m.RecordError("validator")
	m.Evaluate(ctx)

	assert.Empty(t, notifier.notes)
}

func TestMonitor_Hysteresis(t *testing.T) {
	m, notifier := newTestMonitor(1)
	ctx := context.Background()

	m.RecordError("validator")
	m.Evaluate(ctx) // raised
	m.Evaluate(ctx) // zero-error window: cleared
	m.Evaluate(ctx) // still zero: no further transition
	m.Evaluate(ctx)

	assert.Equal(t, []string{StateRaised, StateCleared}, notifier.states(),
		"the alert must transition raised → cleared exactly once")
}

func TestMonitor_ReCrossAfterClear(t *testing.T) {
	m, notifier := newTestMonitor(1)
	ctx := context.Background()

	m.RecordError("validator")
	m.Evaluate(ctx)
	m.Evaluate(ctx)
	m.RecordError("validator")
	m.Evaluate(ctx)

	assert.Equal(t, []string{StateRaised, StateCleared, StateRaised}, notifier.states())
}

func TestMonitor_RaisedOnlyOnceWhilePersisting(t *testing.T) {
	m, notifier := newTestMonitor(1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.RecordError("validator")
		m.Evaluate(ctx)
	}

	assert.Equal(t, []string{StateRaised}, notifier.states(),
		"a persistent error condition must not re-raise every window")
}

func TestMonitor_MissingDataIsNonBreaching(t *testing.T) {
	m, notifier := newTestMonitor(1)

	m.Evaluate(context.Background())
	m.Evaluate(context.Background())

	assert.Empty(t, notifier.notes)
}

func TestMonitor_FunctionsAreIndependent(t *testing.T) {
	m, notifier := newTestMonitor(1)
	ctx := context.Background()

	m.RecordError("issuer")
	m.Evaluate(ctx)

	require.Len(t, notifier.notes, 1)
	assert.Equal(t, "issuer", notifier.notes[0].Function)

	m.RecordError("validator")
	m.Evaluate(ctx)

	require.Len(t, notifier.notes, 2)
	assert.Equal(t, "validator", notifier.notes[1].Function)
}

func TestMonitor_ConsistencyViolationRaisesImmediately(t *testing.T) {
	m, notifier := newTestMonitor(100)
	ctx := context.Background()

	m.RecordConsistencyViolation(ctx, "validator")

	require.Len(t, notifier.notes, 1, "consistency violations bypass the window threshold")
	assert.Equal(t, StateRaised, notifier.notes[0].State)

	// a second violation while raised does not duplicate the alert
	m.RecordConsistencyViolation(ctx, "validator")
	assert.Len(t, notifier.notes, 1)
}
