// Package alerting turns error samples into operator notifications.
// Each monitored function gets a fixed evaluation window; crossing the
// threshold raises an alert, and a later window with zero errors clears it.
package alerting

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Alert states carried in notifications.
const (
	StateRaised  = "raised"
	StateCleared = "cleared"
)

// Notification is one alert transition for a monitored function.
type Notification struct {
	Function   string    `json:"function"`
	State      string    `json:"state"`
	ErrorCount int       `json:"error_count"`
	Window     string    `json:"window"`
	At         time.Time `json:"at"`
}

// Notifier delivers alert transitions to an external channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Monitor maintains windowed error counters per function and drives the
// raise/clear lifecycle. Safe for concurrent use.
type Monitor struct {
	notifier  Notifier
	logger    *zap.Logger
	window    time.Duration
	threshold int

	mu    sync.Mutex
	funcs map[string]*functionState
	now   func() time.Time
}

type functionState struct {
	count  int
	raised bool
}

// Config tunes the evaluation policy.
type Config struct {
	// Window is the evaluation period. Counters reset each window.
	Window time.Duration
	// Threshold is the error count at or above which an alert is raised.
	Threshold int
}

// NewMonitor constructs a Monitor. Thresholds below 1 are clamped to 1.
func NewMonitor(cfg Config, notifier Notifier, logger *zap.Logger) *Monitor {
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Monitor{
		notifier:  notifier,
		logger:    logger,
		window:    cfg.Window,
		threshold: cfg.Threshold,
		funcs:     map[string]*functionState{},
		now:       time.Now,
	}
}

// RecordError adds one error sample for the function in the current window.
func (m *Monitor) RecordError(fn string) {
	errorSamplesTotal.WithLabelValues(fn).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(fn).count++
}

// RecordConsistencyViolation raises immediately, bypassing the window
// threshold. Duplicate-key writes with differing content indicate a logic
// error a human must look at.
func (m *Monitor) RecordConsistencyViolation(ctx context.Context, fn string) {
	errorSamplesTotal.WithLabelValues(fn).Inc()

	m.mu.Lock()
	st := m.state(fn)
	st.count++
	count := st.count
	alreadyRaised := st.raised
	st.raised = true
	m.mu.Unlock()

	if !alreadyRaised {
		m.send(ctx, Notification{
			Function:   fn,
			State:      StateRaised,
			ErrorCount: count,
			Window:     m.window.String(),
			At:         m.now().UTC(),
		})
	}
}

// Run evaluates windows until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}

// Evaluate closes the current window for every function: raises where the
// threshold was crossed, clears where a raised function saw zero errors,
// and resets counters. A function with no samples is non-breaching.
func (m *Monitor) Evaluate(ctx context.Context) {
	type transition struct {
		fn    string
		state string
		count int
	}

	m.mu.Lock()
	var transitions []transition
	for fn, st := range m.funcs {
		switch {
		case st.count >= m.threshold && !st.raised:
			st.raised = true
			transitions = append(transitions, transition{fn, StateRaised, st.count})
		case st.count == 0 && st.raised:
			st.raised = false
			transitions = append(transitions, transition{fn, StateCleared, 0})
		}
		st.count = 0
	}
	m.mu.Unlock()

	for _, tr := range transitions {
		m.send(ctx, Notification{
			Function:   tr.fn,
			State:      tr.state,
			ErrorCount: tr.count,
			Window:     m.window.String(),
			At:         m.now().UTC(),
		})
	}
}

func (m *Monitor) state(fn string) *functionState {
	st, ok := m.funcs[fn]
	if !ok {
		st = &functionState{}
		m.funcs[fn] = st
	}
	return st
}

func (m *Monitor) send(ctx context.Context, n Notification) {
	alertTransitionsTotal.WithLabelValues(n.Function, n.State).Inc()

	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.Error("alert notification failed",
			zap.String("function", n.Function),
			zap.String("state", n.State),
			zap.Error(err),
		)
		return
	}
	m.logger.Info("alert transition",
		zap.String("function", n.Function),
		zap.String("state", n.State),
		zap.Int("error_count", n.ErrorCount),
	)
}
