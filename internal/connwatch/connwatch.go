// Package connwatch tracks whether the completion providers Tally
// depends on are reachable. It does not gate requests; turns still go
// through the agent's own retry policy. Status feeds the health
// endpoint so an outage is visible before users report it.
//
// A watcher probes once at start. While the provider is up it re-probes
// every PollInterval; while it is down it backs off exponentially from
// InitialDelay up to MaxDelay.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks whether a provider is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	InitialDelay time.Duration // first retry after a failure
	MaxDelay     time.Duration // ceiling for retry growth
	Multiplier   float64
	PollInterval time.Duration // interval while healthy
	ProbeTimeout time.Duration
}

// DefaultSchedule retries after 2s, 4s, 8s, ... capped at 60s, and polls
// a healthy provider every 60s.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.Multiplier < 1 {
		s.Multiplier = d.Multiplier
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// Status is the health of one provider as reported by /health.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Checked   bool      `json:"checked"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

type watcher struct {
	name     string
	probe    ProbeFunc
	schedule Schedule
	logger   *slog.Logger

	mu     sync.Mutex
	status Status
}

// run probes until ctx is done.
func (w *watcher) run(ctx context.Context) {
	delay := w.schedule.InitialDelay
	for {
		probeCtx, cancel := context.WithTimeout(ctx, w.schedule.ProbeTimeout)
		err := w.probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		wait := w.schedule.PollInterval
		if w.record(err) {
			delay = w.schedule.InitialDelay
		} else {
			wait = delay
			delay = min(time.Duration(float64(delay)*w.schedule.Multiplier), w.schedule.MaxDelay)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// record stores a probe result, logs state transitions and reports
// whether the provider is up.
func (w *watcher) record(err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	was, first := w.status.Ready, !w.status.Checked
	w.status.Checked = true
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}

	switch {
	case err == nil && (first || !was):
		w.logger.Info("provider reachable", "provider", w.name)
	case err != nil && (first || was):
		w.logger.Warn("provider unreachable", "provider", w.name, "error", err)
	case err != nil:
		w.logger.Debug("provider still unreachable", "provider", w.name, "error", err)
	}
	return err == nil
}

func (w *watcher) snapshot() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Manager runs one watcher per provider.
type Manager struct {
	logger *slog.Logger
	wg     sync.WaitGroup

	mu       sync.RWMutex
	watchers map[string]*watcher
	cancels  []context.CancelFunc
}

// NewManager creates a manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]*watcher),
	}
}

// Watch starts probing a provider in the background until ctx is done
// or Stop is called. A second Watch for the same name is ignored.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, schedule Schedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watchers[name]; ok {
		return
	}

	w := &watcher{
		name:     name,
		probe:    probe,
		schedule: schedule.withDefaults(),
		logger:   m.logger,
		status:   Status{Name: name},
	}
	m.watchers[name] = w

	watchCtx, cancel := context.WithCancel(ctx)
	m.cancels = append(m.cancels, cancel)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		w.run(watchCtx)
	}()
}

// Status returns every provider's health keyed by name.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.snapshot()
	}
	return out
}

// Healthy reports whether every probed provider was reachable at its
// last check. Providers not yet checked do not count against health.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if s.Checked && !s.Ready {
			return false
		}
	}
	return true
}

// Stop cancels every watcher and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = nil
	m.mu.Unlock()
	m.wg.Wait()
}
