// Package reachability tracks whether the study backend can be reached by
// probing it periodically.
package reachability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Probe checks connectivity once. A nil error means reachable.
type Probe func(ctx context.Context) error

// Monitor polls a Probe and publishes connectivity changes to subscribers.
type Monitor struct {
	probe    Probe
	interval time.Duration
	timeout  time.Duration

	mu        sync.RWMutex
	reachable bool
	checked   bool
	subs      map[int]chan bool
	nextID    int
}

// NewMonitor creates a monitor that runs probe every interval. Each probe is
// bounded by timeout, or by interval when timeout is zero.
func NewMonitor(probe Probe, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = interval
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		timeout:  timeout,
		subs:     make(map[int]chan bool),
	}
}

// IsReachable returns the result of the latest probe. It is false before the
// first probe completes.
func (m *Monitor) IsReachable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reachable
}

// Subscribe returns a channel receiving every connectivity change until ctx is
// cancelled, after which the channel is closed. A slow reader only sees the
// latest state.
func (m *Monitor) Subscribe(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		close(ch)
		m.mu.Unlock()
	}()
	return ch
}

// Check runs the probe once, records the result and notifies subscribers when
// the state changed.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.probe(ctx)
	cancel()
	reachable := err == nil

	m.mu.Lock()
	defer m.mu.Unlock()
	changed := !m.checked || m.reachable != reachable
	m.reachable = reachable
	m.checked = true
	if !changed {
		return reachable
	}

	if reachable {
		slog.Info("Monitor.Check: backend reachable")
	} else {
		slog.Warn("Monitor.Check: backend unreachable", "error", err)
	}
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- reachable
	}
	return reachable
}

// Run probes immediately and then every interval. It blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("Monitor.Run: starting reachability monitor", "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Monitor.Run: stopping")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
