// Package health tracks whether the reasoning-engine providers a run
// depends on are reachable.
//
// Each watched provider is probed in a loop. While the provider is
// down, probes back off exponentially from [Backoff.Initial] to
// [Backoff.Max]; once it is up, it is re-checked every
// [Backoff.Poll]. Transitions are logged and published as events.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/turnloop/internal/events"
)

// ProbeFunc checks whether a provider is reachable. It returns nil when
// healthy and must be safe for concurrent use.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	Initial    time.Duration // first retry delay while down (default 2s)
	Max        time.Duration // ceiling for retry growth (default 60s)
	Multiplier float64       // growth per failed probe (default 2)
	Poll       time.Duration // re-check interval while up (default 60s)
	Timeout    time.Duration // per-probe limit (default 10s)
}

// DefaultBackoff returns 2s, 4s, 8s... retries capped at 60s and a
// 60-second poll once healthy.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    2 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 2,
		Poll:       60 * time.Second,
		Timeout:    10 * time.Second,
	}
}

func (b *Backoff) applyDefaults() {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
}

// Status is the JSON-friendly health of one provider.
type Status struct {
	Provider  string    `json:"provider"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// watcher probes a single provider until its context ends.
type watcher struct {
	name    string
	probe   ProbeFunc
	backoff Backoff
	sink    events.Sink
	logger  *slog.Logger

	ready atomic.Bool
	done  chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

func (w *watcher) status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{Provider: w.name, Ready: w.ready.Load(), LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

func (w *watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.Initial
	attempts := 0
	for {
		attempts++
		err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}

		wasReady := w.ready.Load()
		switch {
		case err == nil && !wasReady:
			w.ready.Store(true)
			w.logger.Info("provider reachable", "provider", w.name, "attempts", attempts)
			events.Emit(w.sink, events.Event{
				Source: events.SourceHealth,
				Kind:   events.KindProviderUp,
				Data:   map[string]any{"provider": w.name, "attempts": attempts},
			})
		case err != nil && wasReady:
			w.ready.Store(false)
			w.logger.Warn("provider unreachable", "provider", w.name, "error", err)
			events.Emit(w.sink, events.Event{
				Source: events.SourceHealth,
				Kind:   events.KindProviderDown,
				Data:   map[string]any{"provider": w.name, "error": err.Error()},
			})
		case err != nil:
			w.logger.Debug("provider probe failed", "provider", w.name, "attempt", attempts, "next", delay, "error", err)
		}

		wait := w.backoff.Poll
		if err == nil {
			delay = w.backoff.Initial
			attempts = 0
		} else {
			wait = delay
			delay = min(time.Duration(float64(delay)*w.backoff.Multiplier), w.backoff.Max)
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

func (w *watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.Timeout)
	defer cancel()
	err := w.probe(probeCtx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
	return err
}

// Monitor watches a set of providers.
type Monitor struct {
	sink   events.Sink
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*watcher
	cancels  []context.CancelFunc
}

// NewMonitor creates a monitor that publishes transitions to sink,
// which may be nil.
func NewMonitor(sink events.Sink, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		sink:     sink,
		logger:   logger.With("component", "health"),
		watchers: make(map[string]*watcher),
	}
}

// Watch starts probing a provider in the background until ctx ends or
// [Monitor.Stop] is called. A second Watch for the same name is ignored.
func (m *Monitor) Watch(ctx context.Context, name string, probe ProbeFunc, backoff Backoff) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watchers[name]; ok {
		return
	}
	backoff.applyDefaults()

	w := &watcher{
		name:    name,
		probe:   probe,
		backoff: backoff,
		sink:    m.sink,
		logger:  m.logger,
		done:    make(chan struct{}),
	}
	wctx, cancel := context.WithCancel(ctx)
	m.watchers[name] = w
	m.cancels = append(m.cancels, cancel)
	go w.run(wctx)
}

// Ready reports whether the named provider answered its last probe.
// Unwatched providers are reported ready.
func (m *Monitor) Ready(name string) bool {
	m.mu.RLock()
	w, ok := m.watchers[name]
	m.mu.RUnlock()
	return !ok || w.ready.Load()
}

// Status returns the health of every watched provider, sorted by name.
func (m *Monitor) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Stop cancels every watcher and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = nil
	watchers := make([]*watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	for _, w := range watchers {
		<-w.done
	}
}
