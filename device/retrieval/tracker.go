// Package retrieval tracks outstanding retrieval requests for lost samples.
//
// The link session sends a retrieval request every time it rejects a frame,
// but never waits for the answer. The Tracker records each requested sample
// and matches it against later retrieve-acknowledge frames, so recovery
// latency and unanswered requests can be reported. It never writes to the
// link.
package retrieval

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultTimeout is the default time to wait for a retrieve-acknowledge
	// frame before a request is reported as expired.
	DefaultTimeout = 30 * time.Second

	// checkInterval is the resolution of the tracker's timeout check loop.
	checkInterval = time.Second
)

// Pending is an outstanding retrieval request.
type Pending struct {
	Sample      uint32
	RequestedAt time.Time

	// Attempts counts how many requests were sent for the sample while it
	// was pending.
	Attempts int
}

// TrackerConfig configures a retrieval Tracker.
type TrackerConfig struct {
	// Timeout is the maximum time to wait for a sample to be recovered.
	// Default: 30 seconds.
	Timeout time.Duration

	// Logger for tracker events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Tracker matches retrieval requests to recovered frames.
type Tracker struct {
	cfg       TrackerConfig
	log       *slog.Logger
	mu        sync.Mutex
	pending   map[uint32]*Pending
	onExpired func(p Pending)

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewTracker creates a retrieval tracker with the given configuration.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:     cfg,
		log:     logger.WithGroup("retrieval"),
		pending: make(map[uint32]*Pending),
		nowFn:   time.Now,
	}
}

// SetOnExpired sets the callback invoked for each request that times out.
func (t *Tracker) SetOnExpired(fn func(p Pending)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpired = fn
}

// Track records a retrieval request for sample. Repeated requests for a
// pending sample bump its attempt count but keep the original request time.
func (t *Tracker) Track(sample uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.pending[sample]; ok {
		p.Attempts++
		return
	}
	t.pending[sample] = &Pending{
		Sample:      sample,
		RequestedAt: t.nowFn(),
		Attempts:    1,
	}
}

// Resolve marks sample as recovered. It returns the time since the first
// request and true if the sample was pending.
func (t *Tracker) Resolve(sample uint32) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[sample]
	if !ok {
		return 0, false
	}
	delete(t.pending, sample)
	return t.nowFn().Sub(p.RequestedAt), true
}

// Clear drops every pending request. Used when the link reconnects and
// outstanding requests can no longer be answered.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.pending)
}

// PendingCount returns the number of outstanding requests.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Start runs the timeout check loop. Blocks until the context is cancelled.
func (t *Tracker) Start(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.checkTimeouts()
		}
	}
}

// checkTimeouts removes and reports requests older than the timeout.
func (t *Tracker) checkTimeouts() {
	t.mu.Lock()
	now := t.nowFn()

	var expired []Pending
	for sample, p := range t.pending {
		if now.Sub(p.RequestedAt) < t.cfg.Timeout {
			continue
		}
		expired = append(expired, *p)
		delete(t.pending, sample)
	}
	onExpired := t.onExpired
	t.mu.Unlock()

	for _, p := range expired {
		t.log.Info("retrieval request expired", "sample", p.Sample, "attempts", p.Attempts)
		if onExpired != nil {
			onExpired(p)
		}
	}
}
