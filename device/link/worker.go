// Package link runs a sensor link: the single goroutine that owns a Port and
// its Session, reads and validates frames, sends retrieval requests and
// staged commands, and reconnects when the transport fails.
//
// Everything that touches the Port happens on the worker goroutine. Other
// goroutines interact with a Worker through Stage, which only touches the
// command slot, and through the read-only accessors.
package link

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kabili207/sensorlink/core/codec"
	"github.com/kabili207/sensorlink/core/dedupe"
	corelink "github.com/kabili207/sensorlink/core/link"
	"github.com/kabili207/sensorlink/device/connection"
	"github.com/kabili207/sensorlink/device/retrieval"
	"github.com/kabili207/sensorlink/transport"
)

// DefaultReconnectInterval is the default pause between reconnect attempts.
const DefaultReconnectInterval = 2 * time.Second

// RecoveryHandler is called when a retrieve-acknowledge frame answers a
// tracked retrieval request.
type RecoveryHandler func(sample uint32, latency time.Duration)

// Config configures a Worker.
type Config struct {
	// Name identifies the link in logs, metrics and MQTT topics.
	Name string

	// Port is the byte channel to the sensor board. Required.
	Port transport.Port

	// ReconnectInterval is the pause after a transport failure before the
	// port is reopened. Default: 2 seconds.
	ReconnectInterval time.Duration

	// Watchdog, if set, is told when the link connects, accepts a frame and
	// disconnects.
	Watchdog *connection.Manager

	// Tracker, if set, records every retrieval request and resolves it when
	// the matching sample is recovered.
	Tracker *retrieval.Tracker

	// Logger for worker events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Status is a point-in-time view of a Worker.
type Status struct {
	Name      string
	Connected bool
	Session   corelink.Snapshot
	// Staged is the command waiting for the next transmit slot, or nil.
	Staged *corelink.Command
}

// Worker drives one link.
type Worker struct {
	cfg     Config
	log     *slog.Logger
	session *corelink.Session
	dedup   *dedupe.SampleDeduplicator

	counters  Counters
	connected atomic.Bool
	snapshot  atomic.Pointer[corelink.Snapshot]

	mu         sync.RWMutex
	onPacket   transport.PacketHandler
	onState    transport.StateHandler
	onRecovery RecoveryHandler
}

// New creates a Worker with the given configuration.
func New(cfg Config) *Worker {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.WithGroup("worker").With("link", cfg.Name)

	w := &Worker{
		cfg:     cfg,
		log:     logger,
		session: corelink.NewSession(cfg.Port, corelink.Config{Logger: logger}),
		dedup:   dedupe.New(),
	}
	w.publish()
	return w
}

// Name returns the link name.
func (w *Worker) Name() string {
	return w.cfg.Name
}

// SetPacketHandler sets the callback for accepted packets. It runs on the
// worker goroutine and should not block.
func (w *Worker) SetPacketHandler(fn transport.PacketHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onPacket = fn
}

// SetStateHandler sets the callback for link state changes.
func (w *Worker) SetStateHandler(fn transport.StateHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onState = fn
}

// SetRecoveryHandler sets the callback for resolved retrieval requests.
func (w *Worker) SetRecoveryHandler(fn RecoveryHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onRecovery = fn
}

// Stage queues a command for the next transmit slot, replacing any command
// that has not been sent yet. Safe to call from any goroutine.
func (w *Worker) Stage(flag codec.Control, value uint32) {
	w.session.Stage(flag, value)
	w.log.Debug("command staged", "command", corelink.Command{Flag: flag, Value: value})
}

// Connected returns true while the port is open.
func (w *Worker) Connected() bool {
	return w.connected.Load()
}

// Counters returns a copy of the link counters.
func (w *Worker) Counters() CountersSnapshot {
	return w.counters.Snapshot()
}

// ResetCounters zeroes the link counters.
func (w *Worker) ResetCounters() {
	w.counters.Reset()
	w.log.Info("counters reset")
}

// Status returns the latest state published by the worker goroutine.
func (w *Worker) Status() Status {
	st := Status{
		Name:      w.cfg.Name,
		Connected: w.connected.Load(),
		Session:   *w.snapshot.Load(),
	}
	if cmd, ok := w.session.Pending(); ok {
		st.Staged = &cmd
	}
	return st
}

// Run drives the link until ctx is cancelled. Transport failures close the
// port and trigger a reconnect after ReconnectInterval; any other error ends
// Run. Run returns nil when ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		err := w.connect(ctx)
		if err == nil {
			err = w.serve(ctx)
			w.disconnect(ctx, err)
		} else if ctx.Err() == nil {
			w.log.Warn("failed to open link", "error", err)
			w.emit(transport.EventError, err)
		}

		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, transport.ErrUnavailable) {
			return err
		}

		timer := time.NewTimer(w.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		w.counters.Reconnects.Add(1)
		w.log.Info("reconnecting")
		w.emit(transport.EventReconnecting, nil)
	}
}

func (w *Worker) connect(ctx context.Context) error {
	if err := w.cfg.Port.Open(ctx); err != nil {
		return err
	}

	w.session.Reset()
	w.dedup.Clear()
	if w.cfg.Tracker != nil {
		w.cfg.Tracker.Clear()
	}
	if w.cfg.Watchdog != nil {
		w.cfg.Watchdog.Register(w.cfg.Name)
	}
	w.connected.Store(true)
	w.publish()

	w.log.Info("link connected")
	w.emit(transport.EventConnected, nil)
	return nil
}

func (w *Worker) disconnect(ctx context.Context, cause error) {
	w.connected.Store(false)
	if err := w.cfg.Port.Close(); err != nil {
		w.log.Warn("error closing port", "error", err)
	}
	if w.cfg.Watchdog != nil {
		w.cfg.Watchdog.Remove(w.cfg.Name)
	}
	w.session.Reset()
	w.publish()

	if ctx.Err() != nil {
		cause = nil
		w.log.Info("link closed")
	} else {
		w.log.Warn("link lost", "error", cause)
	}
	w.emit(transport.EventDisconnected, cause)
}

// serve runs the synchronize → step → flush loop until an error occurs.
func (w *Worker) serve(ctx context.Context) error {
	if err := w.session.Synchronize(ctx); err != nil {
		return err
	}
	w.counters.Resyncs.Add(1)
	w.publish()

	for {
		res, err := w.session.Step(ctx)
		w.record(res)
		if err != nil {
			return err
		}
		w.notify(res)

		cmd, sent, err := w.session.Flush()
		if err != nil {
			return err
		}
		if sent {
			w.counters.CommandsSent.Add(1)
			w.log.Info("command sent", "command", cmd)
		}
		w.publish()
	}
}

// record updates counters and the retrieval tracker for one step, including
// a step that failed partway.
func (w *Worker) record(res corelink.Result) {
	switch res.Outcome {
	case corelink.OutcomeIdle:
		w.counters.IdleReads.Add(1)
	case corelink.OutcomeAccepted:
		w.counters.FramesAccepted.Add(1)
	case corelink.OutcomeRecovered:
		w.counters.FramesRecovered.Add(1)
	case corelink.OutcomeCorrupt:
		w.counters.ChecksumErrors.Add(1)
	case corelink.OutcomeMalformed:
		w.counters.MalformedFrames.Add(1)
	case corelink.OutcomeTruncated:
		w.counters.TruncatedFrames.Add(1)
	}
	if res.Resynced {
		w.counters.Resyncs.Add(1)
	}
	if res.Requested {
		w.counters.RetrievalRequests.Add(1)
		if w.cfg.Tracker != nil {
			w.cfg.Tracker.Track(res.RequestedSample)
		}
	}
}

func (w *Worker) notify(res corelink.Result) {
	if res.Packet == nil {
		return
	}
	if w.cfg.Watchdog != nil {
		w.cfg.Watchdog.Touch(w.cfg.Name)
	}

	w.mu.RLock()
	onPacket := w.onPacket
	onRecovery := w.onRecovery
	w.mu.RUnlock()

	sample := res.Packet.Sample
	recovered := res.Outcome == corelink.OutcomeRecovered
	if recovered {
		if w.cfg.Tracker != nil {
			if latency, ok := w.cfg.Tracker.Resolve(sample); ok {
				w.log.Info("sample recovered", "sample", sample, "latency", latency)
				if onRecovery != nil {
					onRecovery(sample, latency)
				}
			}
		}
		// Only answers are deduplicated. The peer echoes a past sample as
		// often as it was asked for it.
		if w.dedup.HasSeen(sample) {
			w.counters.DuplicatesDropped.Add(1)
			w.log.Debug("dropping duplicate recovered sample", "sample", sample)
			return
		}
	}
	if onPacket != nil {
		onPacket(res.Packet, recovered)
	}
}

func (w *Worker) publish() {
	snap := w.session.Snapshot()
	w.snapshot.Store(&snap)
}

func (w *Worker) emit(event transport.Event, err error) {
	w.mu.RLock()
	fn := w.onState
	w.mu.RUnlock()
	if fn != nil {
		fn(event, err)
	}
}
