// Package link implements the receive side of the sensor link protocol: frame
// alignment recovery, the per-connection Session state machine with its
// retry escalation and retrieval requests, and single-slot command staging.
//
// A Session is owned by one goroutine. Only the Stager it embeds may be used
// concurrently.
package link

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kabili207/sensorlink/core/codec"
)

// RetryThreshold is the number of consecutive integrity failures after which
// the session stops asking for the corrupt sample and resynchronizes.
//
// The failure count restarts at 1 after a resynchronization (escalation or
// short read), so from then on two more rejected frames trigger the next one.
// Only a session that last accepted a frame tolerates two failures.
const RetryThreshold = 3

// Channel is the byte channel a Session reads frames from and writes
// retrieval requests and commands to. transport.Port satisfies it.
type Channel interface {
	ReadUntil(ctx context.Context, delim []byte, maxLen int) ([]byte, error)
	ReadByte(ctx context.Context) (byte, error)
	Write(p []byte) error
	ResetInputBuffer() error
}

// State is the alignment state of a Session.
type State int

const (
	StateUnsynchronized State = iota
	StateSynchronizing
	StateSynchronized
)

func (s State) String() string {
	switch s {
	case StateUnsynchronized:
		return "unsynchronized"
	case StateSynchronizing:
		return "synchronizing"
	case StateSynchronized:
		return "synchronized"
	default:
		return "unknown"
	}
}

// Outcome classifies what a single Step observed.
type Outcome int

const (
	// OutcomeIdle means nothing was read.
	OutcomeIdle Outcome = iota
	// OutcomeAccepted means a valid telemetry frame was accepted.
	OutcomeAccepted
	// OutcomeRecovered means a valid retrieve-acknowledge frame was accepted.
	OutcomeRecovered
	// OutcomeCorrupt means a full frame failed the residue check.
	OutcomeCorrupt
	// OutcomeMalformed means a full-length read did not end in the terminator.
	OutcomeMalformed
	// OutcomeTruncated means fewer than FrameSize bytes arrived before the terminator or timeout.
	OutcomeTruncated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRecovered:
		return "recovered"
	case OutcomeCorrupt:
		return "corrupt"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeTruncated:
		return "truncated"
	default:
		return "unknown"
	}
}

// Result reports what one Step did. Packet is set only when a frame was
// accepted.
type Result struct {
	Outcome Outcome
	Packet  *codec.Packet

	// Resynced is true if the step ran Resynchronize.
	Resynced bool
	// Requested is true if a retrieval request for RequestedSample was sent.
	Requested       bool
	RequestedSample uint32

	// Err describes the integrity failure for Corrupt, Malformed and Truncated
	// outcomes. It is informational; Step handles it.
	Err error
}

// Accepted returns true if the step produced a packet.
func (r Result) Accepted() bool {
	return r.Packet != nil
}

// Snapshot is a copy of the session state.
type Snapshot struct {
	State      State
	PastSample uint32
	Retries    int
	Recovered  bool
	Last       codec.Packet
}

// Config configures a Session.
type Config struct {
	// Logger for link events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Session is the receive/transmit state machine for one link.
type Session struct {
	Stager

	ch  Channel
	log *slog.Logger

	state      State
	pastSample uint32
	retries    int
	recovered  bool
	last       codec.Packet
}

// NewSession creates an unsynchronized session reading from ch.
func NewSession(ch Channel, cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ch:  ch,
		log: logger.WithGroup("link"),
	}
}

// State returns the current alignment state.
func (s *Session) State() State {
	return s.state
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		State:      s.state,
		PastSample: s.pastSample,
		Retries:    s.retries,
		Recovered:  s.recovered,
		Last:       s.last,
	}
}

// Reset returns the session to its initial values. The staged command, if
// any, is kept.
func (s *Session) Reset() {
	s.state = StateUnsynchronized
	s.pastSample = 0
	s.retries = 0
	s.recovered = false
	s.last = codec.Packet{}
}

// Synchronize aligns the session on the next frame boundary.
func (s *Session) Synchronize(ctx context.Context) error {
	s.state = StateSynchronizing
	n, err := Resynchronize(ctx, s.ch)
	if err != nil {
		s.state = StateUnsynchronized
		return err
	}
	s.state = StateSynchronized
	s.log.Debug("synchronized", "discarded", n)
	return nil
}

// Step reads one frame and runs the integrity and recovery policy on it. An
// unsynchronized session synchronizes first.
//
// Frame-level failures never produce an error: they are reported through
// Result.Outcome together with the recovery action taken. The returned error
// is non-nil only for channel failures and context cancellation.
func (s *Session) Step(ctx context.Context) (Result, error) {
	if s.state != StateSynchronized {
		if err := s.Synchronize(ctx); err != nil {
			return Result{}, err
		}
	}

	data, err := s.ch.ReadUntil(ctx, codec.Terminator[:], codec.FrameSize)
	if err != nil {
		return Result{}, err
	}

	switch {
	case len(data) == 0:
		return Result{Outcome: OutcomeIdle}, nil
	case len(data) < codec.FrameSize:
		return s.desynchronized(ctx, len(data))
	}

	pkt, err := codec.DecodeFrame(data)
	if err != nil {
		// The sample field is still the best guess at what was lost.
		_ = pkt.ReadFrom(data[:codec.PacketSize])
		return s.integrityFailure(ctx, OutcomeMalformed, pkt.Sample, err)
	}
	if err := codec.VerifyFrame(data); err != nil {
		return s.integrityFailure(ctx, OutcomeCorrupt, pkt.Sample, err)
	}

	outcome := OutcomeAccepted
	if pkt.IsRetrieveAck() {
		outcome = OutcomeRecovered
	}
	s.retries = 0
	s.recovered = outcome == OutcomeRecovered
	s.pastSample = pkt.Sample
	s.last = pkt

	accepted := pkt
	return Result{Outcome: outcome, Packet: &accepted}, nil
}

// Flush transmits the staged command, if any.
func (s *Session) Flush() (Command, bool, error) {
	return s.Stager.Flush(s.ch)
}

// integrityFailure applies the retry escalation for a full-length frame that
// cannot be trusted.
func (s *Session) integrityFailure(ctx context.Context, outcome Outcome, sample uint32, cause error) (Result, error) {
	res := Result{Outcome: outcome, Err: cause}
	s.retries++

	if s.retries >= RetryThreshold {
		s.log.Warn("integrity failures exceeded threshold, resynchronizing",
			"failures", s.retries, "past_sample", s.pastSample, "error", cause)
		if err := s.Synchronize(ctx); err != nil {
			return res, err
		}
		res.Resynced = true
		s.retries = 1
		sample = s.pastSample
	} else {
		s.log.Debug("frame rejected", "outcome", outcome, "sample", sample, "failures", s.retries, "error", cause)
	}

	return s.request(res, sample)
}

// desynchronized handles a short read: the stream is misaligned, so the
// partial bytes are dropped without decoding.
func (s *Session) desynchronized(ctx context.Context, n int) (Result, error) {
	res := Result{
		Outcome: OutcomeTruncated,
		Err:     fmt.Errorf("%w: got %d of %d bytes", codec.ErrTruncatedFrame, n, codec.FrameSize),
	}
	s.log.Debug("short frame, resynchronizing", "bytes", n, "past_sample", s.pastSample)

	if err := s.Synchronize(ctx); err != nil {
		return res, err
	}
	res.Resynced = true
	s.retries = 1

	return s.request(res, s.pastSample)
}

// request sends a retrieval request for sample. It does not wait for the
// answer; a later retrieve-acknowledge frame is recognized by Step.
func (s *Session) request(res Result, sample uint32) (Result, error) {
	pkt := codec.RetrievalRequest(sample)
	if err := s.ch.Write(codec.EncodeFrame(&pkt)); err != nil {
		return res, fmt.Errorf("sending retrieval request for sample %d: %w", sample, err)
	}
	res.Requested = true
	res.RequestedSample = sample
	return res, nil
}
