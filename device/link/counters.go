package link

import "sync/atomic"

// Counters tracks link statistics using atomic counters.
// All fields are safe for concurrent access.
type Counters struct {
	FramesAccepted    atomic.Uint32 // Telemetry frames accepted
	FramesRecovered   atomic.Uint32 // Retrieve-acknowledge frames accepted
	DuplicatesDropped atomic.Uint32 // Repeated answers for an already recovered sample
	ChecksumErrors    atomic.Uint32 // Full frames failing the residue check
	MalformedFrames   atomic.Uint32 // Full-length reads without the terminator
	TruncatedFrames   atomic.Uint32 // Short reads before terminator or timeout
	IdleReads         atomic.Uint32 // Reads that returned nothing
	Resyncs           atomic.Uint32 // Terminator scans, including the initial one
	RetrievalRequests atomic.Uint32 // Retrieval requests sent
	CommandsSent      atomic.Uint32 // Staged commands transmitted
	Reconnects        atomic.Uint32 // Reconnect attempts after a transport failure
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	FramesAccepted    uint32
	FramesRecovered   uint32
	DuplicatesDropped uint32
	ChecksumErrors    uint32
	MalformedFrames   uint32
	TruncatedFrames   uint32
	IdleReads         uint32
	Resyncs           uint32
	RetrievalRequests uint32
	CommandsSent      uint32
	Reconnects        uint32
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		FramesAccepted:    c.FramesAccepted.Load(),
		FramesRecovered:   c.FramesRecovered.Load(),
		DuplicatesDropped: c.DuplicatesDropped.Load(),
		ChecksumErrors:    c.ChecksumErrors.Load(),
		MalformedFrames:   c.MalformedFrames.Load(),
		TruncatedFrames:   c.TruncatedFrames.Load(),
		IdleReads:         c.IdleReads.Load(),
		Resyncs:           c.Resyncs.Load(),
		RetrievalRequests: c.RetrievalRequests.Load(),
		CommandsSent:      c.CommandsSent.Load(),
		Reconnects:        c.Reconnects.Load(),
	}
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.FramesAccepted.Store(0)
	c.FramesRecovered.Store(0)
	c.DuplicatesDropped.Store(0)
	c.ChecksumErrors.Store(0)
	c.MalformedFrames.Store(0)
	c.TruncatedFrames.Store(0)
	c.IdleReads.Store(0)
	c.Resyncs.Store(0)
	c.RetrievalRequests.Store(0)
	c.CommandsSent.Store(0)
	c.Reconnects.Store(0)
}
