// Package dedupe provides duplicate suppression for recovered samples.
//
// A lost sample may be requested more than once before its retrieve-acknowledge
// frame arrives, and the board answers every request. The deduplicator
// remembers the most recently recovered sample numbers in a circular buffer so
// that only the first answer is delivered.
package dedupe

// DefaultMaxSamples is the default capacity of the sample table.
const DefaultMaxSamples = 128

// SampleDeduplicator tracks recently recovered sample numbers. It is not safe
// for concurrent use.
type SampleDeduplicator struct {
	samples    []uint32 // circular buffer
	maxSamples int
	next       int
	filled     int
}

// New creates a new SampleDeduplicator with the default capacity.
func New() *SampleDeduplicator {
	return NewWithCapacity(DefaultMaxSamples)
}

// NewWithCapacity creates a new SampleDeduplicator remembering up to
// maxSamples sample numbers.
func NewWithCapacity(maxSamples int) *SampleDeduplicator {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &SampleDeduplicator{
		samples:    make([]uint32, maxSamples),
		maxSamples: maxSamples,
	}
}

// HasSeen checks if sample has been recovered before. If not, it records the
// sample and returns false. If it has been seen, it returns true.
func (d *SampleDeduplicator) HasSeen(sample uint32) bool {
	if d.contains(sample) {
		return true
	}
	d.add(sample)
	return false
}

// Clear resets the deduplicator, forgetting all previously seen samples.
func (d *SampleDeduplicator) Clear() {
	clear(d.samples)
	d.next = 0
	d.filled = 0
}

func (d *SampleDeduplicator) contains(sample uint32) bool {
	for i := range d.filled {
		if d.samples[i] == sample {
			return true
		}
	}
	return false
}

func (d *SampleDeduplicator) add(sample uint32) {
	d.samples[d.next] = sample
	d.next = (d.next + 1) % d.maxSamples
	if d.filled < d.maxSamples {
		d.filled++
	}
}
