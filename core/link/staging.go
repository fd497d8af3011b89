package link

import (
	"fmt"
	"sync"

	"github.com/kabili207/sensorlink/core/codec"
)

// Command is an outbound control command waiting for the next transmit slot.
type Command struct {
	Flag  codec.Control
	Value uint32 // Only meaningful for codec.FlagMultiplier
}

func (c Command) String() string {
	if c.Flag == codec.FlagMultiplier {
		return fmt.Sprintf("%s(%d)", c.Flag, c.Value)
	}
	return c.Flag.String()
}

// Writer is the transmit half of a Channel.
type Writer interface {
	Write(p []byte) error
}

// Stager holds at most one pending Command. Stage may be called from any
// goroutine; a command staged before the previous one was flushed replaces
// it. The zero value is ready to use.
type Stager struct {
	mu      sync.Mutex
	pending Command
	has     bool
	gen     uint64
}

// Stage overwrites the pending slot. Staging a zero flag empties the slot.
func (s *Stager) Stage(flag codec.Control, value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if flag == 0 {
		s.pending = Command{}
		s.has = false
		return
	}
	s.pending = Command{Flag: flag, Value: value}
	s.has = true
}

// Pending returns the staged command, if any.
func (s *Stager) Pending() (Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, s.has
}

// Flush transmits the pending command, if any, as a sealed command packet and
// clears the slot. The slot is left intact when the write fails or when a
// newer command was staged while the write was in progress.
func (s *Stager) Flush(w Writer) (Command, bool, error) {
	s.mu.Lock()
	cmd, has, gen := s.pending, s.has, s.gen
	s.mu.Unlock()

	if !has {
		return Command{}, false, nil
	}

	pkt := codec.CommandPacket(cmd.Flag, cmd.Value)
	if err := w.Write(codec.EncodeFrame(&pkt)); err != nil {
		return cmd, false, fmt.Errorf("sending command %s: %w", cmd, err)
	}

	s.mu.Lock()
	if s.gen == gen {
		s.pending = Command{}
		s.has = false
	}
	s.mu.Unlock()

	return cmd, true, nil
}
