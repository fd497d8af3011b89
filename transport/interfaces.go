// Package transport provides the byte-channel interfaces and implementations
// that carry sensor link frames.
package transport

import (
	"context"
	"errors"

	"github.com/kabili207/sensorlink/core/codec"
)

// ErrUnavailable is wrapped by every open, read and write failure of a Port.
// It is fatal to the current link session; the owner reconnects.
var ErrUnavailable = errors.New("transport unavailable")

// Port is a byte-oriented duplex channel to a single peer.
type Port interface {
	// Open acquires the underlying device.
	Open(ctx context.Context) error
	// Close releases the device. Blocked reads return ErrUnavailable.
	Close() error
	// IsOpen returns true between a successful Open and Close.
	IsOpen() bool
	// ReadUntil reads until delim has been read or maxLen bytes have accumulated,
	// whichever happens first. It returns whatever was read, which is empty
	// when the channel stayed idle for a full read interval.
	ReadUntil(ctx context.Context, delim []byte, maxLen int) ([]byte, error)
	// ReadByte blocks until one byte arrives or ctx is done.
	ReadByte(ctx context.Context) (byte, error)
	// Write transmits p in full.
	Write(p []byte) error
	// ResetInputBuffer discards received but unread bytes.
	ResetInputBuffer() error
}

// PacketHandler is called for every accepted packet. recovered is true when
// the frame answered a retrieval request.
type PacketHandler func(packet *codec.Packet, recovered bool)

// StateHandler is called when the link state changes. err is set for
// EventDisconnected and EventError when a transport failure caused it.
type StateHandler func(event Event, err error)

// Event represents link state change events.
type Event int

const (
	// EventConnected is fired when the port is open and synchronized.
	EventConnected Event = iota
	// EventDisconnected is fired when the port closes or fails.
	EventDisconnected
	// EventReconnecting is fired before each reconnect attempt.
	EventReconnecting
	// EventError is fired when an open attempt fails.
	EventError
	// EventStale is fired when no frame has been accepted within the stale timeout.
	EventStale
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	case EventStale:
		return "stale"
	default:
		return "unknown"
	}
}
