package codec

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	// TerminatorSize is the length of the marker ending every frame.
	TerminatorSize = 4
	// FrameSize is the size of one wire unit: packet body plus terminator.
	FrameSize = PacketSize + TerminatorSize
)

// Terminator is the fixed "END\0" marker ending every transmission.
var Terminator = [TerminatorSize]byte{0x45, 0x4E, 0x44, 0x00}

var (
	ErrFrameSize        = errors.New("invalid frame size")
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrTruncatedFrame   = errors.New("truncated frame")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// EncodeFrame serializes p followed by the terminator.
// Frame format: [sample][sensor1..5][rq_sample (4 bytes BE each)][control (2 BE)][crc16 (2 BE)][45 4E 44 00]
func EncodeFrame(p *Packet) []byte {
	frame := p.AppendBody(make([]byte, 0, FrameSize))
	return append(frame, Terminator[:]...)
}

// DecodeFrame decodes a 36-byte frame. It fails with ErrMalformedFrame when the
// trailing four bytes are not the terminator. The checksum is not verified;
// see VerifyFrame.
func DecodeFrame(frame []byte) (Packet, error) {
	var p Packet
	if len(frame) != FrameSize {
		return p, fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(frame), FrameSize)
	}
	if !HasTerminator(frame) {
		return p, fmt.Errorf("%w: terminator % x", ErrMalformedFrame, frame[PacketSize:])
	}
	if err := p.ReadFrom(frame[:PacketSize]); err != nil {
		return p, err
	}
	return p, nil
}

// VerifyFrame runs the residue check over the body of a full frame.
func VerifyFrame(frame []byte) error {
	if len(frame) < PacketSize {
		return fmt.Errorf("%w: got %d bytes", ErrTruncatedFrame, len(frame))
	}
	if residue := Checksum(frame[:PacketSize]); residue != 0 {
		return fmt.Errorf("%w: residue %04x", ErrChecksumMismatch, residue)
	}
	return nil
}

// HasTerminator reports whether data ends with the frame terminator.
func HasTerminator(data []byte) bool {
	return bytes.HasSuffix(data, Terminator[:])
}
