// Package codec implements the sensor link wire format: the fixed-size
// 32-byte Packet body, the 36-byte terminated Frame, and the CRC-16 used
// for residue integrity checks.
package codec

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	// PacketSize is the size of an encoded Packet body (six uint32 fields,
	// rq_sample, control_signals, crc16).
	PacketSize = 32

	// ChecksumOffset is the offset of the crc16 field inside the body. The
	// checksum embedded by a sender covers body[:ChecksumOffset].
	ChecksumOffset = 30

	// SensorSentinel is the value every sensor field carries in a retrieval request.
	SensorSentinel uint32 = 0xFFFFFFFF
)

// Control is the control_signals bitfield.
type Control uint16

const (
	FlagTest          Control = 1 << 0  // Generic test/toggle command
	FlagMultiplier    Control = 1 << 1  // Multiplier command, value in Sensor1
	FlagRetrieveReq   Control = 1 << 8  // Peer asks for a sample to be resent
	FlagRetrieveState Control = 1 << 13 // Retrieve-data state marker
	FlagRetrieveAck   Control = 1 << 14 // Frame answers a retrieval request

	// ControlAll is the control value of a retrieval request: every flag asserted.
	ControlAll Control = 0xFFFF
)

var controlNames = []struct {
	flag Control
	name string
}{
	{FlagTest, "test"},
	{FlagMultiplier, "multiplier"},
	{FlagRetrieveReq, "retrieve-req"},
	{FlagRetrieveState, "retrieve-state"},
	{FlagRetrieveAck, "retrieve-ack"},
}

// Has reports whether every bit of flag is set.
func (c Control) Has(flag Control) bool {
	return c&flag == flag
}

func (c Control) String() string {
	switch c {
	case 0:
		return "none"
	case ControlAll:
		return "all"
	}
	var parts []string
	rest := c
	for _, n := range controlNames {
		if c.Has(n.flag) {
			parts = append(parts, n.name)
			rest &^= n.flag
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%04x", uint16(rest)))
	}
	return strings.Join(parts, "|")
}

// Packet is the 32-byte record exchanged in both directions of the link.
type Packet struct {
	Sample   uint32
	Sensor1  uint32
	Sensor2  uint32
	Sensor3  uint32
	Sensor4  uint32
	Sensor5  uint32
	RqSample uint32
	Control  Control
	CRC16    uint16
}

// IsRetrieveAck returns true if the control field is exactly the
// retrieve-acknowledge flag. Any other combination, including the all-ones
// request sentinel, is a regular frame.
func (p *Packet) IsRetrieveAck() bool {
	return p.Control == FlagRetrieveAck
}

// Body returns the 32-byte big-endian encoding of the packet. CRC16 is
// written as stored; call Seal first for outbound packets.
func (p *Packet) Body() []byte {
	return p.AppendBody(make([]byte, 0, FrameSize))
}

// AppendBody appends the 32-byte encoding of the packet to b.
func (p *Packet) AppendBody(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, p.Sample)
	b = binary.BigEndian.AppendUint32(b, p.Sensor1)
	b = binary.BigEndian.AppendUint32(b, p.Sensor2)
	b = binary.BigEndian.AppendUint32(b, p.Sensor3)
	b = binary.BigEndian.AppendUint32(b, p.Sensor4)
	b = binary.BigEndian.AppendUint32(b, p.Sensor5)
	b = binary.BigEndian.AppendUint32(b, p.RqSample)
	b = binary.BigEndian.AppendUint16(b, uint16(p.Control))
	b = binary.BigEndian.AppendUint16(b, p.CRC16)
	return b
}

// ReadFrom decodes the packet from a body of at least PacketSize bytes.
func (p *Packet) ReadFrom(body []byte) error {
	if len(body) < PacketSize {
		return fmt.Errorf("%w: body is %d bytes, need %d", ErrFrameSize, len(body), PacketSize)
	}
	p.Sample = binary.BigEndian.Uint32(body[0:4])
	p.Sensor1 = binary.BigEndian.Uint32(body[4:8])
	p.Sensor2 = binary.BigEndian.Uint32(body[8:12])
	p.Sensor3 = binary.BigEndian.Uint32(body[12:16])
	p.Sensor4 = binary.BigEndian.Uint32(body[16:20])
	p.Sensor5 = binary.BigEndian.Uint32(body[20:24])
	p.RqSample = binary.BigEndian.Uint32(body[24:28])
	p.Control = Control(binary.BigEndian.Uint16(body[28:30]))
	p.CRC16 = binary.BigEndian.Uint16(body[30:32])
	return nil
}

// Seal sets CRC16 to the checksum of the first 30 body bytes so the packet
// passes a residue check on the receiving side.
func (p *Packet) Seal() {
	body := p.Body()
	p.CRC16 = Checksum(body[:ChecksumOffset])
}

// RetrievalRequest builds the sealed sentinel packet asking the peer to
// resend sample.
//
// Outbound packets carry a real CRC so the board's residue check accepts them.
// Older hosts sent a fixed placeholder instead (0xFF here, 0 for commands), so
// the last two body bytes differ from their captures.
func RetrievalRequest(sample uint32) Packet {
	p := Packet{
		Sensor1:  SensorSentinel,
		Sensor2:  SensorSentinel,
		Sensor3:  SensorSentinel,
		Sensor4:  SensorSentinel,
		Sensor5:  SensorSentinel,
		RqSample: sample,
		Control:  ControlAll,
	}
	p.Seal()
	return p
}

// CommandPacket builds the sealed outbound packet carrying a staged command.
// value is only placed on the wire for FlagMultiplier. As with
// RetrievalRequest, the checksum field is a real CRC rather than zero.
func CommandPacket(flag Control, value uint32) Packet {
	p := Packet{Control: flag}
	if flag == FlagMultiplier {
		p.Sensor1 = value
	}
	p.Seal()
	return p
}
