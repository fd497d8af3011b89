package link

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/kabili207/sensorlink/core/codec"
)

var errDrained = errors.New("fake channel drained")

// fakeChannel serves reads from a list of chunks. ReadUntil never crosses a
// chunk boundary, so the end of a chunk behaves like a read timeout. ReadByte
// reads across chunks.
type fakeChannel struct {
	mu       sync.Mutex
	chunks   [][]byte
	writes   [][]byte
	resets   int
	readErr  error
	writeErr error
	block    bool
}

func newFakeChannel(chunks ...[]byte) *fakeChannel {
	return &fakeChannel{chunks: chunks}
}

func (f *fakeChannel) push(chunks ...[]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunks...)
}

func (f *fakeChannel) ReadUntil(_ context.Context, delim []byte, maxLen int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	data := []byte{}
	for len(f.chunks) > 0 && len(data) < maxLen {
		chunk := f.chunks[0]
		if len(chunk) == 0 {
			f.chunks = f.chunks[1:]
			return data, nil
		}
		data = append(data, chunk[0])
		f.chunks[0] = chunk[1:]
		if bytes.HasSuffix(data, delim) {
			break
		}
	}
	if len(f.chunks) > 0 && len(f.chunks[0]) == 0 {
		f.chunks = f.chunks[1:]
	}
	return data, nil
}

func (f *fakeChannel) ReadByte(ctx context.Context) (byte, error) {
	f.mu.Lock()
	if f.readErr != nil {
		f.mu.Unlock()
		return 0, f.readErr
	}
	for len(f.chunks) > 0 {
		if len(f.chunks[0]) == 0 {
			f.chunks = f.chunks[1:]
			continue
		}
		b := f.chunks[0][0]
		f.chunks[0] = f.chunks[0][1:]
		if len(f.chunks[0]) == 0 {
			f.chunks = f.chunks[1:]
		}
		f.mu.Unlock()
		return b, nil
	}
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return 0, errDrained
}

func (f *fakeChannel) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, bytes.Clone(p))
	return nil
}

func (f *fakeChannel) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

// written decodes every frame written so far.
func (f *fakeChannel) written() []codec.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	pkts := make([]codec.Packet, 0, len(f.writes))
	for _, w := range f.writes {
		p, err := codec.DecodeFrame(w)
		if err != nil {
			panic(err)
		}
		pkts = append(pkts, p)
	}
	return pkts
}

func (f *fakeChannel) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

func terminator() []byte {
	return bytes.Clone(codec.Terminator[:])
}

// validFrame returns a sealed telemetry frame.
func validFrame(sample uint32, control codec.Control) []byte {
	p := codec.Packet{Sample: sample, Sensor1: sample * 10, Sensor2: 2, Sensor3: 3, Sensor4: 4, Sensor5: 5, Control: control}
	p.Seal()
	return codec.EncodeFrame(&p)
}

// corruptFrame returns a frame claiming sample whose checksum does not match.
func corruptFrame(sample uint32) []byte {
	frame := validFrame(sample, 0)
	frame[8] ^= 0x10
	return frame
}
