package link

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/kabili207/sensorlink/core/codec"
	"github.com/kabili207/sensorlink/transport"
)

var _ transport.Port = (*fakePort)(nil)

// fakePort serves reads from scripted chunks. ReadUntil never crosses a chunk
// boundary, and an empty queue behaves like an idle line. readErr is returned
// once when the queue runs dry.
type fakePort struct {
	mu       sync.Mutex
	openErrs []error
	opens    int
	closes   int
	open     bool
	chunks   [][]byte
	writes   [][]byte
	readErr  error
}

func (f *fakePort) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		if err != nil {
			return err
		}
	}
	f.open = true
	return nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.open = false
	return nil
}

func (f *fakePort) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// drained reports the pending read error, if the queue is empty.
func (f *fakePort) drained() (bool, error) {
	for len(f.chunks) > 0 && len(f.chunks[0]) == 0 {
		f.chunks = f.chunks[1:]
	}
	if len(f.chunks) > 0 {
		return false, nil
	}
	err := f.readErr
	f.readErr = nil
	return true, err
}

func (f *fakePort) ReadUntil(ctx context.Context, delim []byte, maxLen int) ([]byte, error) {
	f.mu.Lock()
	empty, err := f.drained()
	if empty {
		f.mu.Unlock()
		if err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
			return nil, nil
		}
	}
	defer f.mu.Unlock()

	chunk := f.chunks[0]
	data := []byte{}
	for len(chunk) > 0 && len(data) < maxLen {
		data = append(data, chunk[0])
		chunk = chunk[1:]
		if bytes.HasSuffix(data, delim) {
			break
		}
	}
	f.chunks[0] = chunk
	return data, nil
}

func (f *fakePort) ReadByte(ctx context.Context) (byte, error) {
	for {
		f.mu.Lock()
		empty, err := f.drained()
		if !empty {
			b := f.chunks[0][0]
			f.chunks[0] = f.chunks[0][1:]
			f.mu.Unlock()
			return b, nil
		}
		f.mu.Unlock()
		if err != nil {
			return 0, err
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (f *fakePort) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, bytes.Clone(p))
	return nil
}

func (f *fakePort) ResetInputBuffer() error {
	return nil
}

func (f *fakePort) push(chunks ...[]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunks...)
}

func (f *fakePort) written() []codec.Packet {
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

func (f *fakePort) counts() (opens, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes
}

func terminator() []byte {
	return bytes.Clone(codec.Terminator[:])
}

func validFrame(sample uint32, control codec.Control) []byte {
	p := codec.Packet{Sample: sample, Sensor1: sample * 10, Control: control}
	p.Seal()
	return codec.EncodeFrame(&p)
}

func corruptFrame(sample uint32) []byte {
	frame := validFrame(sample, 0)
	frame[8] ^= 0x01
	return frame
}
