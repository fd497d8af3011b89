package serial

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/sensorlink/core/codec"
	"github.com/kabili207/sensorlink/transport"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// fakeSerial scripts the device side of a serial.Port. Each Read returns one
// queued byte; an empty queue behaves like a poll timeout.
type fakeSerial struct {
	serial.Port

	mu          sync.Mutex
	rx          []byte
	tx          bytes.Buffer
	readErr     error
	closed      bool
	resets      int
	readTimeout time.Duration
}

func (f *fakeSerial) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, errors.New("port closed")
	}
	if f.readErr != nil {
		return 0, f.readErr
	}
	if len(f.rx) == 0 {
		return 0, nil
	}
	n := copy(p, f.rx)
	f.rx = f.rx[n:]
	return n, nil
}

func (f *fakeSerial) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tx.Write(p)
}

func (f *fakeSerial) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.rx = nil
	return nil
}

func (f *fakeSerial) SetReadTimeout(t time.Duration) error {
	f.readTimeout = t
	return nil
}

func (f *fakeSerial) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func openFake(t *testing.T, rx []byte) (*Port, *fakeSerial) {
	t.Helper()
	fake := &fakeSerial{rx: rx}
	p := New(Config{Port: "/dev/ttyTEST"})
	p.openFn = func(name string, mode *serial.Mode) (serial.Port, error) {
		if name != "/dev/ttyTEST" {
			t.Errorf("opened %q, want /dev/ttyTEST", name)
		}
		if mode.BaudRate != DefaultBaudRate {
			t.Errorf("baud = %d, want %d", mode.BaudRate, DefaultBaudRate)
		}
		return fake, nil
	}
	if err := p.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return p, fake
}

func TestNew_Defaults(t *testing.T) {
	p := New(Config{Port: "/dev/ttyUSB0"})
	if p.cfg.BaudRate != DefaultBaudRate {
		t.Errorf("expected default baud rate %d, got %d", DefaultBaudRate, p.cfg.BaudRate)
	}
	if p.cfg.ReadTimeout != DefaultReadTimeout {
		t.Errorf("expected default read timeout %v, got %v", DefaultReadTimeout, p.cfg.ReadTimeout)
	}
	if p.log == nil {
		t.Error("expected logger to be set")
	}
	if p.IsOpen() {
		t.Error("new port should not be open")
	}
}

func TestOpen_SetsReadTimeout(t *testing.T) {
	p, fake := openFake(t, nil)
	if !p.IsOpen() {
		t.Fatal("expected port open")
	}
	if fake.readTimeout != DefaultReadTimeout {
		t.Errorf("read timeout = %v, want %v", fake.readTimeout, DefaultReadTimeout)
	}
}

func TestOpen_Failure(t *testing.T) {
	p := New(Config{Port: "/dev/ttyMISSING"})
	p.openFn = func(string, *serial.Mode) (serial.Port, error) {
		return nil, errors.New("no such device")
	}
	err := p.Open(context.Background())
	if !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("Open() error = %v, want ErrUnavailable", err)
	}
	if p.IsOpen() {
		t.Error("port should not be open after failure")
	}
}

func TestOpen_DiscoversPort(t *testing.T) {
	p := New(Config{})
	p.listFn = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{{Name: "/dev/ttyS0"}, {Name: "/dev/ttyACM0", IsUSB: true}}, nil
	}
	var opened string
	p.openFn = func(name string, _ *serial.Mode) (serial.Port, error) {
		opened = name
		return &fakeSerial{}, nil
	}

	if err := p.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if opened != "/dev/ttyACM0" {
		t.Errorf("opened %q, want /dev/ttyACM0", opened)
	}
	if p.Name() != "/dev/ttyACM0" {
		t.Errorf("Name() = %q, want /dev/ttyACM0", p.Name())
	}
}

func TestDiscover(t *testing.T) {
	tests := []struct {
		name    string
		ports   []*enumerator.PortDetails
		want    string
		wantErr bool
	}{
		{
			name:    "no ports",
			ports:   nil,
			wantErr: true,
		},
		{
			name:  "first port without usb",
			ports: []*enumerator.PortDetails{{Name: "/dev/ttyS0"}, {Name: "/dev/ttyS1"}},
			want:  "/dev/ttyS0",
		},
		{
			name:  "usb preferred",
			ports: []*enumerator.PortDetails{{Name: "COM1"}, {Name: "COM4", IsUSB: true}},
			want:  "COM4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := discover(func() ([]*enumerator.PortDetails, error) { return tt.ports, nil })
			if (err != nil) != tt.wantErr {
				t.Fatalf("discover() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("discover() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadUntil(t *testing.T) {
	frame := codec.EncodeFrame(&codec.Packet{Sample: 5})

	tests := []struct {
		name string
		rx   []byte
		want []byte
	}{
		{
			name: "full frame",
			rx:   frame,
			want: frame,
		},
		{
			name: "stops at terminator",
			rx:   append([]byte{0x01, 0x02, 0x45, 0x4E, 0x44, 0x00}, frame...),
			want: []byte{0x01, 0x02, 0x45, 0x4E, 0x44, 0x00},
		},
		{
			name: "capped at frame size",
			rx:   bytes.Repeat([]byte{0xAA}, 50),
			want: bytes.Repeat([]byte{0xAA}, codec.FrameSize),
		},
		{
			name: "partial on timeout",
			rx:   frame[:10],
			want: frame[:10],
		},
		{
			name: "idle",
			rx:   nil,
			want: []byte{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := openFake(t, bytes.Clone(tt.rx))
			got, err := p.ReadUntil(context.Background(), codec.Terminator[:], codec.FrameSize)
			if err != nil {
				t.Fatalf("ReadUntil() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("ReadUntil() = % x, want % x", got, tt.want)
			}
		})
	}
}

func TestReadUntil_GapEndsFrameEarly(t *testing.T) {
	frame := codec.EncodeFrame(&codec.Packet{Sample: 5})
	p, fake := openFake(t, bytes.Clone(frame[:20]))

	first, err := p.ReadUntil(context.Background(), codec.Terminator[:], codec.FrameSize)
	if err != nil {
		t.Fatalf("ReadUntil() error = %v", err)
	}
	if len(first) != 20 {
		t.Fatalf("first read = %d bytes, want 20 (poll timeout mid-frame)", len(first))
	}

	// The rest of the frame arrives after the poll gave up.
	fake.mu.Lock()
	fake.rx = bytes.Clone(frame[20:])
	fake.mu.Unlock()

	rest, err := p.ReadUntil(context.Background(), codec.Terminator[:], codec.FrameSize)
	if err != nil {
		t.Fatalf("ReadUntil() error = %v", err)
	}
	if !bytes.Equal(rest, frame[20:]) {
		t.Errorf("second read = % x, want % x", rest, frame[20:])
	}
}

func TestReadUntil_Cancelled(t *testing.T) {
	p, _ := openFake(t, []byte{0x01, 0x02})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.ReadUntil(ctx, codec.Terminator[:], codec.FrameSize)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ReadUntil() error = %v, want context.Canceled", err)
	}
}

func TestReadUntil_DeviceError(t *testing.T) {
	p, fake := openFake(t, nil)
	fake.readErr = errors.New("device unplugged")

	_, err := p.ReadUntil(context.Background(), codec.Terminator[:], codec.FrameSize)
	if !errors.Is(err, transport.ErrUnavailable) {
		t.Errorf("ReadUntil() error = %v, want ErrUnavailable", err)
	}
}

func TestReadByte_WaitsForData(t *testing.T) {
	p, fake := openFake(t, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		fake.mu.Lock()
		fake.rx = []byte{0x45}
		fake.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := p.ReadByte(ctx)
	if err != nil {
		t.Fatalf("ReadByte() error = %v", err)
	}
	if b != 0x45 {
		t.Errorf("ReadByte() = %02x, want 45", b)
	}
}

func TestReadByte_Timeout(t *testing.T) {
	p, _ := openFake(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.ReadByte(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ReadByte() error = %v, want DeadlineExceeded", err)
	}
}

func TestWriteAndReset(t *testing.T) {
	p, fake := openFake(t, []byte{0x01, 0x02, 0x03})

	frame := codec.EncodeFrame(&codec.Packet{Sample: 1})
	if err := p.Write(frame); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !bytes.Equal(fake.tx.Bytes(), frame) {
		t.Errorf("written = % x, want % x", fake.tx.Bytes(), frame)
	}

	if err := p.ResetInputBuffer(); err != nil {
		t.Fatalf("ResetInputBuffer() error = %v", err)
	}
	if fake.resets != 1 || len(fake.rx) != 0 {
		t.Errorf("resets = %d, pending rx = %d", fake.resets, len(fake.rx))
	}
}

func TestNotConnected(t *testing.T) {
	p := New(Config{Port: "/dev/null"})

	if err := p.Write([]byte{0x00}); !errors.Is(err, transport.ErrUnavailable) {
		t.Errorf("Write() error = %v, want ErrUnavailable", err)
	}
	if _, err := p.ReadUntil(context.Background(), nil, 4); !errors.Is(err, transport.ErrUnavailable) {
		t.Errorf("ReadUntil() error = %v, want ErrUnavailable", err)
	}
	if err := p.ResetInputBuffer(); !errors.Is(err, transport.ErrUnavailable) {
		t.Errorf("ResetInputBuffer() error = %v, want ErrUnavailable", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() on unopened port = %v", err)
	}
}

func TestClose(t *testing.T) {
	p, fake := openFake(t, nil)
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !fake.closed {
		t.Error("device should be closed")
	}
	if p.IsOpen() {
		t.Error("port should report closed")
	}
}
