// Package serial provides a serial Port for connecting to sensor link devices.
//
// The device streams fixed 36-byte frames terminated by "END\0". This package
// only moves bytes: reads are terminator-bounded and capped, and every read
// polls with a short timeout so blocked reads observe context cancellation
// without closing the device.
package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/sensorlink/transport"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Compile-time interface check.
var _ transport.Port = (*Port)(nil)

const (
	// DefaultBaudRate is the default baud rate of the sensor board.
	DefaultBaudRate = 115200

	// DefaultReadTimeout bounds a single poll of the device. An idle poll with
	// nothing accumulated ends ReadUntil with an empty result.
	DefaultReadTimeout = 100 * time.Millisecond
)

var errNoPorts = errors.New("no serial ports found")

// Config holds the configuration for a serial Port.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3"). If empty,
	// Open picks the first enumerated port.
	Port string
	// BaudRate is the serial baud rate. Defaults to 115200.
	BaudRate int
	// ReadTimeout is the poll interval for reads. Defaults to 100ms.
	ReadTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Port implements transport.Port over a serial connection.
type Port struct {
	cfg  Config
	log  *slog.Logger
	mu   sync.RWMutex
	port serial.Port
	name string

	// openFn and listFn allow substituting the device layer in tests.
	openFn func(name string, mode *serial.Mode) (serial.Port, error)
	listFn func() ([]*enumerator.PortDetails, error)
}

// New creates a new serial Port with the given configuration.
func New(cfg Config) *Port {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Port{
		cfg:    cfg,
		log:    cfg.Logger.WithGroup("serial"),
		openFn: serial.Open,
		listFn: enumerator.GetDetailedPortsList,
	}
}

// Discover returns the name of the first available serial port, preferring
// USB adapters.
func Discover() (string, error) {
	return discover(enumerator.GetDetailedPortsList)
}

func discover(listFn func() ([]*enumerator.PortDetails, error)) (string, error) {
	ports, err := listFn()
	if err != nil {
		return "", fmt.Errorf("listing serial ports: %w", err)
	}
	if len(ports) == 0 {
		return "", errNoPorts
	}
	for _, p := range ports {
		if p.IsUSB {
			return p.Name, nil
		}
	}
	return ports[0].Name, nil
}

// Name returns the port path in use, which may have been discovered by Open.
func (p *Port) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.name != "" {
		return p.name
	}
	return p.cfg.Port
}

// Open opens the serial device.
func (p *Port) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name := p.cfg.Port
	if name == "" {
		found, err := discover(p.listFn)
		if err != nil {
			return fmt.Errorf("%w: %w", transport.ErrUnavailable, err)
		}
		name = found
	}

	port, err := p.openFn(name, &serial.Mode{BaudRate: p.cfg.BaudRate})
	if err != nil {
		return fmt.Errorf("%w: opening serial port %s: %w", transport.ErrUnavailable, name, err)
	}
	if err := port.SetReadTimeout(p.cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("%w: setting read timeout: %w", transport.ErrUnavailable, err)
	}

	p.mu.Lock()
	p.port = port
	p.name = name
	p.mu.Unlock()

	p.log.Info("opened serial port", "port", name, "baud", p.cfg.BaudRate)
	return nil
}

// Close closes the serial device.
func (p *Port) Close() error {
	p.mu.Lock()
	port := p.port
	p.port = nil
	p.mu.Unlock()

	if port == nil {
		return nil
	}
	p.log.Info("closing serial port", "port", p.Name())
	return port.Close()
}

// IsOpen returns true if the serial device is open.
func (p *Port) IsOpen() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.port != nil
}

func (p *Port) current() (serial.Port, error) {
	p.mu.RLock()
	port := p.port
	p.mu.RUnlock()
	if port == nil {
		return nil, fmt.Errorf("%w: not connected", transport.ErrUnavailable)
	}
	return port, nil
}

// ReadUntil reads one byte at a time until delim is seen or maxLen bytes have
// been read. A poll that times out ends the read with whatever accumulated.
//
// A pause longer than ReadTimeout in the middle of a frame therefore ends the
// read early. The session sees a short read and resynchronizes rather than
// waiting for the rest of the frame.
func (p *Port) ReadUntil(ctx context.Context, delim []byte, maxLen int) ([]byte, error) {
	port, err := p.current()
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, maxLen)
	var one [1]byte
	for len(data) < maxLen {
		if err := ctx.Err(); err != nil {
			return data, err
		}
		n, err := port.Read(one[:])
		if err != nil {
			return data, fmt.Errorf("%w: reading serial port: %w", transport.ErrUnavailable, err)
		}
		if n == 0 {
			return data, nil
		}
		data = append(data, one[0])
		if len(delim) > 0 && bytes.HasSuffix(data, delim) {
			break
		}
	}
	return data, nil
}

// ReadByte blocks until a byte arrives, polling so ctx is honored.
func (p *Port) ReadByte(ctx context.Context) (byte, error) {
	port, err := p.current()
	if err != nil {
		return 0, err
	}

	var one [1]byte
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := port.Read(one[:])
		if err != nil {
			return 0, fmt.Errorf("%w: reading serial port: %w", transport.ErrUnavailable, err)
		}
		if n == 1 {
			return one[0], nil
		}
	}
}

// Write writes p to the serial device.
func (p *Port) Write(data []byte) error {
	port, err := p.current()
	if err != nil {
		return err
	}

	for len(data) > 0 {
		n, err := port.Write(data)
		if err != nil {
			return fmt.Errorf("%w: writing to serial port: %w", transport.ErrUnavailable, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: writing to serial port: %w", transport.ErrUnavailable, io.ErrShortWrite)
		}
		data = data[n:]
	}
	return nil
}

// ResetInputBuffer discards bytes received by the driver but not yet read.
func (p *Port) ResetInputBuffer() error {
	port, err := p.current()
	if err != nil {
		return err
	}
	if err := port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("%w: resetting input buffer: %w", transport.ErrUnavailable, err)
	}
	return nil
}
