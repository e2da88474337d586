package link

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
)

type SerialParams struct {
	Path     string
	BaudRate uint
}

// SerialParamsFunc resolves the port parameters at open time.
type SerialParamsFunc func(ctx context.Context) (SerialParams, error)

type SerialEndpoint struct {
	label  string
	params SerialParamsFunc

	mu   sync.Mutex
	last SerialParams
}

func NewSerialEndpoint(label string, params SerialParamsFunc) *SerialEndpoint {
	return &SerialEndpoint{label: label, params: params}
}

func (e *SerialEndpoint) Kind() Kind { return KindSerial }

func (e *SerialEndpoint) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	p, err := e.params(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigMissing, e.label, err)
	}
	if strings.TrimSpace(p.Path) == "" {
		return nil, fmt.Errorf("%w: %s: port path not set", ErrConfigMissing, e.label)
	}
	if p.BaudRate == 0 {
		return nil, fmt.Errorf("%w: %s: baud rate not set", ErrConfigMissing, e.label)
	}

	e.mu.Lock()
	e.last = p
	e.mu.Unlock()

	options := serial.OpenOptions{
		PortName:        p.Path,
		BaudRate:        p.BaudRate,
		DataBits:        8,
		StopBits:        1,
		ParityMode:      serial.PARITY_NONE,
		MinimumReadSize: 1,
	}
	port, err := serial.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", p.Path, err)
	}
	return port, nil
}

func (e *SerialEndpoint) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last.Path == "" {
		return "serial:" + e.label
	}
	return fmt.Sprintf("serial:%s@%d", e.last.Path, e.last.BaudRate)
}

type NetworkEndpoint struct {
	Address     string
	DialTimeout time.Duration
}

func NewNetworkEndpoint(host string, port int, dialTimeout time.Duration) *NetworkEndpoint {
	addr := ""
	if host != "" && port > 0 {
		addr = net.JoinHostPort(host, fmt.Sprint(port))
	}
	return &NetworkEndpoint{Address: addr, DialTimeout: dialTimeout}
}

func (e *NetworkEndpoint) Kind() Kind { return KindNetwork }

func (e *NetworkEndpoint) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	if e.Address == "" {
		return nil, fmt.Errorf("%w: tcp address not set", ErrConfigMissing)
	}
	d := net.Dialer{Timeout: e.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", e.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", e.Address, err)
	}
	return conn, nil
}

func (e *NetworkEndpoint) String() string {
	return "tcp:" + e.Address
}
