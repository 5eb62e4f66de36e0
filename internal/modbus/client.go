// Package modbus opens connections to field devices and exposes the
// holding-register operations the poller and executor need.
package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"go.bug.st/serial"

	"minefleet/internal/data"
)

// Mode selects the framing and physical link.
type Mode string

const (
	ModeTCP        Mode = "tcp"     // Modbus/TCP (MBAP header)
	ModeRTUOverTCP Mode = "rtu-tcp" // RTU frames through a serial-to-ethernet bridge
	ModeSerial     Mode = "serial"  // RTU over a local RS-485 port
)

const defaultTimeout = 5 * time.Second

// Target addresses one device.
type Target struct {
	Mode     Mode
	Address  string // host:port, or the serial device path
	SlaveID  byte
	BaudRate int
	Timeout  time.Duration
}

// Client is an open connection to one device. Implementations are not safe
// for concurrent use.
type Client interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) error
	WriteMultipleRegisters(address uint16, values []uint16) error
	Close() error
}

// Dialer opens device connections.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Client, error)
}

// NetDialer is the production Dialer. Devices on one serial port share a
// single open handle; see bus.go. The zero value is ready to use and must
// not be copied after first use.
type NetDialer struct {
	mu    sync.Mutex
	buses map[string]*bus
	// openPort opens a serial line. Nil means openSerial.
	openPort func(Target) (io.ReadWriteCloser, error)
}

func (d *NetDialer) Dial(ctx context.Context, t Target) (Client, error) {
	if t.Timeout <= 0 {
		t.Timeout = defaultTimeout
	}
	switch t.Mode {
	case ModeTCP, "":
		return dialTCP(t)
	case ModeRTUOverTCP:
		nd := net.Dialer{Timeout: t.Timeout}
		conn, err := nd.DialContext(ctx, "tcp", t.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", data.ErrTransportFailure, t.Address, err)
		}
		return newRTUClient(conn, t.SlaveID, t.Timeout), nil
	case ModeSerial:
		return d.dialBus(t)
	default:
		return nil, fmt.Errorf("%w: connection mode %q", data.ErrUnsupportedOperation, t.Mode)
	}
}

func openSerial(t Target) (io.ReadWriteCloser, error) {
	baud := t.BaudRate
	if baud == 0 {
		baud = 9600
	}
	port, err := serial.Open(t.Address, &serial.Mode{BaudRate: baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", data.ErrTransportFailure, t.Address, err)
	}
	if err := port.SetReadTimeout(t.Timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: configure %s: %v", data.ErrTransportFailure, t.Address, err)
	}
	return port, nil
}

type tcpClient struct {
	handler *gomodbus.TCPClientHandler
	client  gomodbus.Client
}

func dialTCP(t Target) (Client, error) {
	handler := gomodbus.NewTCPClientHandler(t.Address)
	handler.Timeout = t.Timeout
	handler.SlaveId = t.SlaveID
	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", data.ErrTransportFailure, t.Address, err)
	}
	return &tcpClient{handler: handler, client: gomodbus.NewClient(handler)}, nil
}

func (c *tcpClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	out, err := c.client.ReadHoldingRegisters(address, quantity)
	if err != nil {
		return nil, fmt.Errorf("%w: read 0x%04X: %v", data.ErrTransportFailure, address, err)
	}
	return out, nil
}

func (c *tcpClient) WriteSingleRegister(address, value uint16) error {
	if _, err := c.client.WriteSingleRegister(address, value); err != nil {
		return fmt.Errorf("%w: write 0x%04X: %v", data.ErrTransportFailure, address, err)
	}
	return nil
}

func (c *tcpClient) WriteMultipleRegisters(address uint16, values []uint16) error {
	if _, err := c.client.WriteMultipleRegisters(address, uint16(len(values)), wordsToBytes(values)); err != nil {
		return fmt.Errorf("%w: write 0x%04X: %v", data.ErrTransportFailure, address, err)
	}
	return nil
}

func (c *tcpClient) Close() error {
	return c.handler.Close()
}

func wordsToBytes(values []uint16) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(out[i*2:], v)
	}
	return out
}
