// Package modbustest provides an in-memory register bank for tests of code
// that talks to field devices.
package modbustest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"minefleet/internal/data"
	"minefleet/internal/modbus"
)

// Write is one recorded register write.
type Write struct {
	Address uint16
	Values  []uint16
}

// Device is a fake slave holding a register bank.
type Device struct {
	mu        sync.Mutex
	registers map[uint16]uint16
	writes    []Write

	// ReadErr and WriteErr, when set, fail every read or write.
	ReadErr  error
	WriteErr error
	// Hold, when non-nil, blocks every read until it is closed.
	Hold chan struct{}
}

func NewDevice() *Device {
	return &Device{registers: make(map[uint16]uint16)}
}

// Set stores words starting at address.
func (d *Device) Set(address uint16, words ...uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, w := range words {
		d.registers[address+uint16(i)] = w
	}
}

// Writes returns the writes received so far.
func (d *Device) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Write(nil), d.writes...)
}

// Dialer connects targets to fake devices by address.
type Dialer struct {
	mu      sync.Mutex
	devices map[string]*Device
	dials   int
}

func NewDialer() *Dialer {
	return &Dialer{devices: make(map[string]*Device)}
}

func (d *Dialer) Attach(address string, dev *Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[address] = dev
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *Dialer) Dial(_ context.Context, t modbus.Target) (modbus.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	dev, ok := d.devices[t.Address]
	if !ok {
		return nil, fmt.Errorf("%w: dial %s: connection refused", data.ErrTransportFailure, t.Address)
	}
	return &client{dev: dev}, nil
}

type client struct {
	dev *Device
}

func (c *client) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	if c.dev.Hold != nil {
		<-c.dev.Hold
	}
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	if c.dev.ReadErr != nil {
		return nil, c.dev.ReadErr
	}
	out := make([]byte, int(quantity)*2)
	for i := uint16(0); i < quantity; i++ {
		binary.BigEndian.PutUint16(out[i*2:], c.dev.registers[address+i])
	}
	return out, nil
}

func (c *client) WriteSingleRegister(address, value uint16) error {
	return c.WriteMultipleRegisters(address, []uint16{value})
}

func (c *client) WriteMultipleRegisters(address uint16, values []uint16) error {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	if c.dev.WriteErr != nil {
		return c.dev.WriteErr
	}
	c.dev.writes = append(c.dev.writes, Write{Address: address, Values: append([]uint16(nil), values...)})
	for i, v := range values {
		c.dev.registers[address+uint16(i)] = v
	}
	return nil
}

func (c *client) Close() error { return nil }
