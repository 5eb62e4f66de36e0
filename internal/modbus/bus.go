package modbus

import (
	"io"
	"sync"
)

// bus is one RS-485 line shared by every slave wired to it. The line is
// half duplex, so only one request/response may be in flight.
type bus struct {
	mu   sync.Mutex
	conn io.ReadWriteCloser
	refs int
}

// dialBus returns a client on the port at t.Address, opening it on first
// use. The port closes when its last client does.
func (d *NetDialer) dialBus(t Target) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buses[t.Address]
	if !ok {
		open := d.openPort
		if open == nil {
			open = openSerial
		}
		conn, err := open(t)
		if err != nil {
			return nil, err
		}
		if d.buses == nil {
			d.buses = make(map[string]*bus)
		}
		b = &bus{conn: conn}
		d.buses[t.Address] = b
	}
	b.refs++
	return &busClient{
		rtu:     newRTUClient(b.conn, t.SlaveID, t.Timeout),
		bus:     b,
		dialer:  d,
		address: t.Address,
	}, nil
}

func (d *NetDialer) release(address string, b *bus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b.refs--
	if b.refs > 0 {
		return nil
	}
	if d.buses[address] == b {
		delete(d.buses, address)
	}
	return b.conn.Close()
}

// busClient addresses one slave on a shared line.
type busClient struct {
	rtu     *rtuClient
	bus     *bus
	dialer  *NetDialer
	address string

	closeOnce sync.Once
	closeErr  error
}

// resetter is implemented by serial ports that can discard unread input.
type resetter interface {
	ResetInputBuffer() error
}

// exchange runs one transaction with the line to itself. A failed
// transaction may leave a late reply behind, which is dropped so it cannot
// answer the next request.
func (c *busClient) exchange(fn func() error) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	err := fn()
	if err != nil {
		if r, ok := c.bus.conn.(resetter); ok {
			_ = r.ResetInputBuffer()
		}
	}
	return err
}

func (c *busClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	var out []byte
	err := c.exchange(func() error {
		var err error
		out, err = c.rtu.ReadHoldingRegisters(address, quantity)
		return err
	})
	return out, err
}

func (c *busClient) WriteSingleRegister(address, value uint16) error {
	return c.exchange(func() error { return c.rtu.WriteSingleRegister(address, value) })
}

func (c *busClient) WriteMultipleRegisters(address uint16, values []uint16) error {
	return c.exchange(func() error { return c.rtu.WriteMultipleRegisters(address, values) })
}

// Close releases the line; it never closes the shared port directly.
func (c *busClient) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.dialer.release(c.address, c.bus) })
	return c.closeErr
}
