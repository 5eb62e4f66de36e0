package modbus

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// multidrop answers read requests for any slave on one line, echoing the
// slave id as the register value.
func multidrop(conn net.Conn) {
	for {
		req := make([]byte, 8)
		if err := readFull(conn, req); err != nil {
			return
		}
		time.Sleep(time.Millisecond)
		if _, err := conn.Write(buildFrame(req[0], fcReadHolding, 2, 0x00, req[0])); err != nil {
			return
		}
	}
}

func TestSerialDevicesShareOneLine(t *testing.T) {
	clientSide, deviceSide := net.Pipe()
	defer deviceSide.Close()
	go multidrop(deviceSide)

	var mu sync.Mutex
	opens := 0
	d := &NetDialer{openPort: func(Target) (io.ReadWriteCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		return clientSide, nil
	}}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, slave := range []byte{3, 7} {
		c, err := d.Dial(context.Background(), Target{Mode: ModeSerial, Address: "/dev/ttyRS485", SlaveID: slave, Timeout: time.Second})
		if err != nil {
			t.Fatalf("dial slave %d: %v", slave, err)
		}
		defer c.Close()
		wg.Add(1)
		go func(c Client, slave byte) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				out, err := c.ReadHoldingRegisters(0x0000, 1)
				if err != nil {
					errs <- err
					return
				}
				if out[1] != slave {
					t.Errorf("slave %d got a reply meant for %d", slave, out[1])
					return
				}
			}
		}(c, slave)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("read: %v", err)
	}
	if opens != 1 {
		t.Fatalf("expected the port to be opened once, got %d", opens)
	}
}

type countingPort struct {
	bytes.Buffer
	closes int
}

func (p *countingPort) Close() error { p.closes++; return nil }

func TestSerialPortClosesWithLastClient(t *testing.T) {
	opened := 0
	var last *countingPort
	d := &NetDialer{openPort: func(Target) (io.ReadWriteCloser, error) {
		opened++
		last = &countingPort{}
		return last, nil
	}}
	target := Target{Mode: ModeSerial, Address: "/dev/ttyRS485", SlaveID: 1}

	a, err := d.Dial(context.Background(), target)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	b, err := d.Dial(context.Background(), target)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	a.Close()
	a.Close()
	if len(d.buses) != 1 {
		t.Fatalf("expected the line to stay open while a client holds it")
	}
	b.Close()
	if len(d.buses) != 0 {
		t.Fatalf("expected the line to be released")
	}
	if last.closes != 1 {
		t.Fatalf("expected the port to be closed once, got %d", last.closes)
	}

	c, err := d.Dial(context.Background(), target)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if opened != 2 {
		t.Fatalf("expected a fresh open after release, got %d opens", opened)
	}
}
