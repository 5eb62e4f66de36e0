package modbus

import (
	"errors"
	"fmt"
	"io"
	"time"

	"minefleet/internal/data"
)

const (
	fcReadHolding   byte = 0x03
	fcWriteSingle   byte = 0x06
	fcWriteMultiple byte = 0x10
)

var errReadTimeout = errors.New("read timeout")

// rtuClient speaks Modbus RTU over any byte stream: a TCP socket to a
// serial bridge or a local serial port.
type rtuClient struct {
	conn    io.ReadWriteCloser
	slaveID byte
	timeout time.Duration
}

func newRTUClient(conn io.ReadWriteCloser, slaveID byte, timeout time.Duration) *rtuClient {
	return &rtuClient{conn: conn, slaveID: slaveID, timeout: timeout}
}

func computeCRC(frame []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range frame {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// buildFrame appends the CRC, low byte first.
func buildFrame(slaveID, function byte, payload ...byte) []byte {
	frame := append([]byte{slaveID, function}, payload...)
	crc := computeCRC(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

func (c *rtuClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	req := buildFrame(c.slaveID, fcReadHolding, byte(address>>8), byte(address), byte(quantity>>8), byte(quantity))
	resp, err := c.transact(req)
	if err != nil {
		return nil, fmt.Errorf("%w: read 0x%04X: %v", data.ErrTransportFailure, address, err)
	}
	byteCount := int(resp[2])
	if byteCount != int(quantity)*2 {
		return nil, fmt.Errorf("%w: read 0x%04X: expected %d bytes, got %d", data.ErrTransportFailure, address, quantity*2, byteCount)
	}
	return resp[3 : 3+byteCount], nil
}

func (c *rtuClient) WriteSingleRegister(address, value uint16) error {
	req := buildFrame(c.slaveID, fcWriteSingle, byte(address>>8), byte(address), byte(value>>8), byte(value))
	if _, err := c.transact(req); err != nil {
		return fmt.Errorf("%w: write 0x%04X: %v", data.ErrTransportFailure, address, err)
	}
	return nil
}

func (c *rtuClient) WriteMultipleRegisters(address uint16, values []uint16) error {
	count := uint16(len(values))
	payload := []byte{byte(address >> 8), byte(address), byte(count >> 8), byte(count), byte(count * 2)}
	payload = append(payload, wordsToBytes(values)...)
	req := buildFrame(c.slaveID, fcWriteMultiple, payload...)
	if _, err := c.transact(req); err != nil {
		return fmt.Errorf("%w: write 0x%04X: %v", data.ErrTransportFailure, address, err)
	}
	return nil
}

func (c *rtuClient) Close() error {
	return c.conn.Close()
}

// transact writes one request frame and reads back the matching response.
func (c *rtuClient) transact(req []byte) ([]byte, error) {
	if d, ok := c.conn.(interface{ SetDeadline(time.Time) error }); ok {
		if err := d.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, err
		}
	}
	if _, err := c.conn.Write(req); err != nil {
		return nil, err
	}

	head := make([]byte, 3)
	if err := readFull(c.conn, head); err != nil {
		return nil, err
	}
	if head[0] != req[0] {
		return nil, fmt.Errorf("response from slave %d, expected %d", head[0], req[0])
	}

	var total int
	switch {
	case head[1] == req[1]|0x80:
		total = 5
	case head[1] != req[1]:
		return nil, fmt.Errorf("unexpected function code 0x%02X", head[1])
	case req[1] == fcReadHolding:
		total = 3 + int(head[2]) + 2
	default:
		total = 8
	}

	frame := make([]byte, total)
	copy(frame, head)
	if err := readFull(c.conn, frame[3:]); err != nil {
		return nil, err
	}
	crc := computeCRC(frame[:total-2])
	if frame[total-2] != byte(crc&0xFF) || frame[total-1] != byte(crc>>8) {
		return nil, fmt.Errorf("crc mismatch")
	}
	if head[1]&0x80 != 0 {
		return nil, fmt.Errorf("exception code 0x%02X", head[2])
	}
	return frame, nil
}

// readFull fills buf. A zero-length read without error is how serial ports
// report their read timeout.
func readFull(r io.Reader, buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := r.Read(buf[off:])
		off += n
		if err != nil {
			return err
		}
		if n == 0 {
			return errReadTimeout
		}
	}
	return nil
}
