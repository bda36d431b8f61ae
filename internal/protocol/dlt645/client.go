package dlt645

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/emsgateway/simulator/internal/capture"
	"github.com/goburrow/serial"
)

// Config configures a DL/T 645 link, over either a TCP-to-serial gateway
// or a direct RS-485 port.
type Config struct {
	// Kind is "tcp" or "serial".
	Kind     string
	Endpoint string
	Serial   SerialParams
	// MeterAddress is this link's 12-digit decimal meter address.
	MeterAddress string
	// Timeout bounds a single request/response round trip.
	Timeout time.Duration
}

// SerialParams mirrors goburrow/serial.Config, matching the style of the
// modbus package's own SerialParams.
type SerialParams struct {
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
}

func (s SerialParams) withDefaults() SerialParams {
	if s.BaudRate == 0 {
		s.BaudRate = 9600
	}
	if s.DataBits == 0 {
		s.DataBits = 8
	}
	if s.StopBits == 0 {
		s.StopBits = 1
	}
	if s.Parity == "" {
		s.Parity = "E" // even parity is the DL/T 645 convention
	}
	return s
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
	return c
}

func dial(cfg Config) (io.ReadWriteCloser, error) {
	switch cfg.Kind {
	case "tcp":
		return net.DialTimeout("tcp", cfg.Endpoint, cfg.Timeout)
	case "serial":
		p := cfg.Serial.withDefaults()
		return serial.Open(&serial.Config{
			Address:  cfg.Endpoint,
			BaudRate: p.BaudRate,
			DataBits: p.DataBits,
			StopBits: p.StopBits,
			Parity:   p.Parity,
			Timeout:  cfg.Timeout,
		})
	}
	return nil, ErrBadStart
}

// Client is the master side: it opens one connection and issues strictly
// sequential request/response exchanges, matching the half-duplex nature
// of an RS-485 meter bus (no pipelining, unlike the modbus client).
type Client struct {
	Config Config
	// Capture, if set, records the real frame bytes of every request/
	// response round trip made through ReadData/WriteData.
	Capture *capture.Ring

	mu   sync.Mutex
	conn io.ReadWriteCloser
	addr Address
}

// recordTX records req as the outbound frame of a round trip, if a
// capture ring is attached.
func (c *Client) recordTX(req []byte) {
	if c.Capture != nil {
		c.Capture.RecordTX(req, "")
	}
}

// recordRX records res as the inbound frame (or outcome, on failure) of
// the most recent round trip, if a capture ring is attached.
func (c *Client) recordRX(res []byte, err error) {
	if c.Capture == nil {
		return
	}
	if err != nil {
		c.Capture.RecordRX(res, "error: "+err.Error())
		return
	}
	c.Capture.RecordRX(res, "ok")
}

func (c *Client) ensure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	addr, err := ParseAddress(c.Config.MeterAddress)
	if err != nil {
		return err
	}
	conn, err := dial(c.Config.withDefaults())
	if err != nil {
		return err
	}
	c.conn, c.addr = conn, addr
	return nil
}

// Connected reports whether the client holds an open connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Disconnect closes the connection; the next request reopens it.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// ReadData issues a C_READ_DATA request for di and returns the integer
// decoded from the width BCD bytes that follow the DI in the response.
// No decimal scaling is applied.
func (c *Client) ReadData(di uint32, width int) (val int64, err error) {
	var req, res []byte
	defer func() {
		c.recordTX(req)
		c.recordRX(res, err)
	}()

	if err = c.ensure(); err != nil {
		return 0, err
	}
	req, err = encode(c.addr, cReadData, diBytes(di))
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err = c.write(req); err != nil {
		return 0, err
	}
	res, err = c.readFrame()
	if err != nil {
		return 0, err
	}
	d, err := decode(res)
	if err != nil {
		return 0, err
	}
	if d.Addr != c.addr {
		return 0, ErrAddrMismatch
	}
	if d.Control&cErrMask != 0 {
		return 0, ErrNegativeAck
	}
	if len(d.Data) < 4+width {
		return 0, ErrShortFrame
	}
	return decodeBCD(d.Data[4 : 4+width]), nil
}

// WriteData issues a C_WRITE_DATA request for a parameter DI (DL/T 645
// only permits writing the 0x04xxxxxx parameter class; the caller is
// responsible for only calling this on those DIs).
func (c *Client) WriteData(di uint32, value int64, width int, password []byte) (err error) {
	var req, res []byte
	defer func() {
		c.recordTX(req)
		c.recordRX(res, err)
	}()

	if err = c.ensure(); err != nil {
		return err
	}
	payload := append(diBytes(di), password...)
	payload = append(payload, encodeBCD(value, width)...)
	req, err = encode(c.addr, cWriteData, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err = c.write(req); err != nil {
		return err
	}
	res, err = c.readFrame()
	if err != nil {
		return err
	}
	d, err := decode(res)
	if err != nil {
		return err
	}
	if d.Control&cErrMask != 0 {
		return ErrNegativeAck
	}
	return nil
}

func (c *Client) write(b []byte) error {
	_, err := c.conn.Write(b)
	return err
}

// readFrame reads one ADU: the leading 0x68, the 6-byte address, a second
// 0x68, control, length, the data field, checksum and end byte.
func (c *Client) readFrame() ([]byte, error) {
	hdr := make([]byte, 10)
	if err := readFull(c.conn, hdr); err != nil {
		return nil, err
	}
	l := int(hdr[9])
	rest := make([]byte, l+2)
	if err := readFull(c.conn, rest); err != nil {
		return nil, err
	}
	return append(hdr, rest...), nil
}

func readFull(r io.Reader, buf []byte) error {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}
