package modbus

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/GoAethereal/cancel"
	"github.com/emsgateway/simulator/internal/capture"
	"github.com/emsgateway/simulator/internal/codec"
	"github.com/emsgateway/simulator/internal/point"
)

// Device is the point-model aware adapter wrapping either a Client or a
// Server depending on Role. It is the thing the poll scheduler, the
// simulator and the formula engine actually talk to; Client/Server/Config
// stay plain protocol plumbing with no knowledge of points.
type Device struct {
	Cfg  Config
	Role string // "client" or "server"

	mu      sync.RWMutex
	points  map[string]*point.Point
	client  *Client
	server  *Server
	root    *cancel.Signal
	capture *capture.Ring
}

// NewDevice constructs an un-started adapter for cfg in the given role.
func NewDevice(cfg Config, role string) *Device {
	return &Device{
		Cfg:     cfg,
		Role:    role,
		points:  make(map[string]*point.Point),
		capture: capture.New(capture.DefaultCapacity),
	}
}

// Initialize validates the configuration without opening any connection.
func (d *Device) Initialize() error {
	return d.Cfg.Verify()
}

// AddPoints registers points this adapter will read, write or serve.
func (d *Device) AddPoints(points ...*point.Point) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range points {
		d.points[p.Code] = p
	}
}

// Start prepares the client (which dials lazily on its first request) or
// opens the listener (server). In server role ctx's cancellation stops the
// listener; it is bridged onto a cancel.Context root since the rest of the
// package is built on that primitive.
func (d *Device) Start(ctx context.Context) error {
	if d.Role == "client" {
		d.mu.Lock()
		d.client = &Client{Config: d.Cfg, Capture: d.capture}
		d.mu.Unlock()
		return nil
	}

	root := cancel.New()
	d.mu.Lock()
	d.root = root
	d.server = &Server{}
	srv := d.server
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		root.Cancel()
	}()
	go func() {
		srv.Serve(root, d.Cfg, d.mux())
	}()
	return nil
}

// Stop cancels the server's root context or disconnects the client. A
// frame already in flight is allowed to finish.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.root != nil {
		d.root.Cancel()
	}
	if d.client != nil {
		d.client.Disconnect()
	}
	return nil
}

// Connected reports whether the client holds a live connection. Always
// false in server role (there is no single "the" connection to report on).
func (d *Device) Connected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.client != nil && d.client.Ready()
}

// Serving reports whether the server's root context is still live.
func (d *Device) Serving() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.root == nil {
		return false
	}
	select {
	case <-d.root.Done():
		return false
	default:
		return true
	}
}

func (d *Device) pointByCode(code string) (*point.Point, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.points[code]
	return p, ok
}

// ReadValue performs a single-point read over the client connection. In
// server role it simply returns the point's current in-memory value (the
// point is driven by the simulator or the formula engine, not by us).
func (d *Device) ReadValue(ctx context.Context, p *point.Point) (int64, bool, error) {
	if d.Role != "client" {
		return p.RawValue(), true, nil
	}
	root := cancel.New()
	defer root.Cancel()
	go func() {
		select {
		case <-ctx.Done():
			root.Cancel()
		case <-root.Done():
		}
	}()

	c := d.clientHandle()
	switch p.FunctionCode {
	case 0x01, 0x02:
		words, err := d.readBits(root, c, p.SlaveID, p.FunctionCode, p.Address, 1)
		if err != nil {
			return 0, false, err
		}
		return int64(words[0]), true, nil
	case 0x03, 0x04:
		words, err := d.readRegisters(root, c, p.SlaveID, p.FunctionCode, p.Address, registerWidth(p))
		if err != nil {
			return 0, false, err
		}
		return rawFromWords(p, words)
	}
	return 0, false, ErrInvalidParameter
}

// rawFromWords recovers a point's canonical raw value from the register
// words read off the wire: bit-addressed discrete points extract their
// single bit, everything else goes through the codec table. Float
// entries carry the engineering value on the wire, so the raw is
// re-derived through the point's scaling.
func rawFromWords(p *point.Point, words []uint16) (int64, bool, error) {
	if len(words) == 0 {
		return 0, false, ErrInvalidParameter
	}
	if (p.Kind == point.Signal || p.Kind == point.Command) && p.Bit >= 0 {
		return int64((words[0] >> uint(p.Bit)) & 1), true, nil
	}
	raw := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(raw[2*i:], w)
	}
	v, err := codec.Unpack(p.DecodeCode, raw)
	if err != nil {
		return 0, false, err
	}
	switch n := v.(type) {
	case int64:
		return n, true, nil
	case float64:
		if p.MulCoe == 0 {
			return 0, false, ErrInvalidParameter
		}
		return int64(math.Round((n - p.AddCoe) / p.MulCoe)), true, nil
	}
	return 0, false, ErrInvalidParameter
}

// ReadBatch satisfies poll.BatchReader: one framed read covering count
// contiguous registers (FC 3/4) or coils/discrete inputs (FC 1/2,
// reported as one 0/1 word per bit) starting at start on
// slaveID/functionCode.
func (d *Device) ReadBatch(ctx context.Context, slaveID, functionCode byte, start uint32, count int) ([]uint16, error) {
	if d.Role != "client" {
		return nil, ErrInvalidParameter
	}
	root := cancel.New()
	defer root.Cancel()
	go func() {
		select {
		case <-ctx.Done():
			root.Cancel()
		case <-root.Done():
		}
	}()
	c := d.clientHandle()
	switch functionCode {
	case 0x01, 0x02:
		return d.readBits(root, c, slaveID, functionCode, start, count)
	case 0x03, 0x04:
		return d.readRegisters(root, c, slaveID, functionCode, start, count)
	}
	return nil, ErrInvalidParameter
}

func (d *Device) readBits(ctx cancel.Context, c *Client, slaveID, functionCode byte, start uint32, count int) ([]uint16, error) {
	var status []bool
	var err error
	switch functionCode {
	case 0x01:
		status, err = c.ReadCoils(ctx, slaveID, uint16(start), uint16(count))
	default:
		status, err = c.ReadDiscreteInputs(ctx, slaveID, uint16(start), uint16(count))
	}
	if err != nil {
		return nil, err
	}
	words := make([]uint16, len(status))
	for i, on := range status {
		if on {
			words[i] = 1
		}
	}
	return words, nil
}

func (d *Device) readRegisters(ctx cancel.Context, c *Client, slaveID, functionCode byte, start uint32, count int) ([]uint16, error) {
	var raw []byte
	var err error
	switch functionCode {
	case 0x03:
		raw, err = c.ReadHoldingRegisters(ctx, slaveID, uint16(start), uint16(count))
	case 0x04:
		raw, err = c.ReadInputRegisters(ctx, slaveID, uint16(start), uint16(count))
	default:
		return nil, ErrInvalidParameter
	}
	if err != nil {
		return nil, err
	}
	words := make([]uint16, len(raw)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(raw[2*i:])
	}
	return words, nil
}

// WriteValue writes raw to the client's remote register/coil, or, in
// server role, updates the point directly (the next poll from the real
// master then observes it). Coil-addressed discrete points go out as
// FC 5/15; bit-addressed ones read-modify-write their register; register
// points are packed through the codec table and written with FC 6 or 16
// depending on width.
func (d *Device) WriteValue(ctx context.Context, p *point.Point, raw int64) error {
	if d.Role != "client" {
		p.SetRaw(raw)
		return nil
	}
	root := cancel.New()
	defer root.Cancel()
	go func() {
		select {
		case <-ctx.Done():
			root.Cancel()
		case <-root.Done():
		}
	}()
	c := d.clientHandle()
	switch p.FunctionCode {
	case 0x01, 0x02, 0x05:
		return c.WriteSingleCoil(root, p.SlaveID, uint16(p.Address), raw != 0)
	case 0x0F:
		return c.WriteMultipleCoils(root, p.SlaveID, uint16(p.Address), raw != 0)
	}
	if (p.Kind == point.Signal || p.Kind == point.Command) && p.Bit >= 0 {
		return d.writeRegisterBit(root, c, p, raw)
	}
	buf, err := packPoint(p, raw)
	if err != nil {
		return err
	}
	if len(buf) == 2 && p.FunctionCode != 0x10 {
		return c.WriteSingleRegister(root, p.SlaveID, uint16(p.Address), binary.BigEndian.Uint16(buf))
	}
	return c.WriteMultipleRegisters(root, p.SlaveID, uint16(p.Address), buf)
}

// writeRegisterBit flips one bit inside a 16-bit holding register:
// read the current word, set or clear the point's bit, write it back.
// Not atomic against other masters on the same register.
func (d *Device) writeRegisterBit(ctx cancel.Context, c *Client, p *point.Point, raw int64) error {
	res, err := c.ReadHoldingRegisters(ctx, p.SlaveID, uint16(p.Address), 1)
	if err != nil {
		return err
	}
	word := binary.BigEndian.Uint16(res)
	mask := uint16(1) << uint(p.Bit)
	if raw != 0 {
		word |= mask
	} else {
		word &^= mask
	}
	return c.WriteSingleRegister(ctx, p.SlaveID, uint16(p.Address), word)
}

// packPoint encodes a point's raw value into its wire bytes via the
// codec table; float entries carry the engineering value on the wire.
// Discrete points with no codec entry fall back to a plain 0/1 word.
func packPoint(p *point.Point, raw int64) ([]byte, error) {
	e, ok := codec.Lookup(p.DecodeCode)
	switch {
	case !ok && (p.Kind == point.Signal || p.Kind == point.Command):
		return []byte{0, byte(raw & 1)}, nil
	case !ok:
		return nil, codec.ErrUnknownCode
	case e.Float:
		return codec.Pack(p.DecodeCode, float64(raw)*p.MulCoe+p.AddCoe)
	}
	return codec.Pack(p.DecodeCode, raw)
}

func (d *Device) clientHandle() *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		d.client = &Client{Config: d.Cfg, Capture: d.capture}
	}
	return d.client
}

// GetCaptured returns the adapter's captured message history.
func (d *Device) GetCaptured(limit int) []capture.Message {
	return d.capture.Snapshot(limit)
}

// ClearCaptured empties the capture ring.
func (d *Device) ClearCaptured() {
	d.capture.Clear()
}

// Stats returns the adapter's message counters and running TX-to-RX
// average latency.
func (d *Device) Stats() capture.Stats {
	return d.capture.Stats()
}

// mux builds a Handler that answers requests directly from the point
// table, used in server role.
func (d *Device) mux() *Mux {
	return &Mux{
		ReadCoils:                  d.serveReadBits,
		ReadDiscreteInputs:         d.serveReadBits,
		ReadHoldingRegisters:       d.serveReadRegisters,
		ReadInputRegisters:         d.serveReadRegisters,
		WriteSingleCoil:            d.serveWriteCoil,
		WriteSingleRegister:        d.serveWriteRegister,
		WriteMultipleCoils:         d.serveWriteCoils,
		WriteMultipleRegisters:     d.serveWriteRegisters,
		ReadWriteMultipleRegisters: d.serveReadWriteRegisters,
	}
}

// bitPointsAt returns the discrete points packed as single bits inside
// the 16-bit register at addr, if any. Caller holds d.mu.
func (d *Device) bitPointsAt(addr uint32) []*point.Point {
	var out []*point.Point
	for _, p := range d.points {
		if p.Address != addr || p.Bit < 0 {
			continue
		}
		if p.Kind == point.Signal || p.Kind == point.Command {
			out = append(out, p)
		}
	}
	return out
}

func (d *Device) serveReadBits(ctx context.Context, address, quantity uint16) ([]bool, Exception) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]bool, quantity)
	for i := range out {
		p := d.findByAddress(uint32(address) + uint32(i))
		if p == nil {
			return nil, ExIllegalDataAddress
		}
		out[i] = p.RawValue() != 0
	}
	return out, nil
}

func (d *Device) serveReadRegisters(ctx context.Context, address, quantity uint16) ([]byte, Exception) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]byte, 0, int(quantity)*2)
	remaining := int(quantity)
	addr := uint32(address)
	for remaining > 0 {
		if bits := d.bitPointsAt(addr); len(bits) > 0 {
			var word uint16
			for _, p := range bits {
				if p.RawValue() != 0 {
					word |= 1 << uint(p.Bit)
				}
			}
			out = append(out, byte(word>>8), byte(word))
			addr++
			remaining--
			continue
		}
		p := d.findByAddress(addr)
		if p == nil {
			return nil, ExIllegalDataAddress
		}
		buf, err := packPoint(p, p.RawValue())
		if err != nil {
			return nil, ExSlaveDeviceFailure
		}
		out = append(out, buf...)
		addr += uint32(len(buf) / 2)
		remaining -= len(buf) / 2
	}
	return out, nil
}

func (d *Device) serveWriteRegister(ctx context.Context, address, value uint16) Exception {
	d.mu.RLock()
	bits := d.bitPointsAt(uint32(address))
	p := d.findByAddress(uint32(address))
	d.mu.RUnlock()
	if len(bits) > 0 {
		for _, bp := range bits {
			bp.SetRaw(int64((value >> uint(bp.Bit)) & 1))
		}
		return nil
	}
	if p == nil {
		return ExIllegalDataAddress
	}
	raw := make([]byte, 2)
	binary.BigEndian.PutUint16(raw, value)
	return applyWire(p, raw)
}

func (d *Device) serveWriteRegisters(ctx context.Context, address uint16, values []byte) Exception {
	remaining := len(values) / 2
	addr := uint32(address)
	off := 0
	for remaining > 0 {
		d.mu.RLock()
		bits := d.bitPointsAt(addr)
		p := d.findByAddress(addr)
		d.mu.RUnlock()
		if len(bits) > 0 {
			word := binary.BigEndian.Uint16(values[off:])
			for _, bp := range bits {
				bp.SetRaw(int64((word >> uint(bp.Bit)) & 1))
			}
			addr++
			off += 2
			remaining--
			continue
		}
		if p == nil {
			return ExIllegalDataAddress
		}
		rc := registerWidth(p)
		if rc > remaining {
			return ExIllegalDataValue
		}
		if ex := applyWire(p, values[off:off+rc*2]); ex != nil {
			return ex
		}
		addr += uint32(rc)
		off += rc * 2
		remaining -= rc
	}
	return nil
}

func (d *Device) serveWriteCoil(ctx context.Context, address uint16, status bool) Exception {
	d.mu.RLock()
	p := d.findByAddress(uint32(address))
	d.mu.RUnlock()
	if p == nil {
		return ExIllegalDataAddress
	}
	v := int64(0)
	if status {
		v = 1
	}
	p.SetRaw(v)
	return nil
}

func (d *Device) serveWriteCoils(ctx context.Context, address uint16, status []bool) Exception {
	for i, on := range status {
		if ex := d.serveWriteCoil(ctx, address+uint16(i), on); ex != nil {
			return ex
		}
	}
	return nil
}

// serveReadWriteRegisters executes the write before the read, per the
// FC 0x17 definition in the Modbus application protocol.
func (d *Device) serveReadWriteRegisters(ctx context.Context, rAddress, rQuantity, wAddress uint16, values []byte) ([]byte, Exception) {
	if ex := d.serveWriteRegisters(ctx, wAddress, values); ex != nil {
		return nil, ex
	}
	return d.serveReadRegisters(ctx, rAddress, rQuantity)
}

// applyWire decodes wire bytes for p through the codec table and stores
// the result. Float entries arrive as engineering values and go through
// SetRealValue so the canonical raw is re-derived from the scaling;
// discrete points with no codec entry store the word's low bit directly.
func applyWire(p *point.Point, raw []byte) Exception {
	v, err := codec.Unpack(p.DecodeCode, raw)
	if err != nil {
		if p.Kind == point.Signal || p.Kind == point.Command {
			p.SetRaw(int64(raw[len(raw)-1] & 1))
			return nil
		}
		return ExIllegalDataValue
	}
	switch n := v.(type) {
	case int64:
		p.SetRaw(n)
	case float64:
		if !p.SetRealValue(n) {
			return ExIllegalDataValue
		}
	}
	return nil
}

func (d *Device) findByAddress(addr uint32) *point.Point {
	for _, p := range d.points {
		if p.Address == addr {
			return p
		}
	}
	return nil
}

func registerWidth(p *point.Point) int {
	switch p.Kind {
	case point.Signal, point.Command:
		return 1
	}
	n, err := codec.RegisterCount(p.DecodeCode)
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

