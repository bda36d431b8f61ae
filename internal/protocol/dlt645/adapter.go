package dlt645

import (
	"context"
	"sync"

	"github.com/emsgateway/simulator/internal/capture"
	"github.com/emsgateway/simulator/internal/codec"
	"github.com/emsgateway/simulator/internal/point"
)

// Device is the point-model aware adapter for one DL/T 645 meter, in
// either Role "client" (master: reads energy/demand/parameter DIs from a
// real meter) or "server" (simulates the meter, answering a real master).
type Device struct {
	Cfg  Config
	Role string

	mu      sync.RWMutex
	byDI    map[uint32]*point.Point
	client  *Client
	server  *Server
	cancel  context.CancelFunc
	capture *capture.Ring
}

// NewDevice constructs an un-started adapter.
func NewDevice(cfg Config, role string) *Device {
	return &Device{
		Cfg:     cfg,
		Role:    role,
		byDI:    make(map[uint32]*point.Point),
		capture: capture.New(capture.DefaultCapacity),
	}
}

// Initialize validates the meter address is well formed.
func (d *Device) Initialize() error {
	_, err := ParseAddress(d.Cfg.MeterAddress)
	return err
}

// AddPoints registers points, keyed by their Address field treated as a
// DL/T 645 data identifier.
func (d *Device) AddPoints(points ...*point.Point) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range points {
		d.byDI[p.Address] = p
	}
}

func bcdWidth(p *point.Point) int {
	rc, err := codec.RegisterCount(p.DecodeCode)
	if err != nil || rc <= 0 {
		return 4
	}
	return rc * 2
}

// Start opens the client connection or begins serving, depending on Role.
func (d *Device) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	if d.Role == "client" {
		d.mu.Lock()
		d.client = &Client{Config: d.Cfg, Capture: d.capture}
		d.mu.Unlock()
		return nil
	}

	srv := &Server{Config: d.Cfg, Handler: d}
	d.mu.Lock()
	d.server = srv
	d.mu.Unlock()
	go srv.Serve(runCtx)
	return nil
}

// Stop tears down the client connection or the server's run context.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	if d.client != nil {
		d.client.Disconnect()
	}
	return nil
}

// Connected reports the client connection's health.
func (d *Device) Connected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.client != nil && d.client.Connected()
}

// Serving reports whether the simulated meter is running. DL/T 645 has no
// persistent listener state worth distinguishing beyond "was Start called"
// since serveTCP/serveSerial block inside their own goroutine.
func (d *Device) Serving() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.server != nil
}

// ReadValue issues a read-data request (client role) or returns the
// point's current value directly (server role, where the meter simulation
// is driven by the simulator/formula engine, not a remote poll).
func (d *Device) ReadValue(ctx context.Context, p *point.Point) (int64, bool, error) {
	if d.Role != "client" {
		return p.RawValue(), true, nil
	}
	d.mu.RLock()
	c := d.client
	d.mu.RUnlock()
	if c == nil {
		return 0, false, ErrBadStart
	}
	v, err := c.ReadData(p.Address, bcdWidth(p))
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// WriteValue writes a parameter DI to the remote meter (client role) or
// updates the simulated point directly (server role).
func (d *Device) WriteValue(ctx context.Context, p *point.Point, raw int64) error {
	if d.Role != "client" {
		p.SetRaw(raw)
		return nil
	}
	if p.Address>>24 != 0x04 {
		return ErrNotParameter
	}
	d.mu.RLock()
	c := d.client
	d.mu.RUnlock()
	if c == nil {
		return ErrBadStart
	}
	return c.WriteData(p.Address, raw, bcdWidth(p), []byte{0, 0, 0, 0})
}

// GetData implements dlt645.Handler for the server role: the simulated
// meter answers a read straight out of the point table.
func (d *Device) GetData(di uint32) (int64, int, bool) {
	d.mu.RLock()
	p, ok := d.byDI[di]
	d.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}
	return p.RawValue(), bcdWidth(p), true
}

// SetData implements dlt645.Handler for the server role: only the
// parameter class (DI prefix 0x04) is writable, matching the real meter's
// own restriction.
func (d *Device) SetData(di uint32, value int64) bool {
	if di>>24 != 0x04 {
		return false
	}
	d.mu.RLock()
	p, ok := d.byDI[di]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	p.SetRaw(value)
	return true
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
