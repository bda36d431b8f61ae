package iec104

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoAethereal/cancel"
	"github.com/emsgateway/simulator/internal/capture"
	"github.com/emsgateway/simulator/internal/point"
	"github.com/emsgateway/simulator/internal/protocol"
)

// Device is the point-model aware adapter for one IEC-104 link, in either
// Role "client" (master: polls via interrogation, issues commands) or
// "server" (controlled station: answers interrogation, reports spontaneous
// changes, accepts commands). It implements protocol.Adapter plus the
// Connected/Serving refinements.
type Device struct {
	Cfg        Config
	Role       string
	Addressing protocol.AddressStrategy // defaults to protocol.IdentityAddressing{}

	mu      sync.RWMutex
	byAddr  map[InfoObjAddr]*point.Point
	byCode  map[string]*point.Point
	client  *Client
	server  *Server
	root    *cancel.Signal
	capture *capture.Ring

	// reported holds the last value pushed by the controlled station for
	// each information object, staged here by the socket callback and
	// applied to the point model only on SyncFromAdapter so the callback
	// never contends for point locks (spec.md §4.4).
	reportedMu sync.Mutex
	reported   map[InfoObjAddr]reportedValue
}

// reportedValue is one staged client-side measurement.
type reportedValue struct {
	isBool bool
	b      bool
	f      float64
}

// NewDevice constructs an un-started adapter.
func NewDevice(cfg Config, role string) *Device {
	return &Device{
		Cfg:      cfg,
		Role:     role,
		byAddr:   make(map[InfoObjAddr]*point.Point),
		byCode:   make(map[string]*point.Point),
		capture:  capture.New(capture.DefaultCapacity),
		reported: make(map[InfoObjAddr]reportedValue),
	}
}

func (d *Device) addressing() protocol.AddressStrategy {
	if d.Addressing != nil {
		return d.Addressing
	}
	return protocol.IdentityAddressing{}
}

// Initialize validates that an endpoint was configured.
func (d *Device) Initialize() error {
	if d.Cfg.Endpoint == "" {
		return ErrNotConnected
	}
	return nil
}

// AddPoints registers points this adapter exchanges. In server role each
// point is subscribed so a local change (from the simulator or the formula
// engine) is reported to the connected master immediately.
func (d *Device) AddPoints(points ...*point.Point) {
	d.mu.Lock()
	strategy := d.addressing()
	for _, p := range points {
		addr := InfoObjAddr(strategy.WireAddress(p))
		d.byAddr[addr] = p
		d.byCode[p.Code] = p
	}
	d.mu.Unlock()

	if d.Role != "server" {
		return
	}
	for _, p := range points {
		p.Subscribe(d.reportChange)
	}
}

func (d *Device) reportChange(self, _ *point.Point) {
	d.mu.RLock()
	srv := d.server
	strategy := d.addressing()
	d.mu.RUnlock()
	if srv == nil {
		return
	}
	addr := InfoObjAddr(strategy.WireAddress(self))
	srv.Report(d.encodeReport(self, addr, CauseSpontaneous))
}

func (d *Device) encodeReport(p *point.Point, addr InfoObjAddr, cause Cause) []byte {
	switch p.Kind {
	case point.Signal, point.Command:
		return EncodeSinglePoint(d.Cfg.CommonAddr, addr, p.RawValue() != 0, cause)
	default:
		return EncodeShortFloat(d.Cfg.CommonAddr, addr, float32(p.RealValue()), cause)
	}
}

// Start dials (client) or begins listening (server).
func (d *Device) Start(ctx context.Context) error {
	root := cancel.New()
	d.mu.Lock()
	d.root = root
	d.mu.Unlock()
	go func() {
		<-ctx.Done()
		root.Cancel()
	}()

	switch d.Role {
	case "client":
		c := &Client{Config: d.Cfg, OnASDU: d.onClientASDU}
		d.mu.Lock()
		d.client = c
		d.mu.Unlock()
		if err := c.Connect(root); err != nil {
			return err
		}
		go d.interrogateLoop(root, c)
		return nil
	case "server":
		s := &Server{Config: d.Cfg, OnASDU: d.onServerASDU}
		d.mu.Lock()
		d.server = s
		d.mu.Unlock()
		go s.Serve(root)
		return nil
	}
	return ErrNotConnected
}

// interrogateLoop issues a general interrogation once the STARTDT
// handshake completes, then again every InterrogationInterval, keeping
// the mirrored point table fresh between spontaneous reports.
func (d *Device) interrogateLoop(ctx cancel.Context, c *Client) {
	cfg := d.Cfg.withDefaults()
	// wait for the STARTDT confirmation before the initial interrogation
	started := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.l != nil && c.l.ready() && atomic.LoadInt32(&c.l.started) == 1
	}
	for !started() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	for {
		if frame, err := c.Interrogate(); err == nil {
			d.capture.RecordTX(frame, "总召唤 (激活)")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.InterrogationInterval):
		}
	}
}

// Stop cancels the link's root context.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.root != nil {
		d.root.Cancel()
	}
	return nil
}

// Connected reports the client link's health.
func (d *Device) Connected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.client != nil && d.client.Connected()
}

// Serving reports whether a master is currently attached.
func (d *Device) Serving() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.server != nil && d.server.Serving()
}

// onClientASDU stages the value of an unsolicited or interrogation-response
// report received from the controlled station. The point model is not
// touched here; SyncFromAdapter applies staged values when the runtime is
// about to present data (spec.md §4.4).
func (d *Device) onClientASDU(a ASDU, frame []byte) {
	d.mu.RLock()
	_, ok := d.byAddr[a.Address]
	d.mu.RUnlock()
	if !ok {
		return
	}
	d.capture.RecordRX(frame, a.Describe())
	switch a.Type {
	case MSpNa1:
		d.reportedMu.Lock()
		d.reported[a.Address] = reportedValue{isBool: true, b: a.AsBool()}
		d.reportedMu.Unlock()
	case MMeNc1:
		d.reportedMu.Lock()
		d.reported[a.Address] = reportedValue{f: float64(a.AsFloat32())}
		d.reportedMu.Unlock()
	}
}

// SyncFromAdapter applies every staged report for slaveID (0 = every
// slave) to the point model. Analog values are back-transformed into the
// canonical raw representation through the point's own scaling: the
// station reports engineering values, SetRealValue re-derives raw from
// them so the internal representation stays canonical.
func (d *Device) SyncFromAdapter(slaveID byte) {
	d.reportedMu.Lock()
	staged := make(map[InfoObjAddr]reportedValue, len(d.reported))
	for addr, v := range d.reported {
		staged[addr] = v
	}
	d.reportedMu.Unlock()

	for addr, v := range staged {
		d.mu.RLock()
		p, ok := d.byAddr[addr]
		d.mu.RUnlock()
		if !ok || (slaveID != 0 && p.SlaveID != slaveID) {
			continue
		}
		if v.isBool {
			raw := int64(0)
			if v.b {
				raw = 1
			}
			p.SetRaw(raw)
		} else {
			p.SetRealValue(v.f)
		}
	}
}

// onServerASDU handles a command/setpoint/interrogation arriving from the
// master.
func (d *Device) onServerASDU(a ASDU, frame []byte) {
	d.mu.RLock()
	srv := d.server
	strategy := d.addressing()
	d.mu.RUnlock()

	switch a.Type {
	case CIcNa1:
		d.mu.RLock()
		points := make([]*point.Point, 0, len(d.byAddr))
		for _, p := range d.byAddr {
			points = append(points, p)
		}
		d.mu.RUnlock()
		if srv == nil {
			return
		}
		for _, p := range points {
			addr := InfoObjAddr(strategy.WireAddress(p))
			srv.Report(d.encodeReport(p, addr, CauseInterrogated))
		}
	case CScNa1:
		d.mu.RLock()
		p, ok := d.byAddr[a.Address]
		d.mu.RUnlock()
		if ok {
			v := int64(0)
			if a.AsBool() {
				v = 1
			}
			p.SetRaw(v)
		}
	case CSeNc1:
		d.mu.RLock()
		p, ok := d.byAddr[a.Address]
		d.mu.RUnlock()
		if ok {
			p.SetRealValue(float64(a.AsFloat32()))
		}
	}
}

// ReadValue returns the point's last known value. IEC-104 is report-driven
// (spontaneous change + periodic interrogation), not request/response per
// point, so there is nothing to fetch here beyond the staged state; the
// interrogation loop drives freshness, this just applies what it staged.
func (d *Device) ReadValue(ctx context.Context, p *point.Point) (int64, bool, error) {
	if d.Role == "client" {
		d.SyncFromAdapter(p.SlaveID)
	}
	return p.RawValue(), true, nil
}

// WriteValue pushes a command/setpoint to the remote station (client role)
// or updates the local point and reports it (server role).
func (d *Device) WriteValue(ctx context.Context, p *point.Point, raw int64) error {
	d.mu.RLock()
	strategy := d.addressing()
	addr := InfoObjAddr(strategy.WireAddress(p))
	d.mu.RUnlock()

	if d.Role != "client" {
		p.SetRaw(raw)
		d.reportChange(p, nil)
		return nil
	}

	d.mu.RLock()
	c := d.client
	d.mu.RUnlock()
	if c == nil {
		return ErrNotConnected
	}

	var frame []byte
	var err error
	switch p.Kind {
	case point.Signal, point.Command:
		frame, err = c.SendCommand(addr, raw != 0)
	default:
		frame, err = c.SendSetpoint(addr, float32(p.RealValue()))
	}
	d.capture.RecordTX(frame, "write "+p.Code)
	if err != nil {
		d.capture.RecordRX(nil, "error: "+err.Error())
	} else {
		d.capture.RecordRX(nil, "ok")
	}
	return err
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
