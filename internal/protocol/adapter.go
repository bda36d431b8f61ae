// Package protocol defines the contract every transport-specific
// implementation (Modbus, IEC-60870-5-104, DL/T 645) must satisfy so the
// poll scheduler, the simulator and the formula engine can drive any of
// them identically.
package protocol

import (
	"context"

	"github.com/emsgateway/simulator/internal/capture"
	"github.com/emsgateway/simulator/internal/point"
)

// AddressStrategy maps a point's logical register address to the wire
// address actually sent on the bus. Most protocols are identity; IEC-104
// needs an offset per information object address range (spec.md §4.4).
type AddressStrategy interface {
	WireAddress(p *point.Point) uint32
}

// IdentityAddressing is the default AddressStrategy: the point's Address
// field is already the wire address.
type IdentityAddressing struct{}

// WireAddress implements AddressStrategy.
func (IdentityAddressing) WireAddress(p *point.Point) uint32 { return p.Address }

// Adapter is the minimal set every protocol implementation exposes
// regardless of whether it runs in client or server mode.
type Adapter interface {
	// Initialize prepares the adapter (parses its Config, but does not
	// open any connection yet).
	Initialize() error
	// Start opens the connection or listener and begins serving/polling.
	Start(ctx context.Context) error
	// Stop tears the adapter down. It must not interrupt an in-flight
	// frame; it simply stops scheduling new work.
	Stop() error
	// AddPoints registers points the adapter should read/write/serve.
	AddPoints(points ...*point.Point)
	// ReadValue performs a single-point read, used as the scheduler's
	// fallback path when a batch read fails or isn't supported.
	ReadValue(ctx context.Context, p *point.Point) (raw int64, ok bool, err error)
	// WriteValue pushes raw to the device side of p (client mode) or to
	// the adapter's own served value (server mode, e.g. after a
	// simulator tick).
	WriteValue(ctx context.Context, p *point.Point, raw int64) error
	// GetCaptured returns a snapshot of the adapter's message capture
	// ring: the limit most recent messages, oldest first (limit <= 0
	// returns every buffered message).
	GetCaptured(limit int) []capture.Message
	// ClearCaptured empties the capture ring and resets its counters.
	ClearCaptured()
	// Stats returns the adapter's message counters and running TX-to-RX
	// average latency.
	Stats() capture.Stats
}

// BatchAdapter is implemented by adapters that can satisfy a multi-register
// read in one framed request (Modbus function codes 0x01-0x04). Adapters
// without a native batch primitive simply don't implement this interface;
// the poll scheduler falls back to ReadValue per point.
type BatchAdapter interface {
	ReadBatch(ctx context.Context, slaveID, functionCode byte, start uint32, count int) ([]uint16, error)
}

// Syncer is implemented by adapters whose values arrive asynchronously on
// a socket callback (IEC-104 client) rather than through request/response
// reads. The device runtime calls SyncFromAdapter just before presenting
// data to the operator, so the adapter never has to contend for point
// locks on every callback (spec.md §4.4). slaveID 0 syncs every slave.
type Syncer interface {
	SyncFromAdapter(slaveID byte)
}

// ClientAdapter is the refinement for protocols operating as the active
// (master/client) side of a link: it additionally exposes the health of
// its underlying connection, used by the supervisor to decide whether a
// reconnect is due.
type ClientAdapter interface {
	Adapter
	Connected() bool
}

// ServerAdapter is the refinement for protocols serving a passive
// (slave/server) role: the remote side may poll it at any time, so the
// adapter owns the full point table and answers out of it directly
// rather than being driven by the poll scheduler.
type ServerAdapter interface {
	Adapter
	// Serving reports whether the listener/port is currently accepting
	// requests.
	Serving() bool
}
