package protocol

import "github.com/emsgateway/simulator/internal/point"

// IEC104Addressing offsets a point's database address into the
// information-object-address space IEC-60870-5-104 actually uses on the
// wire: analogs are shifted into the measured-value range (+16385),
// signals carry +1, and setpoints and commands keep their database
// address (offset 0).
type IEC104Addressing struct{}

// Offsets used by WireAddress, named the way the strategy table they
// were promoted from names them.
const (
	YCOffset uint32 = 16385
	YXOffset uint32 = 1
	YTOffset uint32 = 0
	YKOffset uint32 = 0
)

// WireAddress implements AddressStrategy.
func (IEC104Addressing) WireAddress(p *point.Point) uint32 {
	switch p.Kind {
	case point.Analog:
		return p.Address + YCOffset
	case point.Signal:
		return p.Address + YXOffset
	case point.Setpoint:
		return p.Address + YTOffset
	case point.Command:
		return p.Address + YKOffset
	}
	return p.Address
}
