// Package point implements the typed measurement point model: analog
// (yc), signal (yx), command (yk) and setpoint (yt) values, their scaling
// and validity rules, and the change-notification pub/sub used by the
// simulator, the poll scheduler and the formula engine.
package point

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/emsgateway/simulator/internal/codec"
)

// Kind tags which of the four variants a Point represents.
type Kind uint8

const (
	Analog Kind = iota
	Signal
	Command
	Setpoint
)

func (k Kind) String() string {
	switch k {
	case Analog:
		return "analog"
	case Signal:
		return "signal"
	case Command:
		return "command"
	case Setpoint:
		return "setpoint"
	}
	return "unknown"
}

// Validity is the tri-state freshness flag on a point's value.
type Validity uint8

const (
	Unknown Validity = iota
	Fresh
	Stale
)

var nextID uint64

// Listener receives a change notification: the point that changed and,
// when a related-point mapping fired as a result, the point it propagated
// into (nil otherwise).
type Listener func(self *Point, related *Point)

// RelatedMapping maps the source point's raw value to the related point's
// raw value. A missing entry means "pass the raw value through unchanged".
type RelatedMapping map[int64]int64

// Point is the common representation of all four point variants. Variant
// fields that don't apply to Kind are simply left at their zero value —
// this avoids a deep virtual-dispatch hierarchy for four closely related
// shapes (see DESIGN.md).
type Point struct {
	id uint64

	Code         string
	Name         string
	SlaveID      byte
	Address      uint32
	FunctionCode byte
	Kind         Kind
	DecodeCode   byte

	IsSendSignal      bool
	IsLockedByMapping bool

	RelatedPoint *Point
	RelatedValue RelatedMapping

	// Signal/Command
	Bit                  int // -1 means "whole register/coil", 0..15 otherwise
	CommandType          int
	RelatedSignalAddress uint32

	// Analog/Setpoint
	MulCoe   float64
	AddCoe   float64
	MaxLimit float64
	MinLimit float64

	mu        sync.RWMutex
	rawValue  int64
	realValue float64
	hexValue  string
	valid     Validity

	inSetter   int32 // reentrancy guard, 0 or 1
	listeners  []Listener
	listenerMu sync.Mutex
}

// New constructs a point of the given kind with the minimal fields every
// variant needs. Callers then set variant-specific fields directly.
func New(kind Kind, code, name string, slaveID byte, address uint32, functionCode, decodeCode byte) *Point {
	return &Point{
		id:           atomic.AddUint64(&nextID, 1),
		Code:         code,
		Name:         name,
		SlaveID:      slaveID,
		Address:      address,
		FunctionCode: functionCode,
		Kind:         kind,
		DecodeCode:   decodeCode,
		IsSendSignal: true,
		Bit:          -1,
		MulCoe:       1,
	}
}

// ID returns the process-local identity used to key subscriptions. Unlike
// Code, it survives renames.
func (p *Point) ID() uint64 { return p.id }

// Subscribe registers fn to be called on every value change. Safe for
// concurrent use; duplicate subscriptions are not filtered by the point
// itself (callers such as the formula engine dedupe at the mapping level).
func (p *Point) Subscribe(fn Listener) {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *Point) notify(related *Point) {
	p.listenerMu.Lock()
	ls := make([]Listener, len(p.listeners))
	copy(ls, p.listeners)
	p.listenerMu.Unlock()
	for _, fn := range ls {
		fn(p, related)
	}
}

// RawValue returns the current wire-level integer value.
func (p *Point) RawValue() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rawValue
}

// RealValue returns the scaled engineering value (Analog/Setpoint) or the
// raw 0/1 value (Signal/Command).
func (p *Point) RealValue() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.Kind == Analog || p.Kind == Setpoint {
		return p.realValue
	}
	return float64(p.rawValue)
}

// HexValue returns the canonical zero-padded hex representation of
// RawValue, 4*register_count hex digits (2*register_count bytes) as
// implied by DecodeCode.
func (p *Point) HexValue() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hexValue
}

// Validity reports the point's current freshness.
func (p *Point) Validity() Validity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.valid
}

// MarkStale flags the point invalid without touching its value, used by
// the poll scheduler and adapters on I/O failure.
func (p *Point) MarkStale() {
	p.mu.Lock()
	p.valid = Stale
	p.mu.Unlock()
}

// MarkFresh flags the point valid without touching its value.
func (p *Point) MarkFresh() {
	p.mu.Lock()
	p.valid = Fresh
	p.mu.Unlock()
}

func hexWidth(decode byte) int {
	rc, err := codec.RegisterCount(decode)
	if err != nil {
		return 4
	}
	return rc * 4
}

// SetRaw assigns the wire-level integer value, recomputes derived fields,
// and emits a change notification if IsSendSignal and the value actually
// changed. SetRaw is reentrancy-guarded: a listener that writes back into
// the same point (directly, not through RelatedPoint) is ignored rather
// than recursing.
func (p *Point) SetRaw(v int64) {
	if !atomic.CompareAndSwapInt32(&p.inSetter, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&p.inSetter, 0)

	p.mu.Lock()
	changed := p.rawValue != v
	p.rawValue = v
	w := hexWidth(p.DecodeCode)
	u := uint64(v)
	if w < 16 {
		u &= 1<<(uint(w)*4) - 1 // truncate sign-extension to the register width
	}
	p.hexValue = fmt.Sprintf("%0*X", w, u)
	if p.Kind == Analog || p.Kind == Setpoint {
		p.realValue = float64(v)*p.MulCoe + p.AddCoe
	}
	p.valid = Fresh
	p.mu.Unlock()

	if !changed || !p.IsSendSignal {
		return
	}

	var related *Point
	if p.RelatedPoint != nil {
		target := v
		if mapped, ok := p.RelatedValue[v]; ok {
			target = mapped
		}
		related = p.RelatedPoint
		related.SetRaw(target)
	}
	p.notify(related)
}

// SetRealValue implements the Analog/Setpoint and Signal/Command scaling
// and range rules from spec.md §3.1. On success it returns true and the
// stored raw value is updated via SetRaw (so notifications still fire).
// On failure (overflow, or a Signal/Command value outside {0,1}) the store
// is left unchanged and false is returned.
func (p *Point) SetRealValue(v float64) bool {
	switch p.Kind {
	case Signal, Command:
		if v != 0 && v != 1 {
			return false
		}
		p.SetRaw(int64(v))
		return true
	case Analog, Setpoint:
		if p.MulCoe == 0 {
			return false
		}
		raw := math.Round((v - p.AddCoe) / p.MulCoe)
		min, max, err := codec.SignedRange(p.DecodeCode)
		if err != nil {
			return false
		}
		if raw < float64(min) || raw > float64(max) {
			return false
		}
		p.SetRaw(int64(raw))
		return true
	}
	return false
}
