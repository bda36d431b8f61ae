// Package pointstore maintains the in-memory indexes over a device's
// points: by slave id, by global code, and the sorted set of slave ids in
// use. All mutations are atomic with respect to concurrent readers.
package pointstore

import (
	"errors"
	"sort"
	"sync"

	"github.com/emsgateway/simulator/internal/point"
)

// ErrDuplicateCode is returned by Add when code is already registered.
var ErrDuplicateCode = errors.New("pointstore: duplicate point code")

// ErrNotFound is returned when a code does not resolve to a point.
var ErrNotFound = errors.New("pointstore: point not found")

// bySlave buckets the four point kinds the way the original schema does:
// yc (analog), yx (signal), yk (command), yt (setpoint).
type bucket struct {
	yc []*point.Point
	yx []*point.Point
	yk []*point.Point
	yt []*point.Point
}

// Store is the thread-safe, per-device point index.
type Store struct {
	mu      sync.RWMutex
	byCode  map[string]*point.Point
	bySlave map[byte]*bucket
	slaves  []byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		byCode:  make(map[string]*point.Point),
		bySlave: make(map[byte]*bucket),
	}
}

// Add registers p. It fails with ErrDuplicateCode if p.Code is already
// present — codes are globally unique within the process (spec.md §3.1).
func (s *Store) Add(p *point.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byCode[p.Code]; exists {
		return ErrDuplicateCode
	}
	s.byCode[p.Code] = p
	b, ok := s.bySlave[p.SlaveID]
	if !ok {
		b = &bucket{}
		s.bySlave[p.SlaveID] = b
		s.slaves = insertSorted(s.slaves, p.SlaveID)
	}
	switch p.Kind {
	case point.Analog:
		b.yc = append(b.yc, p)
	case point.Signal:
		b.yx = append(b.yx, p)
	case point.Command:
		b.yk = append(b.yk, p)
	case point.Setpoint:
		b.yt = append(b.yt, p)
	}
	return nil
}

func insertSorted(slaves []byte, id byte) []byte {
	i := sort.Search(len(slaves), func(i int) bool { return slaves[i] >= id })
	if i < len(slaves) && slaves[i] == id {
		return slaves
	}
	slaves = append(slaves, 0)
	copy(slaves[i+1:], slaves[i:])
	slaves[i] = id
	return slaves
}

func removeFromSorted(slaves []byte, id byte) []byte {
	i := sort.Search(len(slaves), func(i int) bool { return slaves[i] >= id })
	if i >= len(slaves) || slaves[i] != id {
		return slaves
	}
	return append(slaves[:i], slaves[i+1:]...)
}

// Remove deletes the point with the given code, if present.
func (s *Store) Remove(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byCode[code]
	if !ok {
		return ErrNotFound
	}
	delete(s.byCode, code)
	b, ok := s.bySlave[p.SlaveID]
	if !ok {
		return nil
	}
	switch p.Kind {
	case point.Analog:
		b.yc = removePoint(b.yc, p)
	case point.Signal:
		b.yx = removePoint(b.yx, p)
	case point.Command:
		b.yk = removePoint(b.yk, p)
	case point.Setpoint:
		b.yt = removePoint(b.yt, p)
	}
	if len(b.yc)+len(b.yx)+len(b.yk)+len(b.yt) == 0 {
		delete(s.bySlave, p.SlaveID)
		s.slaves = removeFromSorted(s.slaves, p.SlaveID)
	}
	return nil
}

func removePoint(list []*point.Point, target *point.Point) []*point.Point {
	for i, p := range list {
		if p == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// ByCode resolves a single point by its global code.
func (s *Store) ByCode(code string) (*point.Point, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byCode[code]
	return p, ok
}

// ChangeSlaveID moves an already-registered point to a new slave id,
// keeping both indexes coherent.
func (s *Store) ChangeSlaveID(code string, newSlave byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byCode[code]
	if !ok {
		return ErrNotFound
	}
	old := p.SlaveID
	if old == newSlave {
		return nil
	}
	oldBucket := s.bySlave[old]
	switch p.Kind {
	case point.Analog:
		oldBucket.yc = removePoint(oldBucket.yc, p)
	case point.Signal:
		oldBucket.yx = removePoint(oldBucket.yx, p)
	case point.Command:
		oldBucket.yk = removePoint(oldBucket.yk, p)
	case point.Setpoint:
		oldBucket.yt = removePoint(oldBucket.yt, p)
	}
	if len(oldBucket.yc)+len(oldBucket.yx)+len(oldBucket.yk)+len(oldBucket.yt) == 0 {
		delete(s.bySlave, old)
		s.slaves = removeFromSorted(s.slaves, old)
	}
	p.SlaveID = newSlave
	nb, ok := s.bySlave[newSlave]
	if !ok {
		nb = &bucket{}
		s.bySlave[newSlave] = nb
		s.slaves = insertSorted(s.slaves, newSlave)
	}
	switch p.Kind {
	case point.Analog:
		nb.yc = append(nb.yc, p)
	case point.Signal:
		nb.yx = append(nb.yx, p)
	case point.Command:
		nb.yk = append(nb.yk, p)
	case point.Setpoint:
		nb.yt = append(nb.yt, p)
	}
	return nil
}

// ResetAllValues zeroes every point's raw value, e.g. on reconnect.
func (s *Store) ResetAllValues() {
	s.mu.RLock()
	all := make([]*point.Point, 0, len(s.byCode))
	for _, p := range s.byCode {
		all = append(all, p)
	}
	s.mu.RUnlock()
	for _, p := range all {
		p.SetRaw(0)
	}
}

// Slaves returns the sorted set of slave ids currently in use.
func (s *Store) Slaves() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, len(s.slaves))
	copy(out, s.slaves)
	return out
}

// BySlave returns the four point buckets for a given slave id.
func (s *Store) BySlave(slaveID byte) (yc, yx, yk, yt []*point.Point) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bySlave[slaveID]
	if !ok {
		return nil, nil, nil, nil
	}
	return append([]*point.Point(nil), b.yc...),
		append([]*point.Point(nil), b.yx...),
		append([]*point.Point(nil), b.yk...),
		append([]*point.Point(nil), b.yt...)
}

// All returns every point registered in the store, in no particular order.
func (s *Store) All() []*point.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*point.Point, 0, len(s.byCode))
	for _, p := range s.byCode {
		out = append(out, p)
	}
	return out
}

// Len returns the total number of registered points.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byCode)
}
