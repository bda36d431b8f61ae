package repository

import "sync"

// Memory is an in-memory, process-local backing store for every
// repository interface, used by tests and by cmd/gatewayd when no
// external store is configured. It is a deliberately minimal stand-in,
// not a cache in front of a real store.
//
// Memory itself only holds data; ChannelRepository.ByChannel and
// PointRepository.ByChannel can't share one method name with different
// return types on the same receiver, so the four interfaces are served
// by thin facade views — Memory.Channels(), Memory.Slaves(),
// Memory.Points(), Memory.Mappings() — rather than by Memory directly.
type Memory struct {
	mu       sync.RWMutex
	channels map[string]Channel
	slaves   map[int64][]Slave
	points   map[int64][]PointRow
	mappings map[string][]MappingRow
}

// NewMemory returns an empty in-memory repository set.
func NewMemory() *Memory {
	return &Memory{
		channels: make(map[string]Channel),
		slaves:   make(map[int64][]Slave),
		points:   make(map[int64][]PointRow),
		mappings: make(map[string][]MappingRow),
	}
}

// AddChannel registers a channel, keyed by its Code.
func (m *Memory) AddChannel(c Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[c.Code] = c
}

// AddSlave registers a slave under its channel id.
func (m *Memory) AddSlave(s Slave) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slaves[s.ChannelID] = append(m.slaves[s.ChannelID], s)
}

// AddPoint registers a point row under its channel id.
func (m *Memory) AddPoint(p PointRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[p.ChannelID] = append(m.points[p.ChannelID], p)
}

// AddMapping registers a formula mapping under its target device name.
func (m *Memory) AddMapping(r MappingRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[r.DeviceName] = append(m.mappings[r.DeviceName], r)
}

// Channels returns the ChannelRepository view of m.
func (m *Memory) Channels() ChannelRepository { return memoryChannels{m} }

// Slaves returns the SlaveRepository view of m.
func (m *Memory) Slaves() SlaveRepository { return memorySlaves{m} }

// Points returns the PointRepository view of m.
func (m *Memory) Points() PointRepository { return memoryPoints{m} }

// Mappings returns the MappingRepository view of m.
func (m *Memory) Mappings() MappingRepository { return memoryMappings{m} }

type memoryChannels struct{ m *Memory }

func (v memoryChannels) All() ([]Channel, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	out := make([]Channel, 0, len(v.m.channels))
	for _, c := range v.m.channels {
		out = append(out, c)
	}
	return out, nil
}

func (v memoryChannels) ByCode(code string) (Channel, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	c, ok := v.m.channels[code]
	if !ok {
		return Channel{}, ErrNotFound
	}
	return c, nil
}

type memorySlaves struct{ m *Memory }

func (v memorySlaves) ByChannel(channelID int64) ([]Slave, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	return append([]Slave(nil), v.m.slaves[channelID]...), nil
}

type memoryPoints struct{ m *Memory }

func (v memoryPoints) ByChannel(channelID int64) ([]PointRow, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	return append([]PointRow(nil), v.m.points[channelID]...), nil
}

// Upsert replaces the row with a matching Code within its channel, or
// appends it.
func (v memoryPoints) Upsert(p PointRow) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	rows := v.m.points[p.ChannelID]
	for i, existing := range rows {
		if existing.Code == p.Code {
			rows[i] = p
			return nil
		}
	}
	v.m.points[p.ChannelID] = append(rows, p)
	return nil
}

// Delete removes the row with the given code from whichever channel
// holds it.
func (v memoryPoints) Delete(code string) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	for chID, rows := range v.m.points {
		for i, p := range rows {
			if p.Code == code {
				v.m.points[chID] = append(rows[:i], rows[i+1:]...)
				return nil
			}
		}
	}
	return ErrNotFound
}

type memoryMappings struct{ m *Memory }

func (v memoryMappings) ByDevice(deviceName string) ([]MappingRow, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	return append([]MappingRow(nil), v.m.mappings[deviceName]...), nil
}

func (v memoryMappings) All() ([]MappingRow, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	var out []MappingRow
	for _, rows := range v.m.mappings {
		out = append(out, rows...)
	}
	return out, nil
}
