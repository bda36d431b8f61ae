// Package repository defines the opaque row-set contracts the runtime
// reads its channel/slave/point/mapping configuration from. The core
// never embeds a SQL driver; it only depends on these interfaces, so a
// relational-store-backed implementation is a documented extension point
// outside this module's scope.
package repository

import "errors"

// ErrNotFound is returned by a single-row lookup that matches nothing.
var ErrNotFound = errors.New("repository: not found")

// ProtocolType identifies the wire protocol a Channel speaks.
type ProtocolType uint8

const (
	ModbusRTU ProtocolType = iota
	ModbusTCP
	IEC104
	DLT645
)

// ConnType identifies which side of the link a Channel takes.
type ConnType uint8

const (
	ConnSerial ConnType = iota
	ConnTCPClient
	ConnTCPServer
	ConnSerialSlave
)

// Channel is one configured link: a protocol variant bound to either a
// serial port or a TCP endpoint, client or server.
type Channel struct {
	ID           int64
	Code         string
	Name         string
	ProtocolType ProtocolType
	ConnType     ConnType
	IP           string
	Port         int
	ComPort      string
	BaudRate     int
	DataBits     int
	StopBits     int
	Parity       string // "N", "E", "O"
	RTUAddr      byte
	TimeoutS     int
	Enable       bool
	GroupID      int64

	// MeterAddress carries a DL/T 645 channel's 12-digit decimal meter
	// address; RTUAddr's single byte can't hold it. Unused by other
	// protocol types.
	MeterAddress string
	// CommonAddr carries an IEC-60870-5-104 channel's 2-octet common
	// address (ASDU addressing, spec.md §6.2). Unused by other protocol
	// types.
	CommonAddr uint16
}

// Slave is one addressable unit (Modbus unit id, DL/T 645 meter, IEC-104
// common address) behind a Channel.
type Slave struct {
	ID        int64
	ChannelID int64
	SlaveID   byte // 0..247
	Name      string
	Enable    bool
}

// PointKind mirrors point.Kind's four variants, naming which of the four
// point_yc/yx/yk/yt tables a PointRow came from.
type PointKind uint8

const (
	KindAnalog PointKind = iota
	KindSignal
	KindCommand
	KindSetpoint
)

// PointRow is one row from point_yc/point_yx/point_yk/point_yt, unified
// since every field beyond Kind is shared across the four tables.
type PointRow struct {
	ChannelID    int64
	Code         string // globally unique across all four tables
	Name         string
	Kind         PointKind
	RTUAddr      byte
	RegAddr      uint32
	FuncCode     byte
	DecodeCode   byte
	MulCoe       float64
	AddCoe       float64
	MaxLimit float64
	MinLimit float64
	// Bit is only meaningful on signal/command rows: 0..15 addresses a
	// single bit inside a 16-bit register, negative means the point is a
	// whole coil/discrete input.
	Bit          int
	RelatedPoint string
}

// MappingSource is one entry of a MappingRow's source_point_codes array.
type MappingSource struct {
	DeviceName string
	PointCode  string
	Alias      string
}

// MappingRow is one row from point_mapping.
type MappingRow struct {
	ID              int64
	DeviceName      string
	TargetPointCode string
	Sources         []MappingSource
	Formula         string
	Enable          bool
}

// ChannelRepository lists and resolves channel configuration.
type ChannelRepository interface {
	All() ([]Channel, error)
	ByCode(code string) (Channel, error)
}

// SlaveRepository lists the slaves behind a channel.
type SlaveRepository interface {
	ByChannel(channelID int64) ([]Slave, error)
}

// PointRepository lists and persists point configuration.
type PointRepository interface {
	ByChannel(channelID int64) ([]PointRow, error)
	Upsert(p PointRow) error
	Delete(code string) error
}

// MappingRepository lists formula mapping configuration.
type MappingRepository interface {
	ByDevice(deviceName string) ([]MappingRow, error)
	All() ([]MappingRow, error)
}
