// Package config loads the YAML file describing every channel, its
// slaves and points, the formula mappings between them, and the ambient
// logging settings — the single source of truth cmd/gatewayd
// boots from when no external relational store is configured.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/emsgateway/simulator/internal/device"
	"github.com/emsgateway/simulator/internal/repository"
	"gopkg.in/yaml.v3"
)

// Root is the top-level shape of the YAML config file.
type Root struct {
	Logging  LoggingConfig   `yaml:"logging"`
	Channels []ChannelConfig `yaml:"channels"`
	Mappings []MappingConfig `yaml:"mappings"`
}

// LoggingConfig configures the process-wide logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// ChannelConfig is one device's full configuration: identity, transport,
// runtime mode, and its point list.
type ChannelConfig struct {
	Name     string               `yaml:"name"`
	Protocol string               `yaml:"protocol"` // "modbus_rtu", "modbus_tcp", "iec104", "dlt645_serial", "dlt645_tcp"
	Role     string               `yaml:"role"`     // "client" or "server"
	Mode     string               `yaml:"mode"`     // "live" or "simulate"

	Endpoint string `yaml:"endpoint"`
	UnitID   byte   `yaml:"unit_id"`

	Serial SerialConfig `yaml:"serial"`

	// MeterAddress is only meaningful for protocols "dlt645_serial" and
	// "dlt645_tcp".
	MeterAddress string `yaml:"meter_address"`
	// CommonAddr is only meaningful for protocol "iec104".
	CommonAddr uint16 `yaml:"common_addr"`

	PollIntervalMs     int `yaml:"poll_interval_ms"`
	SimulateIntervalMs int `yaml:"simulate_interval_ms"`
	MaxGap             int `yaml:"max_gap"`
	MaxCount           int `yaml:"max_count"`

	Points []PointConfig `yaml:"points"`
}

// SerialConfig mirrors the protocol packages' own SerialParams, shared
// here since modbus and dlt645 both need the same five fields.
type SerialConfig struct {
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

// PointConfig is one point's static definition, corresponding to one row
// of point_yc/yx/yk/yt (spec.md §6.1).
type PointConfig struct {
	Code         string  `yaml:"code"`
	Name         string  `yaml:"name"`
	Kind         string  `yaml:"kind"` // "analog", "signal", "command", "setpoint"
	SlaveID      byte    `yaml:"slave_id"`
	Address      uint32  `yaml:"address"`
	FunctionCode byte    `yaml:"function_code"`
	DecodeCode   byte    `yaml:"decode_code"`
	MulCoe       float64 `yaml:"mul_coe"`
	AddCoe       float64 `yaml:"add_coe"`
	MaxLimit float64 `yaml:"max_limit"`
	MinLimit float64 `yaml:"min_limit"`
	// Bit addresses a single bit (0..15) inside a register for
	// signal/command points polled via register function codes; use -1
	// for a whole coil/discrete input.
	Bit          int     `yaml:"bit"`
	RelatedPoint string  `yaml:"related_point"`

	// Simulation is parsed from the file but ToRepository carries neither
	// it nor the channel's Mode into the repository, so nothing downstream
	// reads it.
	Simulation *SimulationConfig `yaml:"simulation,omitempty"`
}

// SimulationConfig mirrors simulate.Settings in YAML-friendly form.
type SimulationConfig struct {
	Strategy   string  `yaml:"strategy"` // "random", "auto_increment", "auto_decrement", "sine_wave", "ramp", "pulse"
	Step       float64 `yaml:"step"`
	PeriodMs   int     `yaml:"period_ms"`
	Amplitude  float64 `yaml:"amplitude"`
	Phase      float64 `yaml:"phase"`
	RampMs     int     `yaml:"ramp_ms"`
	PulseMs    int     `yaml:"pulse_ms"`
}

// MappingConfig is one formula mapping, corresponding to a point_mapping
// row (spec.md §6.1).
type MappingConfig struct {
	ID              string         `yaml:"id"`
	TargetDevice    string         `yaml:"target_device"`
	TargetPointCode string         `yaml:"target_point_code"`
	Sources         []SourceConfig `yaml:"sources"`
	Expression      string         `yaml:"expression"`
	Enable          bool           `yaml:"enable"`
}

// SourceConfig is one entry of MappingConfig.Sources.
type SourceConfig struct {
	DeviceName string `yaml:"device_name"`
	PointCode  string `yaml:"point_code"`
	Alias      string `yaml:"alias"`
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Root, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var root Root
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &root, nil
}

// ModeOf maps a ChannelConfig's Mode string onto device.Mode, defaulting
// to device.ModeLive for an empty or unrecognized value.
func ModeOf(s string) device.Mode {
	if s == "simulate" {
		return device.ModeSimulate
	}
	return device.ModeLive
}

// ToRepository flattens Root's channel/point/mapping config into a
// repository.Memory, the shape cmd/gatewayd hands to the controller when
// no external store is configured.
func ToRepository(root *Root) *repository.Memory {
	mem := repository.NewMemory()
	for i, ch := range root.Channels {
		channelID := int64(i + 1)
		row := repository.Channel{
			ID:           channelID,
			Code:         ch.Name,
			Name:         ch.Name,
			ProtocolType: protocolTypeOf(ch.Protocol),
			ConnType:     connTypeOf(ch.Protocol, ch.Role),
			BaudRate:     ch.Serial.BaudRate,
			DataBits:     ch.Serial.DataBits,
			StopBits:     ch.Serial.StopBits,
			Parity:       ch.Serial.Parity,
			RTUAddr:      ch.UnitID,
			MeterAddress: ch.MeterAddress,
			CommonAddr:   ch.CommonAddr,
			TimeoutS:     ch.PollIntervalMs / 1000,
			Enable:       true,
		}
		if host, portStr, err := net.SplitHostPort(ch.Endpoint); err == nil {
			row.IP = host
			if port, err := strconv.Atoi(portStr); err == nil {
				row.Port = port
			}
		} else {
			row.ComPort = ch.Endpoint
		}
		mem.AddChannel(row)
		for _, pc := range ch.Points {
			mem.AddPoint(repository.PointRow{
				ChannelID:    channelID,
				Code:         pc.Code,
				Name:         pc.Name,
				Kind:         pointKindOf(pc.Kind),
				RTUAddr:      pc.SlaveID,
				RegAddr:      pc.Address,
				FuncCode:     pc.FunctionCode,
				DecodeCode:   pc.DecodeCode,
				MulCoe:       pc.MulCoe,
				AddCoe:       pc.AddCoe,
				MaxLimit:     pc.MaxLimit,
				MinLimit:     pc.MinLimit,
				Bit:          pc.Bit,
				RelatedPoint: pc.RelatedPoint,
			})
		}
	}
	for _, mc := range root.Mappings {
		srcs := make([]repository.MappingSource, 0, len(mc.Sources))
		for _, s := range mc.Sources {
			srcs = append(srcs, repository.MappingSource{DeviceName: s.DeviceName, PointCode: s.PointCode, Alias: s.Alias})
		}
		mem.AddMapping(repository.MappingRow{
			DeviceName:      mc.TargetDevice,
			TargetPointCode: mc.TargetPointCode,
			Sources:         srcs,
			Formula:         mc.Expression,
			Enable:          mc.Enable,
		})
	}
	return mem
}

func protocolTypeOf(protocol string) repository.ProtocolType {
	switch protocol {
	case "modbus_tcp":
		return repository.ModbusTCP
	case "iec104":
		return repository.IEC104
	case "dlt645_serial", "dlt645_tcp":
		return repository.DLT645
	default:
		return repository.ModbusRTU
	}
}

func connTypeOf(protocol, role string) repository.ConnType {
	serial := protocol == "modbus_rtu" || protocol == "dlt645_serial"
	switch {
	case serial && role == "server":
		return repository.ConnSerialSlave
	case serial:
		return repository.ConnSerial
	case role == "server":
		return repository.ConnTCPServer
	default:
		return repository.ConnTCPClient
	}
}

func pointKindOf(s string) repository.PointKind {
	switch s {
	case "signal":
		return repository.KindSignal
	case "command":
		return repository.KindCommand
	case "setpoint":
		return repository.KindSetpoint
	default:
		return repository.KindAnalog
	}
}
