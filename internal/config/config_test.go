package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/emsgateway/simulator/internal/config"
	"github.com/emsgateway/simulator/internal/device"
	"github.com/emsgateway/simulator/internal/repository"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  development: true

channels:
  - name: plc-1
    protocol: modbus_tcp
    role: client
    mode: live
    endpoint: "10.0.0.5:502"
    unit_id: 3
    points:
      - code: voltage
        name: Voltage
        kind: analog
        address: 100
        function_code: 3
        decode_code: 2
        mul_coe: 0.1
  - name: meter-1
    protocol: dlt645_serial
    role: client
    endpoint: /dev/ttyUSB0
    meter_address: "123456789012"
    serial:
      baud_rate: 2400
      data_bits: 8
      stop_bits: 1
      parity: E

mappings:
  - id: "1"
    target_device: plc-1
    target_point_code: sum
    expression: "voltage * 2"
    enable: true
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatewayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesChannelsAndMappings(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	root, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, "debug", root.Logging.Level)
	require.True(t, root.Logging.Development)
	require.Len(t, root.Channels, 2)
	require.Len(t, root.Mappings, 1)
	require.Equal(t, "voltage", root.Channels[0].Points[0].Code)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestModeOf(t *testing.T) {
	require.Equal(t, device.ModeSimulate, config.ModeOf("simulate"))
	require.Equal(t, device.ModeLive, config.ModeOf("live"))
	require.Equal(t, device.ModeLive, config.ModeOf(""))
}

func TestToRepositorySplitsEndpointAndCarriesProtocolFields(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	root, err := config.Load(path)
	require.NoError(t, err)

	mem := config.ToRepository(root)

	plc, err := mem.Channels().ByCode("plc-1")
	require.NoError(t, err)
	require.Equal(t, repository.ModbusTCP, plc.ProtocolType)
	require.Equal(t, repository.ConnTCPClient, plc.ConnType)
	require.Equal(t, "10.0.0.5", plc.IP)
	require.Equal(t, 502, plc.Port)
	require.Equal(t, byte(3), plc.RTUAddr)

	meter, err := mem.Channels().ByCode("meter-1")
	require.NoError(t, err)
	require.Equal(t, repository.DLT645, meter.ProtocolType)
	require.Equal(t, repository.ConnSerial, meter.ConnType)
	require.Equal(t, "/dev/ttyUSB0", meter.ComPort)
	require.Equal(t, "123456789012", meter.MeterAddress)
	require.Equal(t, 2400, meter.BaudRate)

	points, err := mem.Points().ByChannel(plc.ID)
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Equal(t, repository.KindAnalog, points[0].Kind)
	require.Equal(t, 0.1, points[0].MulCoe)

	mappings, err := mem.Mappings().ByDevice("plc-1")
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	require.Equal(t, "voltage * 2", mappings[0].Formula)
}
