package modbus_test

import (
	"context"
	"testing"

	"github.com/emsgateway/simulator/internal/point"
	"github.com/emsgateway/simulator/internal/protocol/modbus"
	"github.com/stretchr/testify/require"
)

func serverCfg() modbus.Config {
	return modbus.Config{Mode: "tcp", Kind: "tcp", Endpoint: "127.0.0.1:0", UnitID: 1}
}

func TestDeviceServerRoleServesPointsDirectly(t *testing.T) {
	d := modbus.NewDevice(serverCfg(), "server")
	require.NoError(t, d.Initialize())

	p := point.New(point.Analog, "voltage", "voltage", 1, 10, 0x03, 0x02)
	d.AddPoints(p)

	ctx := context.Background()
	require.NoError(t, d.WriteValue(ctx, p, 2200))
	require.Equal(t, int64(2200), p.RawValue())

	raw, ok, err := d.ReadValue(ctx, p)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2200), raw)
}

func TestDeviceClientRoleLifecycleWithoutDialing(t *testing.T) {
	d := modbus.NewDevice(modbus.Config{Mode: "tcp", Kind: "tcp", Endpoint: "127.0.0.1:1", UnitID: 1}, "client")
	require.NoError(t, d.Initialize())
	require.False(t, d.Connected())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	require.False(t, d.Serving())
	require.NoError(t, d.Stop())
}

func TestDeviceCaptureRecordsReadsAndWrites(t *testing.T) {
	// port 1 is never listening on loopback, so every request fails fast
	// with connection-refused instead of hanging.
	d := modbus.NewDevice(modbus.Config{Mode: "tcp", Kind: "tcp", Endpoint: "127.0.0.1:1", UnitID: 1}, "client")
	require.NoError(t, d.Initialize())

	p := point.New(point.Analog, "voltage", "voltage", 1, 10, 0x03, 0x02)

	ctx := context.Background()
	_, _, readErr := d.ReadValue(ctx, p)
	require.Error(t, readErr)
	writeErr := d.WriteValue(ctx, p, 2200)
	require.Error(t, writeErr)

	stats := d.Stats()
	require.Equal(t, uint64(2), stats.TXCount)
	require.Equal(t, uint64(2), stats.RXCount)

	msgs := d.GetCaptured(10)
	require.Len(t, msgs, 4)

	d.ClearCaptured()
	require.Empty(t, d.GetCaptured(10))
}

func TestDeviceInitializeRejectsBadConfig(t *testing.T) {
	d := modbus.NewDevice(modbus.Config{Mode: "bogus", Kind: "tcp"}, "client")
	require.ErrorIs(t, d.Initialize(), modbus.ErrInvalidParameter)
}
