package iec104_test

import (
	"context"
	"testing"

	"github.com/emsgateway/simulator/internal/point"
	"github.com/emsgateway/simulator/internal/protocol/iec104"
	"github.com/stretchr/testify/require"
)

func TestDeviceServerRoleUpdatesPointsLocally(t *testing.T) {
	d := iec104.NewDevice(iec104.Config{Endpoint: "127.0.0.1:0", CommonAddr: 1}, "server")
	require.NoError(t, d.Initialize())

	p := point.New(point.Analog, "freq", "freq", 1, 7, 0, 0x02)
	d.AddPoints(p)

	ctx := context.Background()
	require.NoError(t, d.WriteValue(ctx, p, 5000))
	raw, ok, err := d.ReadValue(ctx, p)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(5000), raw)
}

func TestDeviceInitializeRequiresEndpoint(t *testing.T) {
	d := iec104.NewDevice(iec104.Config{}, "client")
	require.ErrorIs(t, d.Initialize(), iec104.ErrNotConnected)
}

func TestDeviceClientRoleRecordsFailedWrite(t *testing.T) {
	d := iec104.NewDevice(iec104.Config{Endpoint: "127.0.0.1:1"}, "client")
	require.NoError(t, d.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.Error(t, d.Start(ctx))
	require.False(t, d.Connected())

	p := point.New(point.Signal, "breaker", "breaker", 1, 3, 0, 0x00)
	require.ErrorIs(t, d.WriteValue(ctx, p, 1), iec104.ErrNotConnected)

	stats := d.Stats()
	require.Equal(t, uint64(1), stats.TXCount)
	require.Equal(t, uint64(1), stats.RXCount)
	require.NoError(t, d.Stop())
}
