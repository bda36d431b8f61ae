package dlt645_test

import (
	"context"
	"testing"

	"github.com/emsgateway/simulator/internal/point"
	"github.com/emsgateway/simulator/internal/protocol/dlt645"
	"github.com/stretchr/testify/require"
)

func TestDeviceServerRoleServesAndAcceptsParameterWrites(t *testing.T) {
	d := dlt645.NewDevice(dlt645.Config{MeterAddress: "123456789012"}, "server")
	require.NoError(t, d.Initialize())

	energy := point.New(point.Analog, "energy", "energy", 0, 0x00000100, 0, 0x02)
	param := point.New(point.Analog, "param", "param", 0, 0x04000100, 0, 0x02)
	d.AddPoints(energy, param)

	ctx := context.Background()
	require.NoError(t, d.WriteValue(ctx, param, 42))
	raw, ok, err := d.ReadValue(ctx, param)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(42), raw)

	v, width, found := d.GetData(0x04000100)
	require.True(t, found)
	require.Equal(t, int64(42), v)
	require.Greater(t, width, 0)

	require.True(t, d.SetData(0x04000100, 7))
	require.False(t, d.SetData(0x00000100, 7)) // only the 0x04 parameter class is writable
}

func TestDeviceInitializeRejectsBadMeterAddress(t *testing.T) {
	d := dlt645.NewDevice(dlt645.Config{MeterAddress: "not-a-meter"}, "client")
	require.Error(t, d.Initialize())
}

func TestDeviceClientRoleRejectsNonParameterWrite(t *testing.T) {
	d := dlt645.NewDevice(dlt645.Config{
		Kind:         "tcp",
		Endpoint:     "127.0.0.1:1",
		MeterAddress: "123456789012",
	}, "client")
	require.NoError(t, d.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))

	energy := point.New(point.Analog, "energy", "energy", 0, 0x00000100, 0, 0x02)
	require.ErrorIs(t, d.WriteValue(ctx, energy, 1), dlt645.ErrNotParameter)
	require.NoError(t, d.Stop())
}

func TestDeviceClientRoleRecordsFailedRead(t *testing.T) {
	d := dlt645.NewDevice(dlt645.Config{
		Kind:         "tcp",
		Endpoint:     "127.0.0.1:1",
		MeterAddress: "123456789012",
	}, "client")
	require.NoError(t, d.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	require.False(t, d.Connected())

	p := point.New(point.Analog, "energy", "energy", 0, 0x00000100, 0, 0x02)
	_, ok, err := d.ReadValue(ctx, p)
	require.Error(t, err)
	require.False(t, ok)

	stats := d.Stats()
	require.Equal(t, uint64(1), stats.TXCount)
	require.Equal(t, uint64(1), stats.RXCount)
	require.NoError(t, d.Stop())
}
