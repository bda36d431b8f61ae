package repository_test

import (
	"testing"

	"github.com/emsgateway/simulator/internal/repository"
	"github.com/stretchr/testify/require"
)

func TestMemoryChannelsByCode(t *testing.T) {
	mem := repository.NewMemory()
	mem.AddChannel(repository.Channel{ID: 1, Code: "plc-1", ProtocolType: repository.ModbusTCP})
	mem.AddChannel(repository.Channel{ID: 2, Code: "meter-1", ProtocolType: repository.DLT645})

	all, err := mem.Channels().All()
	require.NoError(t, err)
	require.Len(t, all, 2)

	ch, err := mem.Channels().ByCode("meter-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), ch.ID)

	_, err = mem.Channels().ByCode("nope")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestMemorySlavesByChannel(t *testing.T) {
	mem := repository.NewMemory()
	mem.AddSlave(repository.Slave{ID: 1, ChannelID: 1, SlaveID: 1, Name: "unit-1"})
	mem.AddSlave(repository.Slave{ID: 2, ChannelID: 1, SlaveID: 2, Name: "unit-2"})
	mem.AddSlave(repository.Slave{ID: 3, ChannelID: 2, SlaveID: 1, Name: "other-channel"})

	slaves, err := mem.Slaves().ByChannel(1)
	require.NoError(t, err)
	require.Len(t, slaves, 2)
}

func TestMemoryPointsUpsertAndDelete(t *testing.T) {
	mem := repository.NewMemory()
	mem.AddPoint(repository.PointRow{ChannelID: 1, Code: "p1", Kind: repository.KindAnalog})

	rows, err := mem.Points().ByChannel(1)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, mem.Points().Upsert(repository.PointRow{ChannelID: 1, Code: "p2", Kind: repository.KindSignal}))
	rows, err = mem.Points().ByChannel(1)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.NoError(t, mem.Points().Upsert(repository.PointRow{ChannelID: 1, Code: "p1", Kind: repository.KindAnalog, MaxLimit: 100}))
	rows, err = mem.Points().ByChannel(1)
	require.NoError(t, err)
	require.Len(t, rows, 2, "upsert of an existing code must replace, not append")

	require.NoError(t, mem.Points().Delete("p1"))
	rows, err = mem.Points().ByChannel(1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "p2", rows[0].Code)
}

func TestMemoryMappingsByDevice(t *testing.T) {
	mem := repository.NewMemory()
	mem.AddMapping(repository.MappingRow{ID: 1, DeviceName: "meter-1", TargetPointCode: "sum"})
	mem.AddMapping(repository.MappingRow{ID: 2, DeviceName: "meter-2", TargetPointCode: "avg"})

	all, err := mem.Mappings().All()
	require.NoError(t, err)
	require.Len(t, all, 2)

	rows, err := mem.Mappings().ByDevice("meter-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "sum", rows[0].TargetPointCode)
}
