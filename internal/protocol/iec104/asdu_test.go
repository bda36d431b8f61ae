package iec104_test

import (
	"testing"

	"github.com/emsgateway/simulator/internal/protocol/iec104"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeShortFloat(t *testing.T) {
	b := iec104.EncodeShortFloat(1, 16385, 230.5, iec104.CausePeriodic)

	a, err := iec104.Decode(b)
	require.NoError(t, err)
	require.Equal(t, iec104.MMeNc1, a.Type)
	require.Equal(t, iec104.CausePeriodic, a.Cause)
	require.Equal(t, uint16(1), a.CommonOA)
	require.Equal(t, iec104.InfoObjAddr(16385), a.Address)
	require.InDelta(t, 230.5, a.AsFloat32(), 1e-3)
}

func TestEncodeDecodeSinglePoint(t *testing.T) {
	on := iec104.EncodeSinglePoint(7, 1, true, iec104.CauseSpontaneous)
	a, err := iec104.Decode(on)
	require.NoError(t, err)
	require.True(t, a.AsBool())

	off := iec104.EncodeSinglePoint(7, 1, false, iec104.CauseSpontaneous)
	a, err = iec104.Decode(off)
	require.NoError(t, err)
	require.False(t, a.AsBool())
}

func TestEncodeDecodeSingleCommandAndSetpoint(t *testing.T) {
	cmd := iec104.EncodeSingleCommand(1, 0, true, iec104.CauseActivation)
	a, err := iec104.Decode(cmd)
	require.NoError(t, err)
	require.Equal(t, iec104.CScNa1, a.Type)
	require.True(t, a.AsBool())

	sp := iec104.EncodeSetpoint(1, 0, 12.5, iec104.CauseActivation)
	a, err = iec104.Decode(sp)
	require.NoError(t, err)
	require.Equal(t, iec104.CSeNc1, a.Type)
	require.InDelta(t, 12.5, a.AsFloat32(), 1e-3)
}

func TestEncodeInterrogation(t *testing.T) {
	b := iec104.EncodeInterrogation(1, iec104.CauseActivation)
	a, err := iec104.Decode(b)
	require.NoError(t, err)
	require.Equal(t, iec104.CIcNa1, a.Type)
}

func TestDecodeRejectsShortASDU(t *testing.T) {
	_, err := iec104.Decode([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestDecodeRejectsUnsupportedType(t *testing.T) {
	b := iec104.EncodeSinglePoint(1, 0, true, iec104.CauseSpontaneous)
	b[0] = 99
	_, err := iec104.Decode(b)
	require.ErrorIs(t, err, iec104.ErrTypeID)
}
