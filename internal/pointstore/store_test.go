package pointstore_test

import (
	"testing"

	"github.com/emsgateway/simulator/internal/point"
	"github.com/emsgateway/simulator/internal/pointstore"
	"github.com/stretchr/testify/require"
)

func newAnalog(code string, slave byte) *point.Point {
	return point.New(point.Analog, code, code, slave, 0, 3, 0x02)
}

func TestAddAndLookup(t *testing.T) {
	s := pointstore.New()
	p := newAnalog("P1", 1)
	require.NoError(t, s.Add(p))
	got, ok := s.ByCode("P1")
	require.True(t, ok)
	require.Same(t, p, got)
	require.Equal(t, []byte{1}, s.Slaves())
}

func TestAddDuplicateCodeFails(t *testing.T) {
	s := pointstore.New()
	require.NoError(t, s.Add(newAnalog("P1", 1)))
	err := s.Add(newAnalog("P1", 2))
	require.ErrorIs(t, err, pointstore.ErrDuplicateCode)
}

func TestRemovePrunesEmptySlaveBucket(t *testing.T) {
	s := pointstore.New()
	require.NoError(t, s.Add(newAnalog("P1", 1)))
	require.NoError(t, s.Remove("P1"))
	require.Empty(t, s.Slaves())
	_, ok := s.ByCode("P1")
	require.False(t, ok)
}

func TestChangeSlaveIDMovesPoint(t *testing.T) {
	s := pointstore.New()
	require.NoError(t, s.Add(newAnalog("P1", 1)))
	require.NoError(t, s.ChangeSlaveID("P1", 2))
	require.Equal(t, []byte{2}, s.Slaves())
	yc, _, _, _ := s.BySlave(2)
	require.Len(t, yc, 1)
}

func TestBySlaveReturnsIndependentCopies(t *testing.T) {
	s := pointstore.New()
	require.NoError(t, s.Add(newAnalog("P1", 1)))
	yc, _, _, _ := s.BySlave(1)
	yc[0] = nil
	yc2, _, _, _ := s.BySlave(1)
	require.NotNil(t, yc2[0])
}

func TestResetAllValuesZeroesRaw(t *testing.T) {
	s := pointstore.New()
	p := newAnalog("P1", 1)
	p.SetRaw(99)
	require.NoError(t, s.Add(p))
	s.ResetAllValues()
	require.Equal(t, int64(0), p.RawValue())
}
