package point_test

import (
	"testing"

	"github.com/emsgateway/simulator/internal/point"
	"github.com/stretchr/testify/require"
)

func TestSetRawUpdatesHexAndReal(t *testing.T) {
	p := point.New(point.Analog, "P1", "test", 1, 0, 3, 0x02)
	p.AddCoe = 0
	p.MulCoe = 0.1
	p.SetRaw(1234)
	require.Equal(t, int64(1234), p.RawValue())
	require.Equal(t, "04D2", p.HexValue())
	require.InDelta(t, 123.4, p.RealValue(), 1e-9)
}

func TestSetRawNegativeHexStaysRegisterWidth(t *testing.T) {
	p := point.New(point.Analog, "P1", "test", 1, 0, 3, 0x02)
	p.SetRaw(-1)
	require.Equal(t, "FFFF", p.HexValue())
	p.SetRaw(-32768)
	require.Equal(t, "8000", p.HexValue())
}

func TestSetRealValueOverflowLeavesRawUnchanged(t *testing.T) {
	p := point.New(point.Analog, "P1", "test", 1, 0, 3, 0x02)
	p.MulCoe = 1
	p.AddCoe = 0
	require.True(t, p.SetRealValue(32767))
	require.Equal(t, int64(32767), p.RawValue())
	require.False(t, p.SetRealValue(32768))
	require.Equal(t, int64(32767), p.RawValue())
}

func TestSignalRejectsNonBinary(t *testing.T) {
	p := point.New(point.Signal, "S1", "switch", 1, 0, 1, 0x01)
	require.False(t, p.SetRealValue(2))
	require.True(t, p.SetRealValue(1))
	require.Equal(t, int64(1), p.RawValue())
}

func TestDivisionByZeroMulCoeFails(t *testing.T) {
	p := point.New(point.Analog, "P1", "test", 1, 0, 3, 0x02)
	p.MulCoe = 0
	require.False(t, p.SetRealValue(10))
}

func TestChangeNotificationFiresOnceOnSameRawValue(t *testing.T) {
	p := point.New(point.Signal, "A", "switch", 1, 0, 1, 0x01)
	count := 0
	p.Subscribe(func(self, related *point.Point) { count++ })
	p.SetRaw(1)
	p.SetRaw(1)
	require.Equal(t, 1, count)
}

func TestRelatedPointPropagatesOnce(t *testing.T) {
	a := point.New(point.Signal, "A", "switch", 1, 0, 1, 0x01)
	b := point.New(point.Signal, "B", "echo", 1, 1, 1, 0x01)
	a.RelatedPoint = b
	a.RelatedValue = point.RelatedMapping{1: 1, 0: 0}

	var bChanges int
	b.Subscribe(func(self, related *point.Point) { bChanges++ })

	a.SetRaw(1)
	require.Equal(t, int64(1), b.RawValue())
	require.Equal(t, 1, bChanges)

	a.SetRaw(1) // unchanged, must not re-fire
	require.Equal(t, 1, bChanges)
}

func TestReentrancyGuardPreventsSelfRecursion(t *testing.T) {
	p := point.New(point.Signal, "A", "loop", 1, 0, 1, 0x01)
	var calls int
	p.Subscribe(func(self, related *point.Point) {
		calls++
		if calls < 5 {
			self.SetRaw(self.RawValue()) // would recurse without the guard
		}
	})
	p.SetRaw(1)
	require.Equal(t, 1, calls)
}
