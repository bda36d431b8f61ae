package simulate_test

import (
	"testing"
	"time"

	"github.com/emsgateway/simulator/internal/point"
	"github.com/emsgateway/simulator/internal/simulate"
	"github.com/stretchr/testify/require"
)

func analog() *point.Point {
	p := point.New(point.Analog, "A", "a", 1, 0, 3, 0x02)
	p.MulCoe = 1
	p.MinLimit = 0
	p.MaxLimit = 10
	return p
}

func TestRandomStaysWithinLimits(t *testing.T) {
	p := analog()
	s := simulate.New(1)
	for i := 0; i < 50; i++ {
		s.Tick(p, simulate.Settings{Strategy: simulate.Random})
		require.GreaterOrEqual(t, p.RealValue(), 0.0)
		require.LessOrEqual(t, p.RealValue(), 10.0)
	}
}

func TestAutoIncrementWrapsAtMax(t *testing.T) {
	p := analog()
	p.SetRealValue(9.5)
	s := simulate.New(2)
	for i := 0; i < 20; i++ {
		s.Tick(p, simulate.Settings{Strategy: simulate.AutoIncrement, Step: 1})
	}
	require.GreaterOrEqual(t, p.RealValue(), 0.0)
	require.LessOrEqual(t, p.RealValue(), 10.0)
}

func TestPulseSquareWave(t *testing.T) {
	p := analog()
	s := simulate.New(3)
	s.Tick(p, simulate.Settings{Strategy: simulate.Pulse, Period: 100 * time.Millisecond, PulseWidth: 40 * time.Millisecond})
	require.Equal(t, p.MaxLimit, p.RealValue())
}

func TestSignalRandomFlipsBinary(t *testing.T) {
	p := point.New(point.Signal, "S", "s", 1, 0, 1, 0x01)
	s := simulate.New(4)
	for i := 0; i < 20; i++ {
		s.Tick(p, simulate.Settings{Strategy: simulate.Random})
		v := p.RealValue()
		require.True(t, v == 0 || v == 1)
	}
}
