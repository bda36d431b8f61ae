package poll_test

import (
	"context"
	"testing"

	"github.com/emsgateway/simulator/internal/point"
	"github.com/emsgateway/simulator/internal/poll"
	"github.com/stretchr/testify/require"
)

func analogAt(addr uint32, decode byte) *point.Point {
	p := point.New(point.Analog, "p", "p", 1, addr, 3, decode)
	p.MulCoe = 1
	return p
}

func TestCoalesceStrictAdjacency(t *testing.T) {
	pts := []*point.Point{
		analogAt(0, 0x31), // 2 registers: [0,2)
		analogAt(2, 0x31), // [2,4)
		analogAt(10, 0x31), // gap, new group
	}
	groups := poll.Coalesce(pts, 0, 120)
	require.Len(t, groups, 2)
	require.Equal(t, uint32(0), groups[0].StartAddress)
	require.Equal(t, 4, groups[0].RegisterCount)
	require.Equal(t, uint32(10), groups[1].StartAddress)
}

func TestCoalesceDropsPointsWithoutFunctionCode(t *testing.T) {
	p := point.New(point.Command, "cmd", "cmd", 1, 0, 0, 0x01)
	groups := poll.Coalesce([]*point.Point{p}, 0, 120)
	require.Empty(t, groups)
}

func TestCoalesceMaxCountBoundary(t *testing.T) {
	// 60 analog points of 2 registers each = 120 words exactly -> one group.
	var pts []*point.Point
	for i := 0; i < 60; i++ {
		pts = append(pts, analogAt(uint32(i*2), 0x31))
	}
	groups := poll.Coalesce(pts, 0, 120)
	require.Len(t, groups, 1)
	require.Equal(t, 120, groups[0].RegisterCount)

	// One more point pushes the span to 122 -> must split.
	pts = append(pts, analogAt(120, 0x31))
	groups = poll.Coalesce(pts, 0, 120)
	require.Len(t, groups, 2)
}

type fakeAdapter struct {
	batch func(ctx context.Context, slave, fc byte, start uint32, count int) ([]uint16, error)
}

func (f *fakeAdapter) ReadBatch(ctx context.Context, slave, fc byte, start uint32, count int) ([]uint16, error) {
	return f.batch(ctx, slave, fc, start, count)
}
func (f *fakeAdapter) ReadValue(ctx context.Context, p *point.Point) (int64, bool, error) {
	return 0, false, context.Canceled
}

func TestCycleBatchReadDecodesEachPoint(t *testing.T) {
	p1 := analogAt(0, 0x31)
	p2 := analogAt(2, 0x31)
	groups := poll.Coalesce([]*point.Point{p1, p2}, 0, 120)
	adapter := &fakeAdapter{batch: func(ctx context.Context, slave, fc byte, start uint32, count int) ([]uint16, error) {
		return []uint16{0, 10, 0, 20}, nil
	}}
	res := poll.Cycle(context.Background(), adapter, groups, 0)
	require.Equal(t, 2, res.Success)
	require.Equal(t, 0, res.Fail)
	require.Equal(t, int64(10), p1.RawValue())
	require.Equal(t, int64(20), p2.RawValue())
}

func TestCycleExtractsBitAddressedSignals(t *testing.T) {
	b0 := point.New(point.Signal, "b0", "b0", 1, 5, 3, 0x01)
	b0.Bit = 0
	b3 := point.New(point.Signal, "b3", "b3", 1, 5, 3, 0x01)
	b3.Bit = 3
	groups := poll.Coalesce([]*point.Point{b0, b3}, 0, 120)
	adapter := &fakeAdapter{batch: func(ctx context.Context, slave, fc byte, start uint32, count int) ([]uint16, error) {
		return []uint16{0x0008}, nil
	}}
	res := poll.Cycle(context.Background(), adapter, groups, 0)
	require.Equal(t, 2, res.Success)
	require.Equal(t, int64(0), b0.RawValue())
	require.Equal(t, int64(1), b3.RawValue())
}

func TestCycleIsolatesGroupFailures(t *testing.T) {
	p1 := analogAt(0, 0x31)
	p2 := analogAt(100, 0x31)
	groups := poll.Coalesce([]*point.Point{p1, p2}, 0, 120)
	calls := 0
	adapter := &fakeAdapter{batch: func(ctx context.Context, slave, fc byte, start uint32, count int) ([]uint16, error) {
		calls++
		if start == 0 {
			return nil, context.DeadlineExceeded
		}
		return []uint16{0, 5}, nil
	}}
	res := poll.Cycle(context.Background(), adapter, groups, 0)
	require.Equal(t, 2, calls)
	require.Equal(t, 1, res.Success)
	require.Equal(t, 1, res.Fail)
	require.Equal(t, point.Stale, p1.Validity())
}
