package device_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emsgateway/simulator/internal/capture"
	"github.com/emsgateway/simulator/internal/device"
	"github.com/emsgateway/simulator/internal/point"
	"github.com/emsgateway/simulator/internal/pointstore"
	"github.com/emsgateway/simulator/internal/repository"
	"github.com/emsgateway/simulator/internal/simulate"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a minimal protocol.Adapter + poll.BatchReader/SingleReader
// stand-in, recording calls instead of touching any real wire protocol.
type fakeAdapter struct {
	mu             sync.Mutex
	started        bool
	stopped        bool
	readCalls      int
	batchCalls     int
	lastBatchCount int
	writes         []int64
	stats          capture.Stats
	captured       []capture.Message
	cleared        bool
}

func (f *fakeAdapter) Initialize() error { return nil }
func (f *fakeAdapter) Start(ctx context.Context) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}
func (f *fakeAdapter) Stop() error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}
func (f *fakeAdapter) AddPoints(points ...*point.Point) {}
func (f *fakeAdapter) ReadValue(ctx context.Context, p *point.Point) (int64, bool, error) {
	f.mu.Lock()
	f.readCalls++
	f.mu.Unlock()
	return 0, true, nil
}
func (f *fakeAdapter) WriteValue(ctx context.Context, p *point.Point, raw int64) error {
	f.mu.Lock()
	f.writes = append(f.writes, raw)
	f.mu.Unlock()
	return nil
}
func (f *fakeAdapter) GetCaptured(limit int) []capture.Message { return f.captured }
func (f *fakeAdapter) ClearCaptured()                          { f.cleared = true }
func (f *fakeAdapter) Stats() capture.Stats                    { return f.stats }
func (f *fakeAdapter) ReadBatch(ctx context.Context, slaveID, functionCode byte, start uint32, count int) ([]uint16, error) {
	f.mu.Lock()
	f.batchCalls++
	f.lastBatchCount = count
	f.mu.Unlock()
	return make([]uint16, count), nil
}

func (f *fakeAdapter) batchCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batchCalls
}
func (f *fakeAdapter) Connected() bool { return true }

func (f *fakeAdapter) wasStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeAdapter) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func newTestPoint(code string) *point.Point {
	return point.New(point.Analog, code, code, 1, 0, 3, 0x02)
}

func newSlavePoint(code string, slaveID byte) *point.Point {
	return point.New(point.Analog, code, code, slaveID, 0, 3, 0x02)
}

func TestRuntimeStartStopLive(t *testing.T) {
	store := pointstore.New()
	require.NoError(t, store.Add(newTestPoint("a")))

	adapter := &fakeAdapter{}
	rt := device.New(device.Config{
		Name: "dev1",
		Mode: device.ModeLive,
		Role: "client",
	}, store, adapter, nil, nil)

	require.False(t, rt.Running())
	require.NoError(t, rt.Start(context.Background()))
	require.True(t, rt.Running())
	require.True(t, adapter.wasStarted())

	require.ErrorIs(t, rt.Start(context.Background()), device.ErrAlreadyRunning)

	require.NoError(t, rt.Stop())
	require.False(t, rt.Running())
	require.True(t, adapter.wasStopped())

	require.ErrorIs(t, rt.Stop(), device.ErrNotRunning)
}

func TestRuntimeSingleReadBatchesContiguousPoints(t *testing.T) {
	store := pointstore.New()
	require.NoError(t, store.Add(point.New(point.Analog, "a1", "a1", 1, 0, 3, 0x02)))
	require.NoError(t, store.Add(point.New(point.Analog, "a2", "a2", 1, 1, 3, 0x02)))
	require.NoError(t, store.Add(point.New(point.Analog, "a3", "a3", 1, 2, 3, 0x02)))

	adapter := &fakeAdapter{}
	rt := device.New(device.Config{Name: "dev7", Role: "client"}, store, adapter, nil, nil)

	success, fail := rt.SingleRead(context.Background(), 0)
	require.Equal(t, 3, success)
	require.Equal(t, 0, fail)
	require.Equal(t, 1, adapter.batchCallCount())
	require.Equal(t, 3, adapter.lastBatchCount)
}

func TestRuntimeSimulateModeDrivesUnlockedPoints(t *testing.T) {
	store := pointstore.New()
	p := newTestPoint("sim1")
	p.MulCoe = 1
	p.MaxLimit = 1e9
	p.MinLimit = -1e9
	require.NoError(t, store.Add(p))

	rt := device.New(device.Config{
		Name:               "dev2",
		Mode:               device.ModeSimulate,
		Role:               "client",
		SimulateIntervalMs: 10,
		SimSettings: map[string]simulate.Settings{
			"sim1": {Strategy: simulate.AutoIncrement, Step: 1},
		},
	}, store, &fakeAdapter{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, rt.Start(ctx))
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, rt.Stop())

	require.Greater(t, p.RealValue(), 0.0)
}

func TestRuntimeSimulateSkipsMappingLockedPoints(t *testing.T) {
	store := pointstore.New()
	p := newTestPoint("locked")
	p.IsLockedByMapping = true
	require.NoError(t, store.Add(p))

	rt := device.New(device.Config{
		Name:               "dev3",
		Mode:               device.ModeSimulate,
		SimulateIntervalMs: 10,
	}, store, &fakeAdapter{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, rt.Start(ctx))
	time.Sleep(30 * time.Millisecond)
	cancel()
	require.NoError(t, rt.Stop())

	require.Equal(t, 0.0, p.RealValue())
}

func TestRuntimeAddAndRemovePointDynamic(t *testing.T) {
	store := pointstore.New()
	adapter := &fakeAdapter{}
	rt := device.New(device.Config{Name: "dev4", Role: "client"}, store, adapter, nil, nil)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	p := newTestPoint("")
	require.NoError(t, rt.AddPointDynamic(p))
	require.NotEmpty(t, p.Code)
	_, ok := store.ByCode(p.Code)
	require.True(t, ok)

	require.NoError(t, rt.RemovePointDynamic(p.Code))
	_, ok = store.ByCode(p.Code)
	require.False(t, ok)

	require.ErrorIs(t, rt.RemovePointDynamic(p.Code), device.ErrMapping)
}

func TestRuntimeAddAndRemoveSlaveDynamic(t *testing.T) {
	store := pointstore.New()
	adapter := &fakeAdapter{}
	rt := device.New(device.Config{Name: "dev5", Role: "client"}, store, adapter, nil, nil)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	pts := []*point.Point{newSlavePoint("s1", 7), newSlavePoint("s2", 7)}
	require.NoError(t, rt.AddSlaveDynamic(pts...))
	require.Equal(t, 2, store.Len())

	require.NoError(t, rt.RemoveSlaveDynamic(7))
	require.Equal(t, 0, store.Len())
}

func TestRuntimeGetTableDataFiltersByFrameTypeAndPredicate(t *testing.T) {
	store := pointstore.New()
	require.NoError(t, store.Add(point.New(point.Analog, "an1", "an1", 1, 0, 3, 0x02)))
	require.NoError(t, store.Add(point.New(point.Signal, "sg1", "sg1", 1, 1, 2, 0x00)))
	require.NoError(t, store.Add(point.New(point.Analog, "an2", "an2", 1, 2, 3, 0x02)))

	rt := device.New(device.Config{Name: "dev8", Role: "client"}, store, &fakeAdapter{}, nil, nil)

	rows, total := rt.GetTableData(0, nil, 0, 10, []point.Kind{point.Analog}, false)
	require.Equal(t, 2, total)
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.Equal(t, point.Analog, row.Kind)
	}

	rows, total = rt.GetTableData(0, func(p *point.Point) bool { return p.Code == "an2" }, 0, 10, nil, false)
	require.Equal(t, 1, total)
	require.Equal(t, "an2", rows[0].Code)
}

func TestRuntimeEditPointValueWritesThroughAdapter(t *testing.T) {
	store := pointstore.New()
	p := newTestPoint("v1")
	p.MulCoe = 0.1
	require.NoError(t, store.Add(p))

	adapter := &fakeAdapter{}
	rt := device.New(device.Config{Name: "dev9", Role: "server"}, store, adapter, nil, nil)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	require.NoError(t, rt.EditPointValue(context.Background(), "v1", 123.4))
	require.Equal(t, int64(1234), p.RawValue())
	require.Equal(t, []int64{1234}, adapter.writes)

	// one beyond the signed 16-bit range at 0.1 scaling
	require.ErrorIs(t, rt.EditPointValue(context.Background(), "v1", 3276.8), device.ErrRange)
	require.Equal(t, int64(1234), p.RawValue())

	require.ErrorIs(t, rt.EditPointValue(context.Background(), "nope", 1), device.ErrUnknownPoint)
}

func TestRuntimeEditPointValueRequiresRunning(t *testing.T) {
	store := pointstore.New()
	require.NoError(t, store.Add(newTestPoint("v2")))
	rt := device.New(device.Config{Name: "dev10", Role: "server"}, store, &fakeAdapter{}, nil, nil)
	require.ErrorIs(t, rt.EditPointValue(context.Background(), "v2", 1), device.ErrNotRunning)
}

func TestRuntimeMessageAccessors(t *testing.T) {
	adapter := &fakeAdapter{
		stats:    capture.Stats{TXCount: 2, RXCount: 2, PairCount: 2, AvgLatencyMs: 55},
		captured: []capture.Message{{SequenceID: 1}, {SequenceID: 2}},
	}
	rt := device.New(device.Config{Name: "dev11", Role: "client"}, pointstore.New(), adapter, nil, nil)

	require.Len(t, rt.GetMessages(0), 2)
	require.Equal(t, 55.0, rt.AvgLatency())
	rt.ClearMessages()
	require.True(t, adapter.cleared)
}

func TestRuntimeImportPointsFromChannel(t *testing.T) {
	mem := repository.NewMemory()
	mem.AddPoint(repository.PointRow{
		ChannelID: 4, Code: "sw", Name: "sw", Kind: repository.KindSignal,
		RegAddr: 1, FuncCode: 1, DecodeCode: 0x01, RelatedPoint: "echo",
	})
	mem.AddPoint(repository.PointRow{
		ChannelID: 4, Code: "echo", Name: "echo", Kind: repository.KindSignal,
		RegAddr: 2, FuncCode: 1, DecodeCode: 0x01,
	})

	store := pointstore.New()
	rt := device.New(device.Config{Name: "dev12", Role: "server"}, store, &fakeAdapter{}, nil, nil)
	require.NoError(t, rt.ImportPointsFromChannel(mem.Points(), 4))
	require.Equal(t, 2, store.Len())

	sw, ok := store.ByCode("sw")
	require.True(t, ok)
	echo, _ := store.ByCode("echo")
	require.Same(t, echo, sw.RelatedPoint)

	// importing the same channel again collides on codes
	require.ErrorIs(t, rt.ImportPointsFromChannel(mem.Points(), 4), device.ErrConfig)
}

func TestRuntimeEditPointMetadataPersists(t *testing.T) {
	mem := repository.NewMemory()
	mem.AddPoint(repository.PointRow{
		ChannelID: 5, Code: "m1", Name: "m1", Kind: repository.KindAnalog,
		RegAddr: 10, FuncCode: 3, DecodeCode: 0x02, MulCoe: 1,
	})

	rt := device.New(device.Config{Name: "dev13", Role: "server"}, pointstore.New(), &fakeAdapter{}, nil, nil)
	require.NoError(t, rt.ImportPointsFromChannel(mem.Points(), 5))
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	require.NoError(t, rt.EditPointMetadata(context.Background(), "m1", func(p *point.Point) {
		p.MulCoe = 0.5
	}))

	rows, err := mem.Points().ByChannel(5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 0.5, rows[0].MulCoe)
}

// syncingAdapter implements protocol.Syncer on top of fakeAdapter.
type syncingAdapter struct {
	fakeAdapter
	synced []byte
}

func (s *syncingAdapter) SyncFromAdapter(slaveID byte) {
	s.mu.Lock()
	s.synced = append(s.synced, slaveID)
	s.mu.Unlock()
}

func TestRuntimeGetTableDataSyncsReportDrivenAdapters(t *testing.T) {
	store := pointstore.New()
	require.NoError(t, store.Add(newTestPoint("a")))

	adapter := &syncingAdapter{}
	rt := device.New(device.Config{Name: "dev14", Role: "client"}, store, adapter, nil, nil)

	rt.GetTableData(1, nil, 0, 10, nil, false)
	require.Equal(t, []byte{1}, adapter.synced)
}

func TestRuntimeDynamicOpsRequireRunning(t *testing.T) {
	store := pointstore.New()
	rt := device.New(device.Config{Name: "dev6", Role: "client"}, store, &fakeAdapter{}, nil, nil)

	require.ErrorIs(t, rt.AddPointDynamic(newTestPoint("x")), device.ErrNotRunning)
	require.ErrorIs(t, rt.RemovePointDynamic("x"), device.ErrNotRunning)
	require.ErrorIs(t, rt.AddSlaveDynamic(newSlavePoint("y", 2)), device.ErrNotRunning)
	require.ErrorIs(t, rt.RemoveSlaveDynamic(2), device.ErrNotRunning)
}
