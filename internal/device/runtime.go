package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/GoAethereal/cancel"
	"github.com/emsgateway/simulator/internal/capture"
	"github.com/emsgateway/simulator/internal/formula"
	"github.com/emsgateway/simulator/internal/point"
	"github.com/emsgateway/simulator/internal/pointstore"
	"github.com/emsgateway/simulator/internal/poll"
	"github.com/emsgateway/simulator/internal/protocol"
	"github.com/emsgateway/simulator/internal/repository"
	"github.com/emsgateway/simulator/internal/simulate"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// errBatchUnsupported signals that the adapter behind batchFallback has no
// native BatchReader; poll.Cycle treats any non-nil error from ReadBatch
// as "fall back to per-point reads" (spec.md §4.6), so this is never
// surfaced to a caller.
var errBatchUnsupported = errors.New("device: adapter has no batch read support")

// batchFallback adapts any protocol.Adapter into the combined
// poll.BatchReader/poll.SingleReader interface poll.Cycle requires, so
// SingleRead can coalesce and batch-read regardless of whether the
// concrete adapter implements poll.BatchReader itself.
type batchFallback struct {
	protocol.Adapter
}

func (b batchFallback) ReadBatch(ctx context.Context, slaveID, functionCode byte, start uint32, count int) ([]uint16, error) {
	if br, ok := b.Adapter.(poll.BatchReader); ok {
		return br.ReadBatch(ctx, slaveID, functionCode, start, count)
	}
	return nil, errBatchUnsupported
}

// Mode selects what drives a device's point values once it is running.
type Mode uint8

const (
	// ModeLive polls (client role) or serves (server role) a real or
	// emulated peer over the configured protocol adapter.
	ModeLive Mode = iota
	// ModeSimulate drives every point locally via the simulate package,
	// ignoring whatever protocol adapter is configured for transport;
	// useful for load/demo scenarios with no real counterpart (spec.md
	// §4.7).
	ModeSimulate
)

// Config is the static description of one device's runtime wiring. The
// protocol-specific pieces (modbus.Config, iec104.Config, dlt645.Config)
// live one level up, in the adapter the caller constructs and passes to
// New.
type Config struct {
	Name string
	Mode Mode
	// Role is "client" or "server", matching the role the caller
	// constructed the protocol adapter with. The poll scheduler only
	// runs for "client": a "server" adapter answers the remote peer
	// directly and is driven by ModeSimulate or the formula engine
	// instead.
	Role               string
	PollIntervalMs     int
	MaxGap             int
	MaxCount           int
	SimulateIntervalMs int
	// SimSettings maps a point code to its simulate.Settings; points
	// with no entry default to simulate.Random.
	SimSettings map[string]simulate.Settings
}

func (c Config) withDefaults() Config {
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = 1000
	}
	if c.SimulateIntervalMs <= 0 {
		c.SimulateIntervalMs = 1000
	}
	if c.MaxCount <= 0 {
		c.MaxCount = poll.DefaultMaxCount
	}
	return c
}

// Runtime ties one device's point store, protocol adapter, poll scheduler
// or simulator, and formula engine into a single Start/Stop lifecycle —
// the unit the controller supervises (spec.md §4.9).
type Runtime struct {
	cfg     Config
	store   *pointstore.Store
	adapter protocol.Adapter
	formula *formula.Engine
	log     *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// points is remembered from ImportPointsFromChannel so metadata edits
	// can be persisted back through the same repository. Nil when the
	// runtime was filled directly (tests, dynamic-only devices).
	points    repository.PointRepository
	channelID int64
}

// New builds a Runtime for one device. adapter is whichever protocol
// package's Device the caller constructed (modbus, iec104 or dlt645);
// Start calls its Initialize, and ImportPointsFromChannel and the dynamic
// add operations hand it points through AddPoints. lookup resolves sibling
// devices' point stores for cross-device formula sources.
func New(cfg Config, store *pointstore.Store, adapter protocol.Adapter, lookup formula.DeviceLookup, log *zap.SugaredLogger) *Runtime {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Runtime{
		cfg:     cfg.withDefaults(),
		store:   store,
		adapter: adapter,
		formula: formula.New(cfg.Name, lookup, log),
		log:     log,
	}
}

// Store exposes the device's point index, used by the controller to wire
// formula.DeviceLookup and by the operator API to answer point queries.
func (r *Runtime) Store() *pointstore.Store { return r.store }

// Formula exposes the device's formula engine so the controller can
// Reload it when the mapping set changes.
func (r *Runtime) Formula() *formula.Engine { return r.formula }

// Adapter exposes the underlying protocol adapter, used by the operator
// API to serve captured-message snapshots.
func (r *Runtime) Adapter() protocol.Adapter { return r.adapter }

// kindOf maps a repository row kind onto the point model's variant tag.
func kindOf(k repository.PointKind) point.Kind {
	switch k {
	case repository.KindSignal:
		return point.Signal
	case repository.KindCommand:
		return point.Command
	case repository.KindSetpoint:
		return point.Setpoint
	default:
		return point.Analog
	}
}

// ImportPointsFromChannel fills the point store from the channel's
// configured rows and registers every materialized point with the
// protocol adapter (spec.md §4.9 import_points_from_channel). The
// repository handle is remembered so EditPointMetadata can persist edits
// back through it. Related-point references are resolved in a second
// pass: a row may name a related point that appears later in the same
// channel's row list, so pointers can only be wired once every point
// exists in the store.
func (r *Runtime) ImportPointsFromChannel(points repository.PointRepository, channelID int64) error {
	rows, err := points.ByChannel(channelID)
	if err != nil {
		return Wrap(r.cfg.Name, ErrConfig, err)
	}
	pts := make([]*point.Point, 0, len(rows))
	related := make(map[string]string)
	for _, pr := range rows {
		p := point.New(kindOf(pr.Kind), pr.Code, pr.Name, pr.RTUAddr, pr.RegAddr, pr.FuncCode, pr.DecodeCode)
		p.MulCoe, p.AddCoe = pr.MulCoe, pr.AddCoe
		p.MaxLimit, p.MinLimit = pr.MaxLimit, pr.MinLimit
		// Bit only carries meaning on discrete rows; leaving other kinds
		// at point.New's -1 keeps them out of the bit-in-register paths.
		if p.Kind == point.Signal || p.Kind == point.Command {
			p.Bit = pr.Bit
		}
		if err := r.store.Add(p); err != nil {
			return Wrap(r.cfg.Name, ErrConfig, err)
		}
		pts = append(pts, p)
		if pr.RelatedPoint != "" {
			related[pr.Code] = pr.RelatedPoint
		}
	}
	for code, relatedCode := range related {
		p, _ := r.store.ByCode(code)
		if rp, ok := r.store.ByCode(relatedCode); ok {
			p.RelatedPoint = rp
		}
	}
	r.adapter.AddPoints(pts...)

	r.mu.Lock()
	r.points = points
	r.channelID = channelID
	r.mu.Unlock()
	return nil
}

// Start brings the device up: opens/starts the protocol adapter, starts
// the formula engine's executor, and then either begins the poll
// scheduler (ModeLive, client role only) or the simulate
// loop (ModeSimulate), depending on cfg.Mode.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancelFn := context.WithCancel(ctx)
	r.cancel = cancelFn
	r.running = true
	r.mu.Unlock()

	if err := r.adapter.Initialize(); err != nil {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return Wrap(r.cfg.Name, ErrConfig, err)
	}
	if err := r.adapter.Start(runCtx); err != nil {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return Wrap(r.cfg.Name, ErrLink, err)
	}

	formulaRoot := cancel.New()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		<-runCtx.Done()
		formulaRoot.Cancel()
	}()
	r.formula.Start(formulaRoot)

	switch r.cfg.Mode {
	case ModeSimulate:
		r.runSimulate(runCtx)
	default:
		r.runLive(runCtx)
	}
	return nil
}

// runLive starts the poll scheduler for a client-role adapter; a
// server-role adapter answers the remote peer directly out of the point
// table and needs no scheduler loop of its own. Adapters without a
// native batch primitive are polled point by point through the
// batchFallback degradation.
func (r *Runtime) runLive(ctx context.Context) {
	if r.cfg.Role != "client" {
		return
	}
	sched := &poll.Scheduler{
		Adapter:    batchFallback{r.adapter},
		IntervalMs: r.cfg.PollIntervalMs,
		MaxGap:     r.cfg.MaxGap,
		MaxCount:   r.cfg.MaxCount,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		sched.Run(ctx, r.store.All)
	}()
}

// runSimulate starts the per-second tick loop driving every registered
// point through the simulate package, independent of the protocol
// adapter's own connection state.
func (r *Runtime) runSimulate(ctx context.Context) {
	sim := simulate.New(time.Now().UnixNano())
	interval := time.Duration(r.cfg.SimulateIntervalMs) * time.Millisecond
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, p := range r.store.All() {
					if p.IsLockedByMapping {
						continue
					}
					sim.Tick(p, r.settingsFor(p))
				}
			}
		}
	}()
}

func (r *Runtime) settingsFor(p *point.Point) simulate.Settings {
	if s, ok := r.cfg.SimSettings[p.Code]; ok {
		return s
	}
	return simulate.Settings{Strategy: simulate.Random}
}

// Stop cancels the run context, waits for the scheduler/simulate/formula
// goroutines to exit, and stops the protocol adapter.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	cancelFn := r.cancel
	r.running = false
	r.mu.Unlock()

	cancelFn()
	r.wg.Wait()
	r.formula.Stop()
	return Wrap(r.cfg.Name, ErrLink, r.adapter.Stop())
}

// Running reports whether Start has been called without a matching Stop.
func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// AddPointDynamic registers p with the store and the protocol adapter
// while the device is running (spec.md §4.9). If p.Code is empty a
// correlation id is assigned so the caller can reference the point
// before any repository round-trip gives it a durable code; for IEC-104,
// which has no per-point hot-add primitive, the caller is expected to
// Stop and Start the runtime afterwards to force full re-initialization.
func (r *Runtime) AddPointDynamic(p *point.Point) error {
	if !r.Running() {
		return ErrNotRunning
	}
	if p.Code == "" {
		p.Code = uuid.NewString()
	}
	if err := r.store.Add(p); err != nil {
		return Wrap(r.cfg.Name, ErrMapping, err)
	}
	r.adapter.AddPoints(p)
	return nil
}

// RemovePointDynamic drops code from the store; it stops being polled
// (client role, the scheduler re-reads the store every cycle) or served
// (server role, once the adapter is next re-initialized).
func (r *Runtime) RemovePointDynamic(code string) error {
	if !r.Running() {
		return ErrNotRunning
	}
	if err := r.store.Remove(code); err != nil {
		return Wrap(r.cfg.Name, ErrMapping, err)
	}
	return nil
}

// AddSlaveDynamic registers every point belonging to a newly-discovered
// slave unit in one call (spec.md §4.9's add_slave_dynamic). For Modbus
// the datastore is simply extended in place, same as AddPointDynamic
// repeated per point; for IEC-104, which has no per-point or per-slave
// hot-add primitive, the caller is expected to Stop and Start the
// runtime afterwards so the adapter re-initializes against the full,
// now-larger point set.
func (r *Runtime) AddSlaveDynamic(points ...*point.Point) error {
	if !r.Running() {
		return ErrNotRunning
	}
	for _, p := range points {
		if p.Code == "" {
			p.Code = uuid.NewString()
		}
		if err := r.store.Add(p); err != nil {
			return Wrap(r.cfg.Name, ErrMapping, err)
		}
	}
	r.adapter.AddPoints(points...)
	return nil
}

// RemoveSlaveDynamic drops every point belonging to slaveID from the
// store in one call (spec.md §4.9's remove_slave_dynamic).
func (r *Runtime) RemoveSlaveDynamic(slaveID byte) error {
	if !r.Running() {
		return ErrNotRunning
	}
	yc, yx, yk, yt := r.store.BySlave(slaveID)
	for _, group := range [][]*point.Point{yc, yx, yk, yt} {
		for _, p := range group {
			if err := r.store.Remove(p.Code); err != nil {
				return Wrap(r.cfg.Name, ErrMapping, err)
			}
		}
	}
	return nil
}

// EditPointValue sets the named point's engineering value from the
// operator surface and pushes the resulting raw value through the
// protocol adapter so the wire representation follows (spec.md §4.9
// edit_point_value). A value the point's scaling/range rules reject
// returns ErrRange with no mutation; an adapter write failure marks the
// point stale and returns ErrTransientIO.
func (r *Runtime) EditPointValue(ctx context.Context, code string, realValue float64) error {
	if !r.Running() {
		return ErrNotRunning
	}
	p, ok := r.store.ByCode(code)
	if !ok {
		return ErrUnknownPoint
	}
	if !p.SetRealValue(realValue) {
		return Wrap(r.cfg.Name, ErrRange, errors.New("value rejected by scaling or register range"))
	}
	if err := r.adapter.WriteValue(ctx, p, p.RawValue()); err != nil {
		p.MarkStale()
		return Wrap(r.cfg.Name, ErrTransientIO, err)
	}
	return nil
}

// EditPointValueAsync is the fire-and-forget variant of EditPointValue:
// the write happens on its own goroutine with the adapter's default
// timeout, and failures are logged instead of returned.
func (r *Runtime) EditPointValueAsync(code string, realValue float64) {
	go func() {
		ctx, cancelFn := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancelFn()
		if err := r.EditPointValue(ctx, code, realValue); err != nil {
			r.log.Warnw("async point edit failed", "code", code, "error", err)
		}
	}()
}

// EditPointMetadata applies mutate to the named point's static fields
// (address, function code, scaling, limits), persists the edit through
// the repository the point was imported from (when there is one), and
// re-writes the point's current real value through the adapter so the
// wire side stays consistent with the new scaling.
func (r *Runtime) EditPointMetadata(ctx context.Context, code string, mutate func(*point.Point)) error {
	if !r.Running() {
		return ErrNotRunning
	}
	p, ok := r.store.ByCode(code)
	if !ok {
		return ErrUnknownPoint
	}
	mutate(p)

	r.mu.Lock()
	repo, channelID := r.points, r.channelID
	r.mu.Unlock()
	if repo != nil {
		row := repository.PointRow{
			ChannelID:  channelID,
			Code:       p.Code,
			Name:       p.Name,
			Kind:       rowKindOf(p.Kind),
			RTUAddr:    p.SlaveID,
			RegAddr:    p.Address,
			FuncCode:   p.FunctionCode,
			DecodeCode: p.DecodeCode,
			MulCoe:     p.MulCoe,
			AddCoe:     p.AddCoe,
			MaxLimit:   p.MaxLimit,
			MinLimit:   p.MinLimit,
			Bit:        p.Bit,
		}
		if err := repo.Upsert(row); err != nil {
			return Wrap(r.cfg.Name, ErrConfig, err)
		}
	}

	raw := p.RawValue()
	if err := r.adapter.WriteValue(ctx, p, raw); err != nil {
		return Wrap(r.cfg.Name, ErrCodec, err)
	}
	return nil
}

func rowKindOf(k point.Kind) repository.PointKind {
	switch k {
	case point.Signal:
		return repository.KindSignal
	case point.Command:
		return repository.KindCommand
	case point.Setpoint:
		return repository.KindSetpoint
	default:
		return repository.KindAnalog
	}
}

// SingleRead performs one synchronous poll cycle across every slave,
// coalescing points into the same batched address-range groups the
// background poll loop uses (spec.md §4.6, §4.9 single_read), and reports
// how many points were refreshed successfully. Between groups it sleeps
// intervalMs exactly like the scheduler.
func (r *Runtime) SingleRead(ctx context.Context, intervalMs int) (success, fail int) {
	groups := poll.Coalesce(r.store.All(), r.cfg.MaxGap, r.cfg.MaxCount)
	res := poll.Cycle(ctx, batchFallback{r.adapter}, groups, intervalMs)
	return res.Success, res.Fail
}

// TableRow is one row of a GetTableData projection.
type TableRow struct {
	Code      string
	Name      string
	SlaveID   byte
	Kind      point.Kind
	RealValue float64
	Stale     bool
}

// GetTableData projects the store into a paginated slice of TableRow for
// the operator surface (spec.md §4.9). slaveID 0 means every slave.
// frameTypes restricts the projection to those point kinds (empty means
// every kind); filter, if non-nil, is an additional predicate applied
// before pagination. In client mode, maskErrors blanks RealValue on stale
// rows instead of showing a number that may no longer be true.
func (r *Runtime) GetTableData(slaveID byte, filter func(*point.Point) bool, page, size int, frameTypes []point.Kind, maskErrors bool) (rows []TableRow, total int) {
	// Report-driven adapters (IEC-104 client) stage values on their socket
	// callback; flush them into the point model before projecting.
	if s, ok := r.adapter.(protocol.Syncer); ok {
		s.SyncFromAdapter(slaveID)
	}

	var pts []*point.Point
	if slaveID == 0 {
		pts = r.store.All()
	} else {
		yc, yx, yk, yt := r.store.BySlave(slaveID)
		pts = append(pts, yc...)
		pts = append(pts, yx...)
		pts = append(pts, yk...)
		pts = append(pts, yt...)
	}

	var kindAllowed map[point.Kind]bool
	if len(frameTypes) > 0 {
		kindAllowed = make(map[point.Kind]bool, len(frameTypes))
		for _, k := range frameTypes {
			kindAllowed[k] = true
		}
	}
	if kindAllowed != nil || filter != nil {
		filtered := pts[:0:0]
		for _, p := range pts {
			if kindAllowed != nil && !kindAllowed[p.Kind] {
				continue
			}
			if filter != nil && !filter(p) {
				continue
			}
			filtered = append(filtered, p)
		}
		pts = filtered
	}
	total = len(pts)

	start := page * size
	if start < 0 || start > total {
		start = total
	}
	end := total
	if size > 0 && start+size < total {
		end = start + size
	}

	for _, p := range pts[start:end] {
		row := TableRow{
			Code:      p.Code,
			Name:      p.Name,
			SlaveID:   p.SlaveID,
			Kind:      p.Kind,
			RealValue: p.RealValue(),
			Stale:     p.Validity() == point.Stale,
		}
		if maskErrors && row.Stale && r.cfg.Role == "client" {
			row.RealValue = 0
		}
		rows = append(rows, row)
	}
	return rows, total
}

// GetMessages returns up to limit captured frames from the adapter's
// ring, newest-last (spec.md §4.9 get_messages).
func (r *Runtime) GetMessages(limit int) []capture.Message {
	return r.adapter.GetCaptured(limit)
}

// ClearMessages empties the adapter's capture ring and resets its
// counters.
func (r *Runtime) ClearMessages() {
	r.adapter.ClearCaptured()
}

// AvgLatency returns the adapter's running TX-to-RX average latency in
// milliseconds, 0 when no pair has completed yet.
func (r *Runtime) AvgLatency() float64 {
	return r.adapter.Stats().AvgLatencyMs
}
