package formula

import (
	"math"
	"sync"

	"github.com/GoAethereal/cancel"
	"github.com/emsgateway/simulator/internal/point"
	"go.uber.org/zap"
)

// Source is one input to a Mapping: the point identified by
// (DeviceName, PointCode), bound to Alias inside Expression.
type Source struct {
	DeviceName string
	PointCode  string
	Alias      string
}

// Mapping is a formula binding one target point to one or more source
// points (spec.md §3.5).
type Mapping struct {
	ID              string
	TargetDevice    string
	TargetPointCode string
	Sources         []Source
	Expression      string
	Enabled         bool
}

// PointResolver resolves a point code to a live point within one device.
type PointResolver interface {
	ByCode(code string) (*point.Point, bool)
}

// DeviceLookup resolves a device name to its PointResolver, letting the
// FormulaEngine subscribe to points owned by other devices.
type DeviceLookup func(deviceName string) (PointResolver, bool)

// loadedMapping is the engine's armed, subscribed state for one Mapping.
type loadedMapping struct {
	m         Mapping
	expr      *Expr
	target    *point.Point
	sources   map[string]*point.Point // alias -> point
	parseErr  error
}

// Engine evaluates mappings for exactly one device (the target device).
// Evaluations run on a single-worker executor so they are strictly
// ordered and never interleave with themselves (spec.md §4.8, §5).
type Engine struct {
	deviceName string
	lookup     DeviceLookup
	log        *zap.SugaredLogger

	mu       sync.RWMutex
	mappings map[string]*loadedMapping
	bySource map[string][]string // "device|code" -> mapping ids

	queue  chan func()
	cancel cancel.Context
	wg     sync.WaitGroup
}

// New creates an Engine for deviceName. lookup is used to resolve source
// points that live on other devices.
func New(deviceName string, lookup DeviceLookup, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		deviceName: deviceName,
		lookup:     lookup,
		log:        log,
		mappings:   make(map[string]*loadedMapping),
		bySource:   make(map[string][]string),
		queue:      make(chan func(), 64),
	}
}

// Start runs the single-worker executor until ctx is canceled. Queued
// evaluations for a stopped device are dropped, not drained.
func (e *Engine) Start(ctx cancel.Context) {
	e.cancel = ctx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-e.queue:
				fn()
			}
		}
	}()
}

// Stop waits for the executor goroutine to exit. Callers must cancel the
// cancel.Context passed to Start first.
func (e *Engine) Stop() {
	e.wg.Wait()
}

func sourceKey(device, code string) string { return device + "|" + code }

// Reload rebuilds the engine's subscriptions from the given mapping set,
// keeping only mappings whose TargetDevice equals this engine's device
// and that are Enabled. Every resolved target is marked
// IsLockedByMapping, every resolved source is subscribed, and every
// mapping is evaluated once immediately to initialise its target.
func (e *Engine) Reload(targetResolver PointResolver, mappings []Mapping) {
	e.mu.Lock()
	e.mappings = make(map[string]*loadedMapping)
	e.bySource = make(map[string][]string)
	e.mu.Unlock()

	claimed := make(map[string]string) // target code -> mapping id
	for _, m := range mappings {
		if !m.Enabled || m.TargetDevice != e.deviceName {
			continue
		}
		if holder, dup := claimed[m.TargetPointCode]; dup {
			e.log.Warnw("formula: target already claimed by another mapping, mapping inactive",
				"mapping", m.ID, "target", m.TargetPointCode, "holder", holder)
			continue
		}
		target, ok := targetResolver.ByCode(m.TargetPointCode)
		if !ok {
			e.log.Warnw("formula: target point not found, mapping inactive", "mapping", m.ID, "target", m.TargetPointCode)
			continue
		}
		claimed[m.TargetPointCode] = m.ID
		lm := &loadedMapping{m: m, target: target, sources: make(map[string]*point.Point)}
		expr, err := Parse(m.Expression)
		if err != nil {
			lm.parseErr = err
			e.log.Warnw("formula: parse error, mapping disabled for session", "mapping", m.ID, "error", err)
			continue
		}
		lm.expr = expr

		resolved := true
		for _, src := range m.Sources {
			resolver := targetResolver
			if src.DeviceName != e.deviceName {
				r, ok := e.lookup(src.DeviceName)
				if !ok {
					resolved = false
					break
				}
				resolver = r
			}
			sp, ok := resolver.ByCode(src.PointCode)
			if !ok {
				resolved = false
				break
			}
			lm.sources[src.Alias] = sp
		}
		if !resolved {
			e.log.Warnw("formula: source point not found, mapping inactive", "mapping", m.ID)
			continue
		}

		target.IsLockedByMapping = true

		e.mu.Lock()
		e.mappings[m.ID] = lm
		for _, src := range m.Sources {
			key := sourceKey(src.DeviceName, src.PointCode)
			e.bySource[key] = appendUnique(e.bySource[key], m.ID)
		}
		e.mu.Unlock()

		for _, src := range m.Sources {
			sp, ok := lm.sources[src.Alias]
			if !ok {
				continue
			}
			key := sourceKey(src.DeviceName, src.PointCode)
			sp.Subscribe(func(self, related *point.Point) {
				e.onSourceChange(key)
			})
		}

		e.evaluate(m.ID)
	}
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// onSourceChange looks up mappings keyed by key and submits one
// evaluation per mapping to the bounded single-worker executor.
func (e *Engine) onSourceChange(key string) {
	e.mu.RLock()
	ids := append([]string(nil), e.bySource[key]...)
	e.mu.RUnlock()
	for _, id := range ids {
		id := id
		select {
		case e.queue <- func() { e.evaluate(id) }:
		default:
			e.log.Warnw("formula: executor queue full, evaluation dropped", "mapping", id)
		}
	}
}

// evaluate runs one mapping's expression and writes the result back to
// its target, applying the loop-breaker and write-back rules of
// spec.md §4.8.
func (e *Engine) evaluate(id string) {
	e.mu.RLock()
	lm, ok := e.mappings[id]
	e.mu.RUnlock()
	if !ok || lm.expr == nil {
		return
	}

	ctx := make(map[string]float64, len(lm.sources))
	for alias, sp := range lm.sources {
		ctx[alias] = sp.RealValue()
	}

	result, err := lm.expr.Eval(ctx)
	if err != nil {
		e.log.Debugw("formula: eval error, tick skipped", "mapping", id, "error", err)
		return
	}

	current := lm.target.RealValue()
	if math.Abs(result-current) < 1e-6 {
		return
	}
	if !lm.target.SetRealValue(result) {
		lm.target.SetRaw(int64(result))
	}
}

// Mappings returns the ids of currently armed (resolved, enabled) mappings.
func (e *Engine) Mappings() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.mappings))
	for id := range e.mappings {
		out = append(out, id)
	}
	return out
}

// EvaluateNow evaluates mapping id synchronously on the caller's
// goroutine instead of through the executor queue.
func (e *Engine) EvaluateNow(id string) {
	e.evaluate(id)
}
