// Package simulate implements the per-point value-generation strategies
// that drive a device in the absence of a live protocol peer (spec.md
// §4.7): Random, AutoIncrement, AutoDecrement, SineWave, Ramp and Pulse.
package simulate

import (
	"math"
	"math/rand"
	"time"

	"github.com/emsgateway/simulator/internal/point"
)

// Strategy names the simulation algorithm applied to a point.
type Strategy uint8

const (
	Random Strategy = iota
	AutoIncrement
	AutoDecrement
	SineWave
	Ramp
	Pulse
)

// clampBound is the hard clamp applied to Random's output range per
// spec.md §4.7.
const clampBound = 100000

// Settings carries the per-point parameters a strategy needs. Not every
// field applies to every strategy; unused fields are ignored.
type Settings struct {
	Strategy   Strategy
	Step       float64       // AutoIncrement/AutoDecrement
	Period     time.Duration // SineWave/Pulse
	Amplitude  float64       // SineWave
	Phase      float64       // SineWave
	RampTime   time.Duration // Ramp
	PulseWidth time.Duration // Pulse
}

// pointState is the mutable per-point simulation bookkeeping the
// simulator keeps between ticks, keyed by point identity (not by name).
type pointState struct {
	startedAt  time.Time
	rampFrom   float64
	rampTo     float64
	rampStart  time.Time
}

// Simulator advances one point per Tick call (device.Runtime calls it per
// point on each simulate tick) via the configured strategy, writing
// the result back through the point's normal SetRealValue path so the
// protocol adapter observes the change like any other write.
type Simulator struct {
	rng    *rand.Rand
	states map[uint64]*pointState
}

// New creates a Simulator with its own random source (not shared across
// devices, so simulated devices don't interfere with each other's
// sequences).
func New(seed int64) *Simulator {
	return &Simulator{
		rng:    rand.New(rand.NewSource(seed)),
		states: make(map[uint64]*pointState),
	}
}

func (s *Simulator) state(p *point.Point) *pointState {
	st, ok := s.states[p.ID()]
	if !ok {
		st = &pointState{startedAt: time.Now()}
		s.states[p.ID()] = st
	}
	return st
}

// Tick advances p by one step under settings. Random, AutoIncrement and
// AutoDecrement step once per call; SineWave, Ramp and Pulse follow the
// wall-clock time since p's first tick.
func (s *Simulator) Tick(p *point.Point, settings Settings) {
	switch p.Kind {
	case point.Analog, point.Setpoint:
		s.tickAnalog(p, settings)
	case point.Signal, point.Command:
		s.tickDiscrete(p, settings)
	}
}

func (s *Simulator) tickDiscrete(p *point.Point, settings Settings) {
	switch settings.Strategy {
	case Random:
		if s.rng.Float64() < 0.5 {
			p.SetRealValue(1 - p.RealValue())
		}
	case Pulse:
		st := s.state(p)
		elapsed := time.Since(st.startedAt)
		period := settings.Period
		if period <= 0 {
			period = time.Second
		}
		phase := elapsed % period
		if phase < settings.PulseWidth {
			p.SetRealValue(1)
		} else {
			p.SetRealValue(0)
		}
	}
}

func (s *Simulator) tickAnalog(p *point.Point, settings Settings) {
	min, max := p.MinLimit, p.MaxLimit
	if min > max {
		min, max = max, min
	}
	switch settings.Strategy {
	case Random:
		lo, hi := clampF(min, -clampBound, clampBound), clampF(max, -clampBound, clampBound)
		if hi < lo {
			hi = lo
		}
		v := lo + s.rng.Float64()*(hi-lo)
		p.SetRealValue(v)
	case AutoIncrement:
		step := settings.Step
		if step <= 0 {
			step = 1
		}
		delta := 1 + s.rng.Float64()*step
		next := p.RealValue() + delta
		if next > max {
			next = min
		}
		p.SetRealValue(next)
	case AutoDecrement:
		step := settings.Step
		if step <= 0 {
			step = 1
		}
		delta := 1 + s.rng.Float64()*step
		next := p.RealValue() - delta
		if next < min {
			next = max
		}
		p.SetRealValue(next)
	case SineWave:
		st := s.state(p)
		t := time.Since(st.startedAt).Seconds()
		period := settings.Period.Seconds()
		if period <= 0 {
			period = 60
		}
		mid := (min + max) / 2
		amp := settings.Amplitude
		if amp == 0 {
			amp = (max - min) / 2
		}
		v := mid + amp*math.Sin(2*math.Pi*t/period+settings.Phase)
		p.SetRealValue(v)
	case Ramp:
		st := s.state(p)
		if st.rampStart.IsZero() {
			st.rampFrom = p.RealValue()
			st.rampTo = randomTarget(s.rng, min, max)
			st.rampStart = time.Now()
		}
		rampTime := settings.RampTime
		if rampTime <= 0 {
			rampTime = time.Second
		}
		frac := time.Since(st.rampStart).Seconds() / rampTime.Seconds()
		if frac >= 1 {
			p.SetRealValue(st.rampTo)
			st.rampFrom = st.rampTo
			st.rampTo = randomTarget(s.rng, min, max)
			st.rampStart = time.Now()
			return
		}
		v := st.rampFrom + frac*(st.rampTo-st.rampFrom)
		p.SetRealValue(v)
	case Pulse:
		st := s.state(p)
		elapsed := time.Since(st.startedAt)
		period := settings.Period
		if period <= 0 {
			period = time.Second
		}
		phase := elapsed % period
		if phase < settings.PulseWidth {
			p.SetRealValue(max)
		} else {
			p.SetRealValue(min)
		}
	}
}

func randomTarget(rng *rand.Rand, min, max float64) float64 {
	if max <= min {
		return min
	}
	return min + rng.Float64()*(max-min)
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
