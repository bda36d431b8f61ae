package formula_test

import (
	"testing"
	"time"

	"github.com/GoAethereal/cancel"
	"github.com/emsgateway/simulator/internal/formula"
	"github.com/emsgateway/simulator/internal/point"
	"github.com/stretchr/testify/require"
)

type fakeResolver map[string]*point.Point

func (f fakeResolver) ByCode(code string) (*point.Point, bool) {
	p, ok := f[code]
	return p, ok
}

func analogPoint(code string) *point.Point {
	p := point.New(point.Analog, code, code, 1, 0, 3, 0x02)
	p.MulCoe = 1
	p.MinLimit = -1e6
	p.MaxLimit = 1e6
	return p
}

func TestReloadEvaluatesImmediately(t *testing.T) {
	a := analogPoint("a")
	b := analogPoint("b")
	sum := analogPoint("sum")
	a.SetRealValue(3)
	b.SetRealValue(4)

	res := fakeResolver{"a": a, "b": b, "sum": sum}
	eng := formula.New("dev", nil, nil)
	eng.Reload(res, []formula.Mapping{{
		ID:              "m1",
		TargetDevice:    "dev",
		TargetPointCode: "sum",
		Sources: []Source{
			{DeviceName: "dev", PointCode: "a", Alias: "a"},
			{DeviceName: "dev", PointCode: "b", Alias: "b"},
		},
		Expression: "a + b",
		Enabled:    true,
	}})

	require.Equal(t, 7.0, sum.RealValue())
	require.True(t, sum.IsLockedByMapping)
}

func TestReloadSkipsDisabledMapping(t *testing.T) {
	a := analogPoint("a")
	sum := analogPoint("sum")
	res := fakeResolver{"a": a, "sum": sum}
	eng := formula.New("dev", nil, nil)
	eng.Reload(res, []formula.Mapping{{
		ID: "m1", TargetDevice: "dev", TargetPointCode: "sum",
		Sources:    []Source{{DeviceName: "dev", PointCode: "a", Alias: "a"}},
		Expression: "a", Enabled: false,
	}})
	require.Empty(t, eng.Mappings())
	require.False(t, sum.IsLockedByMapping)
}

func TestReloadDisablesMappingOnParseError(t *testing.T) {
	a := analogPoint("a")
	sum := analogPoint("sum")
	res := fakeResolver{"a": a, "sum": sum}
	eng := formula.New("dev", nil, nil)
	eng.Reload(res, []formula.Mapping{{
		ID: "m1", TargetDevice: "dev", TargetPointCode: "sum",
		Sources:    []Source{{DeviceName: "dev", PointCode: "a", Alias: "a"}},
		Expression: "a + @", Enabled: true,
	}})
	require.Empty(t, eng.Mappings())
}

func TestReloadLeavesMappingInactiveWhenSourceMissing(t *testing.T) {
	sum := analogPoint("sum")
	res := fakeResolver{"sum": sum}
	eng := formula.New("dev", nil, nil)
	eng.Reload(res, []formula.Mapping{{
		ID: "m1", TargetDevice: "dev", TargetPointCode: "sum",
		Sources:    []Source{{DeviceName: "dev", PointCode: "missing", Alias: "a"}},
		Expression: "a", Enabled: true,
	}})
	require.Empty(t, eng.Mappings())
}

func TestReloadRejectsSecondMappingOnSameTarget(t *testing.T) {
	a := analogPoint("a")
	b := analogPoint("b")
	sum := analogPoint("sum")
	a.SetRealValue(1)
	b.SetRealValue(2)

	res := fakeResolver{"a": a, "b": b, "sum": sum}
	eng := formula.New("dev", nil, nil)
	eng.Reload(res, []formula.Mapping{
		{
			ID: "m1", TargetDevice: "dev", TargetPointCode: "sum",
			Sources:    []Source{{DeviceName: "dev", PointCode: "a", Alias: "a"}},
			Expression: "a", Enabled: true,
		},
		{
			ID: "m2", TargetDevice: "dev", TargetPointCode: "sum",
			Sources:    []Source{{DeviceName: "dev", PointCode: "b", Alias: "b"}},
			Expression: "b * 100", Enabled: true,
		},
	})

	require.ElementsMatch(t, []string{"m1"}, eng.Mappings())
	require.Equal(t, 1.0, sum.RealValue())
}

func TestWriteBackSkippedWithinEpsilon(t *testing.T) {
	a := analogPoint("a")
	target := analogPoint("t")
	target.SetRealValue(5)
	a.SetRealValue(5)

	res := fakeResolver{"a": a, "t": target}
	eng := formula.New("dev", nil, nil)
	eng.Reload(res, []formula.Mapping{{
		ID: "m1", TargetDevice: "dev", TargetPointCode: "t",
		Sources:    []Source{{DeviceName: "dev", PointCode: "a", Alias: "a"}},
		Expression: "a", Enabled: true,
	}})
	require.Equal(t, 5.0, target.RealValue())
}

func TestSourceChangeTriggersAsyncReevaluation(t *testing.T) {
	a := analogPoint("a")
	target := analogPoint("t")
	a.SetRealValue(1)

	res := fakeResolver{"a": a, "t": target}
	eng := formula.New("dev", nil, nil)
	eng.Reload(res, []formula.Mapping{{
		ID: "m1", TargetDevice: "dev", TargetPointCode: "t",
		Sources:    []Source{{DeviceName: "dev", PointCode: "a", Alias: "a"}},
		Expression: "a * 10", Enabled: true,
	}})
	require.Equal(t, 10.0, target.RealValue())

	root := cancel.New()
	defer root.Cancel()
	eng.Start(root)

	a.SetRealValue(2)

	require.Eventually(t, func() bool {
		return target.RealValue() == 20.0
	}, time.Second, 5*time.Millisecond)
}

func TestCrossDeviceSourceResolvesThroughLookup(t *testing.T) {
	other := analogPoint("power")
	other.SetRealValue(42)
	otherRes := fakeResolver{"power": other}

	target := analogPoint("t")
	selfRes := fakeResolver{"t": target}

	lookup := func(name string) (formula.PointResolver, bool) {
		if name == "pcs1" {
			return otherRes, true
		}
		return nil, false
	}

	eng := formula.New("dev", lookup, nil)
	eng.Reload(selfRes, []formula.Mapping{{
		ID: "m1", TargetDevice: "dev", TargetPointCode: "t",
		Sources:    []Source{{DeviceName: "pcs1", PointCode: "power", Alias: "p"}},
		Expression: "p", Enabled: true,
	}})

	require.Equal(t, 42.0, target.RealValue())
}

// Source is a local alias so tests read naturally without repeating the
// package-qualified struct literal at every call site.
type Source = formula.Source
