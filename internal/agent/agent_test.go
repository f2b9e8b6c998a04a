package agent

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rickgao/marketsim/internal/simtypes"
	"github.com/rickgao/marketsim/internal/tsstore"
)

func validBase() BaseConfig {
	return BaseConfig{ExternalForce: 0.01, ScheduleEvery: 1}
}

func TestBaseConfig_ValidateRejectsOutOfRangeExternalForce(t *testing.T) {
	cfg := BaseConfig{ExternalForce: 0, ScheduleEvery: 1}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with external_force=0 should fail")
	}
	cfg = BaseConfig{ExternalForce: 1.5, ScheduleEvery: 1}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with external_force=1.5 should fail")
	}
}

func TestBaseConfig_ValidateRejectsZeroSchedule(t *testing.T) {
	cfg := BaseConfig{ExternalForce: 0.5, ScheduleEvery: 0}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with schedule_every=0 should fail")
	}
}

func TestConstant_EvaluateIgnoresPriceAndInfo(t *testing.T) {
	a, err := NewConstant(1, validBase(), ConstantConfig{Direction: simtypes.Up, InternalForce: 100})
	if err != nil {
		t.Fatalf("NewConstant: %v", err)
	}
	action, err := a.Evaluate(decimal.NewFromInt(5), nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action.Direction != simtypes.Up || action.InternalForce != 100 {
		t.Errorf("action = %+v, want {Up 100}", action)
	}
}

func TestConstant_EvaluateClampsOutOfRangeForce(t *testing.T) {
	a, err := NewConstant(1, validBase(), ConstantConfig{Direction: simtypes.Down, InternalForce: 500})
	if err != nil {
		t.Fatalf("NewConstant: %v", err)
	}
	action, _ := a.Evaluate(decimal.NewFromInt(1), nil)
	if action.InternalForce != simtypes.MaxInternalForce {
		t.Errorf("InternalForce = %v, want clamped to %v", action.InternalForce, simtypes.MaxInternalForce)
	}
}

func TestGaussian_EvaluateProducesClampedForce(t *testing.T) {
	a, err := NewGaussian(1, validBase(), GaussianConfig{Mean: 0, StdDev: 1000})
	if err != nil {
		t.Fatalf("NewGaussian: %v", err)
	}
	for i := 0; i < 50; i++ {
		action, err := a.Evaluate(decimal.NewFromInt(1), nil)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if action.InternalForce < 0 || action.InternalForce > simtypes.MaxInternalForce {
			t.Fatalf("InternalForce = %v out of [0, %v]", action.InternalForce, simtypes.MaxInternalForce)
		}
	}
}

func TestGaussian_RejectsNegativeStdDev(t *testing.T) {
	if _, err := NewGaussian(1, validBase(), GaussianConfig{StdDev: -1}); err == nil {
		t.Error("NewGaussian with negative stddev should fail")
	}
}

func buildInfoTS(t *testing.T, sets map[simtypes.Timepoint]simtypes.Infoset) *tsstore.TS[simtypes.Infoset] {
	t.Helper()
	max := simtypes.Timepoint(0)
	for tp := range sets {
		if tp > max {
			max = tp
		}
	}
	ts := tsstore.New[simtypes.Infoset](tsstore.MarkPresent)
	for tp := simtypes.Timepoint(0); tp <= max; tp++ {
		if set, ok := sets[tp]; ok {
			if err := ts.AppendAt(set, tp); err != nil {
				t.Fatalf("AppendAt(%d): %v", tp, err)
			}
		}
	}
	return ts
}

func TestBase_ReadNextInfosetFirstCallDoesNotAdvancePastStart(t *testing.T) {
	ts := buildInfoTS(t, map[simtypes.Timepoint]simtypes.Infoset{
		2: {simtypes.SubjectivePriceIndication{PriceIndication: 1.5}},
		7: {simtypes.SubjectivePriceIndication{PriceIndication: 2.5}},
	})
	view, err := tsstore.NewSparseView(ts, nil)
	if err != nil {
		t.Fatalf("NewSparseView: %v", err)
	}

	b := NewBase(1, validBase())
	set, ok := b.ReadNextInfoset(view)
	if !ok {
		t.Fatal("first ReadNextInfoset should succeed")
	}
	if len(set) != 1 || set[0].(simtypes.SubjectivePriceIndication).PriceIndication != 1.5 {
		t.Errorf("first read = %+v, want the indication at tp=2", set)
	}
	cur, ok := b.InfoCursor()
	if !ok || cur != 2 {
		t.Errorf("InfoCursor() = (%d, %v), want (2, true)", cur, ok)
	}

	set, ok = b.ReadNextInfoset(view)
	if !ok {
		t.Fatal("second ReadNextInfoset should succeed")
	}
	if len(set) != 1 || set[0].(simtypes.SubjectivePriceIndication).PriceIndication != 2.5 {
		t.Errorf("second read = %+v, want the indication at tp=7", set)
	}

	if _, ok := b.ReadNextInfoset(view); ok {
		t.Error("ReadNextInfoset past the last present slot should fail")
	}
}

func TestCohortV1_EvaluateBlendsPriceViewFromAbsoluteIndication(t *testing.T) {
	ts := buildInfoTS(t, map[simtypes.Timepoint]simtypes.Infoset{
		0: {simtypes.SubjectivePriceIndication{SubjectivityExtent: 100, PriceIndication: 10}},
	})
	view, err := tsstore.NewSparseView(ts, nil)
	if err != nil {
		t.Fatalf("NewSparseView: %v", err)
	}

	a, err := NewCohortV1(1, validBase(), CohortV1Config{
		InitialVariance:    1e-9,
		VarianceMultiplier: 1,
		ForceThreshold:     1,
		DefaultPriceView:   1,
	})
	if err != nil {
		t.Fatalf("NewCohortV1: %v", err)
	}
	action, err := a.Evaluate(decimal.NewFromInt(1), view)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	// priceView should have jumped fully to 10 (subjectivity_extent=100);
	// with a near-zero variance the attraction point sits right at 10,
	// well past the threshold, so the clamped force saturates at 100.
	if action.Direction != simtypes.Up {
		t.Errorf("Direction = %v, want Up", action.Direction)
	}
	if action.InternalForce != simtypes.MaxInternalForce {
		t.Errorf("InternalForce = %v, want %v", action.InternalForce, simtypes.MaxInternalForce)
	}
}

func TestCohortV2_ConfigValidateChecksBreakpointOrdering(t *testing.T) {
	base := CohortV1Config{InitialVariance: 1, VarianceMultiplier: 1, ForceThreshold: 1, DefaultPriceView: 1}
	cfg := CohortV2Config{CohortV1Config: base, R0: 0, R1: 1, R2: 2, E0: 0.5, E1: 0.2, E2: 1, I0: 1, I1: 1}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with e1 < e0 should fail")
	}
}

func TestCohortV2_EvaluateIsCallable(t *testing.T) {
	a, err := NewCohortV2(1, validBase(), CohortV2Config{
		CohortV1Config: CohortV1Config{InitialVariance: 1, VarianceMultiplier: 1, ForceThreshold: 1, DefaultPriceView: 1},
		R0:             0, R1: 1, R2: 2,
		E0: 0, E1: 0.5, E2: 1,
		I0: 1, I1: 1,
	})
	if err != nil {
		t.Fatalf("NewCohortV2: %v", err)
	}
	if _, err := a.Evaluate(decimal.NewFromInt(1), nil); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
}
