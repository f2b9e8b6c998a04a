package agent

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/marketsim/internal/simtypes"
)

// CohortV1Config configures a CohortV1 agent's price view and
// attraction-point sampler.
type CohortV1Config struct {
	InitialVariance    float64 `json:"initial_variance"`
	VarianceMultiplier float64 `json:"variance_multiplier"`
	ForceThreshold     float64 `json:"force_threshold"`
	DefaultPriceView   float64 `json:"default_price_view"`
}

// Validate checks the shape parameters are usable.
func (c CohortV1Config) Validate() error {
	if c.InitialVariance <= 0 {
		return fmt.Errorf("initial_variance must be > 0, got %v", c.InitialVariance)
	}
	if c.VarianceMultiplier <= 0 {
		return fmt.Errorf("variance_multiplier must be > 0, got %v", c.VarianceMultiplier)
	}
	if c.ForceThreshold <= 0 {
		return fmt.Errorf("force_threshold must be > 0, got %v", c.ForceThreshold)
	}
	return nil
}

// CohortV1 tracks a subjective "price view" that subjective info
// indications nudge toward their own price, and at each step samples
// an attraction point around that view. The resulting force is
// proportional to how far the attraction point sits from the current
// price, saturating at the configured threshold.
type CohortV1 struct {
	*Base
	cfg CohortV1Config

	mu        sync.Mutex
	priceView float64
	variance  float64
	rnd       *rand.Rand
}

// NewCohortV1 constructs a CohortV1 agent.
func NewCohortV1(id simtypes.AgentID, base BaseConfig, cfg CohortV1Config) (*CohortV1, error) {
	if err := base.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &CohortV1{
		Base:      NewBase(id, base),
		cfg:       cfg,
		priceView: cfg.DefaultPriceView,
		variance:  cfg.InitialVariance,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// absorbInfo drains every infoset the agent hasn't yet consumed and
// folds any subjective price indications into the price view. A
// relative indication is treated as an offset from the current view;
// an absolute one is blended in proportional to its subjectivity
// extent (0 = ignored entirely, 100 = view jumps straight to it).
func (a *CohortV1) absorbInfo(info InfoView) {
	for {
		set, ok := a.ReadNextInfoset(info)
		if !ok {
			return
		}
		for _, item := range set {
			ind, ok := item.(simtypes.SubjectivePriceIndication)
			if !ok {
				continue
			}
			a.applyIndication(ind)
		}
	}
}

func (a *CohortV1) applyIndication(ind simtypes.SubjectivePriceIndication) {
	a.mu.Lock()
	defer a.mu.Unlock()
	weight := ind.SubjectivityExtent / 100
	target := ind.PriceIndication
	if ind.IsRelative {
		target = a.priceView + ind.PriceIndication
	}
	a.priceView = a.priceView*(1-weight) + target*weight
}

// sampleAttraction draws this step's attraction point from
// N(priceView, variance), then decays (or grows) the variance for the
// next step per VarianceMultiplier.
func (a *CohortV1) sampleAttraction() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	attraction := a.priceView + a.rnd.NormFloat64()*math.Sqrt(a.variance)
	a.variance *= a.cfg.VarianceMultiplier
	return attraction
}

func (a *CohortV1) forceFrom(price decimal.Decimal, attraction float64) *simtypes.AgentAction {
	p, _ := price.Float64()
	diff := attraction - p
	dir := simtypes.Up
	if diff < 0 {
		dir = simtypes.Down
		diff = -diff
	}
	fraction := diff / a.cfg.ForceThreshold
	if fraction > 1 {
		fraction = 1
	}
	return &simtypes.AgentAction{Direction: dir, InternalForce: simtypes.ClampInternalForce(fraction * 100)}
}

func (a *CohortV1) Evaluate(price decimal.Decimal, info InfoView) (*simtypes.AgentAction, error) {
	a.absorbInfo(info)
	return a.forceFrom(price, a.sampleAttraction()), nil
}

// CohortV2Config extends CohortV1Config with a piecewise-linear shape
// for the attraction-point radius: (E0,R0), (E1,R1), (E2,R2) are
// breakpoints of a CDF-inverse over the unit interval, and I0/I1 bias
// the sign of the offset from the price view.
type CohortV2Config struct {
	CohortV1Config
	R0 float64 `json:"r_0"`
	R1 float64 `json:"r_1"`
	R2 float64 `json:"r_2"`
	E0 float64 `json:"e_0"`
	E1 float64 `json:"e_1"`
	E2 float64 `json:"e_2"`
	I0 float64 `json:"i_0"`
	I1 float64 `json:"i_1"`
}

// Validate checks the piecewise shape is well-ordered and the sign
// bias weights are usable, in addition to the embedded v1 checks.
func (c CohortV2Config) Validate() error {
	if err := c.CohortV1Config.Validate(); err != nil {
		return err
	}
	if !(0 <= c.E0 && c.E0 <= c.E1 && c.E1 <= c.E2 && c.E2 <= 1) {
		return fmt.Errorf("shape breakpoints must satisfy 0 <= e0 <= e1 <= e2 <= 1, got %v/%v/%v", c.E0, c.E1, c.E2)
	}
	if c.R0 < 0 || c.R1 < 0 || c.R2 < 0 {
		return fmt.Errorf("radius breakpoints must be >= 0")
	}
	if c.I0+c.I1 <= 0 {
		return fmt.Errorf("i0+i1 must be > 0, got %v", c.I0+c.I1)
	}
	return nil
}

// CohortV2 is CohortV1 with a piecewise-linear attraction-point radius
// distribution in place of the plain Gaussian, giving finer control
// over the sampler's tail shape.
type CohortV2 struct {
	*CohortV1
	cfg CohortV2Config
}

// NewCohortV2 constructs a CohortV2 agent.
func NewCohortV2(id simtypes.AgentID, base BaseConfig, cfg CohortV2Config) (*CohortV2, error) {
	if err := base.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	v1, err := NewCohortV1(id, base, cfg.CohortV1Config)
	if err != nil {
		return nil, err
	}
	return &CohortV2{CohortV1: v1, cfg: cfg}, nil
}

func piecewiseLinearRadius(u, e0, e1, e2, r0, r1, r2 float64) float64 {
	switch {
	case u <= e0:
		return r0
	case u <= e1:
		if e1 == e0 {
			return r1
		}
		t := (u - e0) / (e1 - e0)
		return r0 + t*(r1-r0)
	case u <= e2:
		if e2 == e1 {
			return r2
		}
		t := (u - e1) / (e2 - e1)
		return r1 + t*(r2-r1)
	default:
		return r2
	}
}

func (a *CohortV2) sampleAttraction() float64 {
	a.mu.Lock()
	u := a.rnd.Float64()
	radius := piecewiseLinearRadius(u, a.cfg.E0, a.cfg.E1, a.cfg.E2, a.cfg.R0, a.cfg.R1, a.cfg.R2)
	sign := 1.0
	if a.rnd.Float64()*(a.cfg.I0+a.cfg.I1) > a.cfg.I0 {
		sign = -1.0
	}
	attraction := a.priceView + sign*radius*math.Sqrt(a.variance)
	a.variance *= a.cfg.VarianceMultiplier
	a.mu.Unlock()
	return attraction
}

func (a *CohortV2) Evaluate(price decimal.Decimal, info InfoView) (*simtypes.AgentAction, error) {
	a.absorbInfo(info)
	return a.forceFrom(price, a.sampleAttraction()), nil
}
