package agent

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/marketsim/internal/simtypes"
)

// GaussianConfig configures a Gaussian agent's sampling distribution.
type GaussianConfig struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// Validate checks that the distribution is well-formed.
func (c GaussianConfig) Validate() error {
	if c.StdDev < 0 {
		return fmt.Errorf("stddev must be >= 0, got %v", c.StdDev)
	}
	return nil
}

// Gaussian samples a force magnitude and sign from N(mean, stddev^2)
// each time it is scheduled: the sample's sign picks the direction,
// its magnitude (clamped to [0, 100]) is the internal force.
type Gaussian struct {
	*Base
	cfg GaussianConfig

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewGaussian constructs a Gaussian agent seeded from the process
// clock, matching the simulator's non-determinism-by-design (§1
// Non-goals: no deterministic reproduction across runs).
func NewGaussian(id simtypes.AgentID, base BaseConfig, cfg GaussianConfig) (*Gaussian, error) {
	if err := base.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gaussian{
		Base: NewBase(id, base),
		cfg:  cfg,
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (a *Gaussian) Evaluate(_ decimal.Decimal, _ InfoView) (*simtypes.AgentAction, error) {
	a.mu.Lock()
	sample := a.rnd.NormFloat64()*a.cfg.StdDev + a.cfg.Mean
	a.mu.Unlock()

	dir := simtypes.Up
	if sample < 0 {
		dir = simtypes.Down
		sample = -sample
	}
	return &simtypes.AgentAction{
		Direction:     dir,
		InternalForce: simtypes.ClampInternalForce(sample),
	}, nil
}
