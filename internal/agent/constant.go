package agent

import (
	"github.com/shopspring/decimal"

	"github.com/rickgao/marketsim/internal/simtypes"
)

// ConstantConfig configures a Constant agent's fixed action.
type ConstantConfig struct {
	Direction     simtypes.Direction     `json:"direction"`
	InternalForce simtypes.InternalForce `json:"internal_force"`
}

// Constant returns the same (direction, force) pair every time it is
// scheduled, ignoring both price and information.
type Constant struct {
	*Base
	cfg ConstantConfig
}

// NewConstant constructs a Constant agent.
func NewConstant(id simtypes.AgentID, base BaseConfig, cfg ConstantConfig) (*Constant, error) {
	if err := base.Validate(); err != nil {
		return nil, err
	}
	return &Constant{Base: NewBase(id, base), cfg: cfg}, nil
}

func (a *Constant) Evaluate(_ decimal.Decimal, _ InfoView) (*simtypes.AgentAction, error) {
	return &simtypes.AgentAction{
		Direction:     a.cfg.Direction,
		InternalForce: simtypes.ClampInternalForce(float64(a.cfg.InternalForce)),
	}, nil
}
