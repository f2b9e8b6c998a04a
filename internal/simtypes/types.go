package simtypes

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Timepoint is a monotone discrete step index. Timepoint 0 is the first
// step; "the current timepoint" always refers to the next step the
// engine will execute.
type Timepoint uint64

// Sub returns t - other, which is only meaningful when t >= other.
func (t Timepoint) Sub(other Timepoint) uint64 {
	return uint64(t - other)
}

// Direction is the side an agent's action pushes the price.
type Direction int8

const (
	Up Direction = iota
	Down
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "UP"
	case Down:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON renders a Direction as "UP" or "DOWN".
func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON parses a Direction from "UP" or "DOWN".
func (d *Direction) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDirection(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDirection parses "UP"/"DOWN" case-sensitively, matching the wire
// format used by the control surface and reference agent configs.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "UP":
		return Up, nil
	case "DOWN":
		return Down, nil
	default:
		return 0, fmt.Errorf("direction must be UP or DOWN, got %q", s)
	}
}

// MaxInternalForce is the upper clamp bound for InternalForce.
const MaxInternalForce = 100.0

// InternalForce is a per-step force magnitude in [0, 100]. Values
// delivered outside this range are clamped rather than rejected — an
// agent's do_evaluate is untrusted code and the engine never lets a
// single bad value corrupt a step.
type InternalForce float64

// ClampInternalForce clamps v into [0, MaxInternalForce].
func ClampInternalForce(v float64) InternalForce {
	if v < 0 {
		return 0
	}
	if v > MaxInternalForce {
		return MaxInternalForce
	}
	return InternalForce(v)
}

// ExternalForce is a per-agent configuration constant in (0, 1]. Unlike
// InternalForce, it is not clamped: it is a config value validated once
// at agent construction time.
type ExternalForce float64

// Validate reports whether the external force is in the required
// (0, 1] range.
func (e ExternalForce) Validate() error {
	if e <= 0 || e > 1 {
		return fmt.Errorf("external_force must be in (0, 1], got %v", float64(e))
	}
	return nil
}

// AgentAction is the directional force an agent emits for one
// scheduled step.
type AgentAction struct {
	Direction     Direction
	InternalForce InternalForce
}

// AgentID is a process-unique, monotonically assigned identifier.
type AgentID uint64

// SubscriberID is a process-unique identifier for a subscriber record.
type SubscriberID uint64

// OneDollar is the simulator's initial price: 1.
func OneDollar() decimal.Decimal {
	return decimal.NewFromInt(1)
}

// ApplyForce returns price * (1 + force) if dir is Up, or
// price * (1 - force) if dir is Down, where force = (internal/100) *
// external. This is the fractional price move a single agent action
// requests.
func ApplyForce(price decimal.Decimal, dir Direction, internal InternalForce, external ExternalForce) decimal.Decimal {
	fraction := decimal.NewFromFloat(float64(internal) / MaxInternalForce).Mul(decimal.NewFromFloat(float64(external)))
	switch dir {
	case Up:
		return price.Mul(decimal.NewFromInt(1).Add(fraction))
	default:
		return price.Mul(decimal.NewFromInt(1).Sub(fraction))
	}
}
