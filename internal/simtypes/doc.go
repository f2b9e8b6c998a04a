// Package simtypes holds the value types shared across the simulator:
// timepoints, prices, directions, forces, agent actions, and information
// sets. None of these types carry behavior beyond validation and
// arithmetic — the engine, agents, and subscribers all build on top of
// them.
package simtypes
