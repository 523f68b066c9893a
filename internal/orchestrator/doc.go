// Package orchestrator runs the turn state machine. Each inbound turn is
// serialised per session, checked against any parked confirmation, then
// classified, planned, validated and either parked for confirmation or
// dispatched to the tool execution boundary. Every path returns the same
// TurnResponse and panics never escape ProcessTurn.
package orchestrator
