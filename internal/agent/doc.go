// Package agent defines the value types that flow through a turn: the
// classified intent, the proposed tool actions, the plan that groups them and
// the per-action execution results. The types carry no behaviour beyond
// parsing and copying so every pipeline stage can share them.
package agent
