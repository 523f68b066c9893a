// Package planner asks the generative model for an ordered list of tool
// actions that fulfils a request. The plan is bounded in size, scored against
// the intent confidence and never fails the turn: any generation or parsing
// problem produces an empty plan with a diagnostic thought process.
package planner
