// Package conversation owns per-session state: message history, user
// preferences, the current task and the single pending-confirmation slot.
//
// Sessions live in a sharded map. Every session carries a turn lock that the
// orchestrator holds for the whole confirmation-check, plan, validate and
// execute sequence; the idle sweep and explicit deletion take the same lock so
// they never race an in-flight turn. Pending confirmations expire lazily when
// read.
package conversation
