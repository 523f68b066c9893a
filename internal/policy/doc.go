// Package policy loads the static tool catalog and intent rules that govern
// what the agent may do. The catalog is read once at startup and treated as
// immutable afterwards; a missing document yields an empty catalog, which
// permits no tools.
package policy
