// Package ratelimit enforces fixed-window call quotas per user and tool. The
// counters live in a CounterStore (Redis in production, memory for single
// instances and tests); when the store is unreachable the Limiter degrades to
// the configured fail-open or fail-closed policy.
package ratelimit
