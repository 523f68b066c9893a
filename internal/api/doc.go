// Package api exposes the orchestrator over HTTP JSON. Handlers are thin
// adapters: each decodes an explicit request struct, calls one orchestrator
// or task-service operation and encodes the result. The package also mounts
// health, tool catalog, configuration and Prometheus metrics endpoints.
package api
