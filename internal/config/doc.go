// Package config loads the agent-core runtime configuration from a JSON file,
// an optional .env file next to it and AGENTCORE_* environment overrides.
package config
