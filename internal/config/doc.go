// Package config loads and validates the mcp-relay configuration.
//
// Configuration is a single YAML file. Environment variables in the
// ${VAR_NAME} form are expanded before parsing, and duration fields accept
// Go duration strings ("30s", "2m").
//
// Sections:
//
//	server   - listen address shared by WebSocket endpoints and HTTP API
//	auth     - JWT secret for token resolution (empty = passthrough tokens)
//	broker   - tool call and broadcast deadlines
//	security - key gating the health/stats endpoints
//	logging  - level, format, optional rotating file sink
package config
