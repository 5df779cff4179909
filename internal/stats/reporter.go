// ABOUTME: Read-only statistics projection over the registry and catalog.
// ABOUTME: Backs the health and stats HTTP endpoints; no mutation, no side effects.

package stats

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/relaylabs/mcp-relay/internal/registry"
)

// Connections is the connection count summary returned by the health
// endpoint.
type Connections struct {
	ProviderConnections int `json:"provider_connections"`
	ClientConnections   int `json:"client_connections"`
	TotalConnections    int `json:"total_connections"`
}

// ServerStats describes one live provider within an agent.
type ServerStats struct {
	ToolCount    int             `json:"tool_count"`
	ToolNames    []string        `json:"tool_names"`
	ConnectedAt  time.Time       `json:"connected_at"`
	LastActivity time.Time       `json:"last_activity"`
	ServerInfo   json.RawMessage `json:"server_info,omitempty"`
}

// AgentStats is the per-agent provider breakdown.
type AgentStats struct {
	AgentID string                 `json:"agent_id"`
	Servers map[string]ServerStats `json:"servers"`
}

// Snapshot is the full stats projection.
type Snapshot struct {
	Connections
	Agents     []AgentStats `json:"agents"`
	TotalTools int          `json:"total_tools"`
}

// Reporter produces point-in-time snapshots of broker state.
type Reporter struct {
	registry *registry.Registry
	catalog  *registry.Catalog
}

// NewReporter creates a Reporter over the given registry and catalog.
func NewReporter(reg *registry.Registry, cat *registry.Catalog) *Reporter {
	return &Reporter{registry: reg, catalog: cat}
}

// Connections returns the current connection counts.
func (r *Reporter) Connections() Connections {
	providers, clients := r.registry.Counts()
	return Connections{
		ProviderConnections: providers,
		ClientConnections:   clients,
		TotalConnections:    providers + clients,
	}
}

// Snapshot returns the full stats projection, with agents sorted by ID for
// stable output.
func (r *Reporter) Snapshot() Snapshot {
	snap := Snapshot{
		Connections: r.Connections(),
		Agents:      []AgentStats{},
		TotalTools:  r.catalog.TotalTools(),
	}

	agentIDs := r.registry.AgentsWithProviders()
	sort.Strings(agentIDs)

	for _, agentID := range agentIDs {
		servers := make(map[string]ServerStats)
		for _, p := range r.registry.Providers(agentID) {
			names := r.catalog.ToolNames(agentID, p.ServerID)
			servers[p.ServerID] = ServerStats{
				ToolCount:    len(names),
				ToolNames:    names,
				ConnectedAt:  p.ConnectedAt,
				LastActivity: p.LastActivity(),
				ServerInfo:   p.Info(),
			}
		}
		snap.Agents = append(snap.Agents, AgentStats{
			AgentID: agentID,
			Servers: servers,
		})
	}
	return snap
}
