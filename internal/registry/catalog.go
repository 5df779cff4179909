// ABOUTME: Per-agent unified tool namespace derived from provider announcements.
// ABOUTME: Maps each tool name to exactly one owning provider, last registration wins.

package registry

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Tool is one tool descriptor as announced by a provider.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Entry is a catalog row: a tool tagged with its owning provider.
type Entry struct {
	Tool
	ServerID string `json:"server_id"`
}

// agentCatalog holds one agent's namespace. ownerOrder preserves provider
// registration order for listing.
type agentCatalog struct {
	ownerOrder []string
	byOwner    map[string][]Tool
	byName     map[string]string // tool name -> owning server id
}

func (a *agentCatalog) empty() bool {
	return len(a.byOwner) == 0
}

// Catalog is the per-agent mapping of tool name to owning provider. It is
// kept in sync with the Registry through the Observer interface.
type Catalog struct {
	mu     sync.Mutex
	agents map[string]*agentCatalog
	logger *slog.Logger
}

// NewCatalog creates an empty Catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	return &Catalog{
		agents: make(map[string]*agentCatalog),
		logger: logger,
	}
}

// UpdateTools replaces all entries owned by serverID with tools. Each
// refresh is authoritative for that provider's own tools only. On a name
// collision across providers the update wins: the name is re-pointed at
// serverID and the earlier owner's entry is dropped until it re-announces.
func (c *Catalog) UpdateTools(agentID, serverID string, tools []Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cat := c.agentLocked(agentID)
	c.ensureOwnerLocked(cat, serverID)

	for _, t := range cat.byOwner[serverID] {
		if cat.byName[t.Name] == serverID {
			delete(cat.byName, t.Name)
		}
	}

	cat.byOwner[serverID] = tools
	for _, t := range tools {
		if owner, exists := cat.byName[t.Name]; exists && owner != serverID {
			c.logger.Warn("tool name collision, later registration wins",
				"agent_id", agentID,
				"tool", t.Name,
				"previous_owner", owner,
				"new_owner", serverID,
			)
		}
		cat.byName[t.Name] = serverID
	}

	c.logger.Info("tool list updated",
		"agent_id", agentID,
		"server_id", serverID,
		"tool_count", len(tools),
	)
}

// RemoveOwner drops all entries owned by serverID.
func (c *Catalog) RemoveOwner(agentID, serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cat, ok := c.agents[agentID]
	if !ok {
		return
	}

	for _, t := range cat.byOwner[serverID] {
		if cat.byName[t.Name] == serverID {
			delete(cat.byName, t.Name)
		}
	}
	delete(cat.byOwner, serverID)
	for i, id := range cat.ownerOrder {
		if id == serverID {
			cat.ownerOrder = append(cat.ownerOrder[:i], cat.ownerOrder[i+1:]...)
			break
		}
	}

	if cat.empty() {
		delete(c.agents, agentID)
	}
}

// Resolve returns the server ID owning toolName within the agent.
func (c *Catalog) Resolve(agentID, toolName string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cat, ok := c.agents[agentID]
	if !ok {
		return "", false
	}
	serverID, ok := cat.byName[toolName]
	return serverID, ok
}

// ListAll returns the agent's catalog in provider registration order, then
// per-provider announcement order. Each tool name appears exactly once,
// owned by its current owner.
func (c *Catalog) ListAll(agentID string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	cat, ok := c.agents[agentID]
	if !ok {
		return []Entry{}
	}

	entries := make([]Entry, 0, len(cat.byName))
	for _, serverID := range cat.ownerOrder {
		for _, t := range cat.byOwner[serverID] {
			if cat.byName[t.Name] != serverID {
				continue // name stolen by a later registration
			}
			entries = append(entries, Entry{Tool: t, ServerID: serverID})
		}
	}
	return entries
}

// ToolNames returns the names currently owned by serverID, in announcement
// order.
func (c *Catalog) ToolNames(agentID, serverID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	cat, ok := c.agents[agentID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(cat.byOwner[serverID]))
	for _, t := range cat.byOwner[serverID] {
		if cat.byName[t.Name] == serverID {
			names = append(names, t.Name)
		}
	}
	return names
}

// TotalTools returns the number of distinct tool names across all agents.
func (c *Catalog) TotalTools() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	for _, cat := range c.agents {
		n += len(cat.byName)
	}
	return n
}

// ProviderRegistered reserves the provider's slot in listing order before
// its first announcement. Part of the registry Observer interface; runs
// under the registry lock.
func (c *Catalog) ProviderRegistered(agentID, serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureOwnerLocked(c.agentLocked(agentID), serverID)
}

// ProviderUnregistered purges the provider's tools.
func (c *Catalog) ProviderUnregistered(agentID, serverID string) {
	c.RemoveOwner(agentID, serverID)
}

// ClientUnregistered is a no-op; clients own no catalog state.
func (c *Catalog) ClientUnregistered(agentID, clientID string) {}

func (c *Catalog) agentLocked(agentID string) *agentCatalog {
	cat, ok := c.agents[agentID]
	if !ok {
		cat = &agentCatalog{
			byOwner: make(map[string][]Tool),
			byName:  make(map[string]string),
		}
		c.agents[agentID] = cat
	}
	return cat
}

func (c *Catalog) ensureOwnerLocked(cat *agentCatalog, serverID string) {
	if _, ok := cat.byOwner[serverID]; ok {
		return
	}
	cat.byOwner[serverID] = nil
	cat.ownerOrder = append(cat.ownerOrder, serverID)
}
