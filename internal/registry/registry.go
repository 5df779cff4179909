// ABOUTME: Authoritative store of live provider and client connections per agent.
// ABOUTME: Emits registration events to observers atomically with each mutation.

package registry

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Observer is notified of presence changes. Callbacks run under the registry
// lock so no observer sees a connection present without its side effects
// applied; observers must not call back into the Registry.
type Observer interface {
	ProviderRegistered(agentID, serverID string)
	ProviderUnregistered(agentID, serverID string)
	ClientUnregistered(agentID, clientID string)
}

// agentContext groups all connections sharing one agent identity. Created on
// first reference, reaped when both maps are empty.
type agentContext struct {
	providers     map[string]*Provider
	providerOrder []string
	clients       map[string]*Client
}

func (a *agentContext) empty() bool {
	return len(a.providers) == 0 && len(a.clients) == 0
}

// Registry coordinates all connected providers and clients.
type Registry struct {
	mu        sync.Mutex
	agents    map[string]*agentContext
	observers []Observer
	logger    *slog.Logger
}

// New creates a new Registry instance.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*agentContext),
		logger: logger,
	}
}

// AddObserver registers an observer for presence events. Observers are
// invoked in registration order; register the catalog before the broker so
// tool state is settled before pending calls are failed.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// RegisterProvider adds a provider connection under (agentID, serverID). An
// existing connection with the same pair is superseded: its transport is
// closed and observers see its removal before the new registration.
func (r *Registry) RegisterProvider(agentID, serverID string, t Transport) *Provider {
	// Closing the superseded transport writes a close frame to the peer;
	// that must not run while the registry lock is held. Defers run after
	// the unlock below.
	var superseded Transport
	defer func() {
		if superseded == nil {
			return
		}
		if err := superseded.Close("replaced by new connection"); err != nil {
			r.logger.Warn("closing superseded provider connection",
				"agent_id", agentID,
				"server_id", serverID,
				"error", err,
			)
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	ctx := r.agentLocked(agentID)

	if old, exists := ctx.providers[serverID]; exists {
		old.closed.Store(true)
		superseded = old.transport
		for _, o := range r.observers {
			o.ProviderUnregistered(agentID, serverID)
		}
		r.removeProviderOrderLocked(ctx, serverID)
	}

	p := newProvider(agentID, serverID, t)
	ctx.providers[serverID] = p
	ctx.providerOrder = append(ctx.providerOrder, serverID)

	for _, o := range r.observers {
		o.ProviderRegistered(agentID, serverID)
	}

	r.logger.Info("provider connected",
		"agent_id", agentID,
		"server_id", serverID,
		"agent_providers", len(ctx.providers),
	)
	return p
}

// RegisterClient adds a client connection under agentID. Always succeeds.
func (r *Registry) RegisterClient(agentID string, t Transport) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx := r.agentLocked(agentID)
	c := newClient(uuid.New().String(), agentID, t)
	ctx.clients[c.ID] = c

	r.logger.Info("client connected",
		"agent_id", agentID,
		"client_id", c.ID,
		"agent_clients", len(ctx.clients),
	)
	return c
}

// UnregisterProvider removes the provider connection. Idempotent, and a
// no-op when the registered connection for the pair is not p (the pair was
// already superseded by a reconnect).
func (r *Registry) UnregisterProvider(p *Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, ok := r.agents[p.AgentID]
	if !ok {
		return
	}
	if current, exists := ctx.providers[p.ServerID]; !exists || current != p {
		return
	}

	p.closed.Store(true)
	delete(ctx.providers, p.ServerID)
	r.removeProviderOrderLocked(ctx, p.ServerID)

	for _, o := range r.observers {
		o.ProviderUnregistered(p.AgentID, p.ServerID)
	}

	r.logger.Info("provider disconnected",
		"agent_id", p.AgentID,
		"server_id", p.ServerID,
		"agent_providers", len(ctx.providers),
	)
	r.reapLocked(p.AgentID, ctx)
}

// UnregisterClient removes the client connection. Idempotent.
func (r *Registry) UnregisterClient(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, ok := r.agents[c.AgentID]
	if !ok {
		return
	}
	if _, exists := ctx.clients[c.ID]; !exists {
		return
	}

	c.closed.Store(true)
	delete(ctx.clients, c.ID)

	for _, o := range r.observers {
		o.ClientUnregistered(c.AgentID, c.ID)
	}

	r.logger.Info("client disconnected",
		"agent_id", c.AgentID,
		"client_id", c.ID,
		"agent_clients", len(ctx.clients),
	)
	r.reapLocked(c.AgentID, ctx)
}

// LookupProvider retrieves a live provider by (agentID, serverID).
func (r *Registry) LookupProvider(agentID, serverID string) (*Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	p, ok := ctx.providers[serverID]
	return p, ok
}

// Providers returns the agent's live providers in registration order.
func (r *Registry) Providers(agentID string) []*Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	out := make([]*Provider, 0, len(ctx.providers))
	for _, serverID := range ctx.providerOrder {
		if p, ok := ctx.providers[serverID]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Clients returns the agent's connected clients.
func (r *Registry) Clients(agentID string) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	out := make([]*Client, 0, len(ctx.clients))
	for _, c := range ctx.clients {
		out = append(out, c)
	}
	return out
}

// Counts returns the total provider and client connection counts.
func (r *Registry) Counts() (providers, clients int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ctx := range r.agents {
		providers += len(ctx.providers)
		clients += len(ctx.clients)
	}
	return providers, clients
}

// AgentsWithProviders returns the IDs of agents that have at least one live
// provider, in no particular order.
func (r *Registry) AgentsWithProviders() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.agents))
	for id, ctx := range r.agents {
		if len(ctx.providers) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// CloseAll closes every connection and clears the registry. Used during
// graceful shutdown; observers are not notified.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var closed int
	for _, ctx := range r.agents {
		for _, p := range ctx.providers {
			p.closed.Store(true)
			_ = p.transport.Close("server shutting down")
			closed++
		}
		for _, c := range ctx.clients {
			c.closed.Store(true)
			_ = c.transport.Close("server shutting down")
			closed++
		}
	}
	r.agents = make(map[string]*agentContext)
	r.logger.Info("registry closed", "connections_closed", closed)
}

func (r *Registry) agentLocked(agentID string) *agentContext {
	ctx, ok := r.agents[agentID]
	if !ok {
		ctx = &agentContext{
			providers: make(map[string]*Provider),
			clients:   make(map[string]*Client),
		}
		r.agents[agentID] = ctx
	}
	return ctx
}

func (r *Registry) removeProviderOrderLocked(ctx *agentContext, serverID string) {
	for i, id := range ctx.providerOrder {
		if id == serverID {
			ctx.providerOrder = append(ctx.providerOrder[:i], ctx.providerOrder[i+1:]...)
			return
		}
	}
}

func (r *Registry) reapLocked(agentID string, ctx *agentContext) {
	if ctx.empty() {
		delete(r.agents, agentID)
		r.logger.Debug("agent context reaped", "agent_id", agentID)
	}
}
