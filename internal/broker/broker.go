// ABOUTME: Message router classifying and dispatching every inbound JSON-RPC message.
// ABOUTME: Correlates provider replies back to their originating clients.

package broker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaylabs/mcp-relay/internal/jsonrpc"
	"github.com/relaylabs/mcp-relay/internal/recent"
	"github.com/relaylabs/mcp-relay/internal/registry"
)

// DefaultCallTimeout bounds a forwarded tools/call awaiting its provider.
const DefaultCallTimeout = 30 * time.Second

// DefaultBroadcastTimeout bounds a broadcast awaiting all providers.
const DefaultBroadcastTimeout = 15 * time.Second

// retiredTTL is how long a retired request ID is remembered so that a late
// reply is logged as late rather than unknown.
const retiredTTL = 2 * time.Minute

// Config contains configuration options for the Broker.
type Config struct {
	Registry         *registry.Registry
	Catalog          *registry.Catalog
	Logger           *slog.Logger
	CallTimeout      time.Duration
	BroadcastTimeout time.Duration
}

// clientHandler handles one client-originated request method.
type clientHandler func(c *registry.Client, msg *jsonrpc.Message)

// Broker routes messages between client and provider connections. It owns
// the pending-call and pending-aggregation tables and all their timeout
// handles; registry presence changes reach it through the Observer
// interface.
type Broker struct {
	registry *registry.Registry
	catalog  *registry.Catalog
	logger   *slog.Logger

	callTimeout      time.Duration
	broadcastTimeout time.Duration

	calls   *callTable
	aggs    *aggTable
	retired *recent.Cache

	// handlers is the closed dispatch table for client request methods.
	// Methods without an entry take the passthrough path: direct forward
	// when the request names a server_id, broadcast otherwise.
	handlers map[string]clientHandler
}

// New creates a Broker with the given configuration.
func New(cfg Config) *Broker {
	callTimeout := cfg.CallTimeout
	if callTimeout == 0 {
		callTimeout = DefaultCallTimeout
	}
	broadcastTimeout := cfg.BroadcastTimeout
	if broadcastTimeout == 0 {
		broadcastTimeout = DefaultBroadcastTimeout
	}

	b := &Broker{
		registry:         cfg.Registry,
		catalog:          cfg.Catalog,
		logger:           cfg.Logger,
		callTimeout:      callTimeout,
		broadcastTimeout: broadcastTimeout,
		calls:            newCallTable(),
		aggs:             newAggTable(),
		retired:          recent.New(retiredTTL, 100_000),
	}
	b.handlers = map[string]clientHandler{
		"initialize": b.handleInitialize,
		"ping":       b.handlePing,
		"tools/list": b.handleToolsList,
		"tools/call": b.handleToolCall,
		"broadcast":  b.Broadcast,
	}
	return b
}

// Close cancels all pending correlation state. Waiting clients are not
// notified; shutdown closes their connections right after.
func (b *Broker) Close() {
	calls := b.calls.drain()
	aggs := b.aggs.drain()
	b.retired.Close()
	b.logger.Info("broker closed",
		"calls_cancelled", len(calls),
		"aggregations_cancelled", len(aggs),
	)
}

// PendingCalls returns the number of outstanding single-destination calls.
func (b *Broker) PendingCalls() int { return b.calls.len() }

// PendingAggregations returns the number of outstanding broadcasts.
func (b *Broker) PendingAggregations() int { return b.aggs.len() }

// HandleClientMessage processes one frame from a client connection.
func (b *Broker) HandleClientMessage(c *registry.Client, data []byte) {
	c.Touch()

	msg, err := jsonrpc.Decode(data)
	if err != nil {
		b.logger.Warn("malformed client message",
			"agent_id", c.AgentID,
			"client_id", c.ID,
			"error", err,
		)
		b.respond(c, jsonrpc.NewError(nil, jsonrpc.CodeInvalidParams, "malformed JSON-RPC request"))
		return
	}

	switch {
	case msg.IsReply():
		b.logger.Warn("dropping unexpected reply from client",
			"agent_id", c.AgentID,
			"client_id", c.ID,
		)
	case msg.IsNotification():
		b.fanOutNotification(c, data, msg.Method)
	default:
		if handler, ok := b.handlers[msg.Method]; ok {
			handler(c, msg)
			return
		}
		// Passthrough: an explicit target goes to that provider, anything
		// else is fanned out to all of them.
		if serverID, ok := paramServerID(msg.Params); ok {
			b.forwardTo(c, msg, serverID, msg.Method)
			return
		}
		b.Broadcast(c, msg)
	}
}

// HandleProviderMessage processes one frame from a provider connection.
func (b *Broker) HandleProviderMessage(p *registry.Provider, data []byte) {
	p.Touch()

	msg, err := jsonrpc.Decode(data)
	if err != nil {
		b.logger.Warn("ignoring malformed provider message",
			"agent_id", p.AgentID,
			"server_id", p.ServerID,
			"error", err,
		)
		return
	}

	if msg.IsNotification() {
		b.handleProviderNotification(p, msg)
		return
	}
	if msg.IsRequest() {
		b.handleProviderRequest(p, msg)
		return
	}

	// Reply. Tool-list and initialize shaped results always refresh the
	// registry state, whether or not they correlate to a pending request.
	consumed := false
	if tools, ok := toolsListResult(msg.Result); ok {
		b.catalog.UpdateTools(p.AgentID, p.ServerID, tools)
		consumed = true
	}
	if isInitializeResult(msg.Result) {
		p.SetInfo(msg.Result)
		consumed = true
	}

	forwardedID, ok := msg.IDString()
	if !ok {
		if !consumed {
			b.logger.Warn("provider reply without usable id",
				"agent_id", p.AgentID,
				"server_id", p.ServerID,
			)
		}
		return
	}

	if pc, found := b.calls.take(forwardedID); found {
		b.retired.Retire(forwardedID)
		b.deliverCallReply(pc, msg)
		return
	}

	reply := ProviderReply{ServerID: p.ServerID, Result: msg.Result, Error: msg.Error}
	status, fin := b.aggs.addReply(forwardedID, p.ServerID, reply)
	switch {
	case fin != nil:
		b.deliverAggregate(fin)
	case status == aggInserted:
	case status == aggIgnored:
		b.logger.Debug("ignoring duplicate or unexpected aggregation reply",
			"agent_id", p.AgentID,
			"server_id", p.ServerID,
			"request_id", forwardedID,
		)
	case consumed:
	case b.retired.Seen(forwardedID):
		b.logger.Debug("late reply for retired request",
			"agent_id", p.AgentID,
			"server_id", p.ServerID,
			"request_id", forwardedID,
		)
	default:
		b.logger.Warn("reply for unknown request",
			"agent_id", p.AgentID,
			"server_id", p.ServerID,
			"request_id", forwardedID,
		)
	}
}

// RequestTools asks the provider for its tool list. The reply lands in the
// catalog through the tools-shaped result path, so no pending entry is
// needed; the ID is pre-retired to keep the correlation log quiet.
func (b *Broker) RequestTools(p *registry.Provider) {
	id := uuid.New().String()
	req, err := jsonrpc.NewRequest(id, "tools/list", struct{}{})
	if err != nil {
		b.logger.Error("building tools/list request", "error", err)
		return
	}
	payload, err := req.Encode()
	if err != nil {
		b.logger.Error("encoding tools/list request", "error", err)
		return
	}

	b.retired.Retire(id)
	if err := p.Send(payload); err != nil {
		b.logger.Debug("requesting tool list failed",
			"agent_id", p.AgentID,
			"server_id", p.ServerID,
			"error", err,
		)
	}
}

// ProviderRegistered implements registry.Observer. Presence alone changes
// nothing for correlation state.
func (b *Broker) ProviderRegistered(agentID, serverID string) {}

// ProviderUnregistered fails every pending call awaiting the provider and
// shrinks the expected set of every aggregation targeting it, rather than
// leaving them to time out silently.
func (b *Broker) ProviderUnregistered(agentID, serverID string) {
	failed := b.calls.removeForProvider(agentID, serverID)
	for _, pc := range failed {
		b.retired.Retire(pc.forwardedID)
	}
	finished := b.aggs.removeServer(agentID, serverID)
	if len(failed) == 0 && len(finished) == 0 {
		return
	}
	// Observer callbacks run under the registry lock. Client writes can
	// block on a stalled peer, so deliver outside the callback.
	go func() {
		for _, pc := range failed {
			b.respond(pc.client, jsonrpc.NewError(pc.originalID, jsonrpc.CodeServerUnavailable,
				fmt.Sprintf("provider %q disconnected", serverID)))
		}
		for _, fin := range finished {
			b.deliverAggregate(fin)
		}
	}()
}

// ClientUnregistered silently discards correlation state originated by the
// client; there is no one left to deliver to.
func (b *Broker) ClientUnregistered(agentID, clientID string) {
	for _, pc := range b.calls.removeForClient(clientID) {
		b.retired.Retire(pc.forwardedID)
	}
	for _, agg := range b.aggs.removeForClient(clientID) {
		b.retired.Retire(agg.id)
	}
}

// handleInitialize answers for the relay itself. From the client's side the
// relay is the MCP server; the aggregated tool namespace is what it serves.
func (b *Broker) handleInitialize(c *registry.Client, msg *jsonrpc.Message) {
	b.respondResult(c, msg.ID, map[string]any{
		"protocolVersion": "2025-03-26",
		"serverInfo": map[string]string{
			"name": "mcp-relay",
		},
		"capabilities": map[string]any{
			"tools": map[string]bool{"listChanged": true},
		},
	})
}

// handlePing answers untargeted pings for the relay itself. A ping naming a
// server_id is a liveness check of that provider and forwards like any other
// targeted request; a local pong would report a dead provider as alive.
func (b *Broker) handlePing(c *registry.Client, msg *jsonrpc.Message) {
	if serverID, ok := paramServerID(msg.Params); ok {
		b.forwardTo(c, msg, serverID, "ping")
		return
	}
	b.respondResult(c, msg.ID, struct{}{})
}

// handleToolsList answers from the catalog; no provider round-trip.
func (b *Broker) handleToolsList(c *registry.Client, msg *jsonrpc.Message) {
	entries := b.catalog.ListAll(c.AgentID)
	b.respondResult(c, msg.ID, map[string]any{"tools": entries})
}

// handleToolCall resolves the owning provider and forwards with a
// collision-safe ID.
func (b *Broker) handleToolCall(c *registry.Client, msg *jsonrpc.Message) {
	var params struct {
		Name string `json:"name"`
	}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			b.respond(c, jsonrpc.NewError(msg.ID, jsonrpc.CodeInvalidParams, "invalid tools/call params"))
			return
		}
	}
	if params.Name == "" {
		b.respond(c, jsonrpc.NewError(msg.ID, jsonrpc.CodeInvalidParams, "missing tool name"))
		return
	}

	serverID, ok := b.catalog.Resolve(c.AgentID, params.Name)
	if !ok {
		b.respond(c, jsonrpc.NewError(msg.ID, jsonrpc.CodeToolNotFound,
			fmt.Sprintf("tool %q not found", params.Name)))
		return
	}

	b.forwardTo(c, msg, serverID, params.Name)
}

// forwardTo forwards a client request to one provider, rewriting the ID and
// arming the call timeout. Transport write failures resolve the call
// immediately with a forward-failed error.
func (b *Broker) forwardTo(c *registry.Client, msg *jsonrpc.Message, serverID, what string) {
	p, ok := b.registry.LookupProvider(c.AgentID, serverID)
	if !ok {
		b.respond(c, jsonrpc.NewError(msg.ID, jsonrpc.CodeServerUnavailable,
			fmt.Sprintf("provider %q not connected", serverID)))
		return
	}

	forwardedID := uuid.New().String()
	out := *msg
	out.ID = jsonrpc.StringID(forwardedID)
	payload, err := out.Encode()
	if err != nil {
		b.respond(c, jsonrpc.NewError(msg.ID, jsonrpc.CodeInternalError, "encoding forwarded request failed"))
		return
	}

	pc := &pendingCall{
		forwardedID: forwardedID,
		originalID:  msg.ID,
		client:      c,
		agentID:     c.AgentID,
		serverID:    serverID,
		toolName:    what,
		createdAt:   time.Now(),
	}
	b.calls.add(pc, b.callTimeout, func() { b.expireCall(forwardedID) })

	if err := p.Send(payload); err != nil {
		if _, stillPending := b.calls.take(forwardedID); stillPending {
			b.retired.Retire(forwardedID)
			b.respond(c, jsonrpc.NewError(msg.ID, jsonrpc.CodeForwardFailed,
				fmt.Sprintf("forwarding to provider %q failed", serverID)))
		}
		return
	}

	b.logger.Debug("call forwarded",
		"agent_id", c.AgentID,
		"server_id", serverID,
		"target", what,
		"request_id", forwardedID,
	)
}

// expireCall fires when a forwarded call outlives its deadline.
func (b *Broker) expireCall(forwardedID string) {
	pc, ok := b.calls.take(forwardedID)
	if !ok {
		return
	}
	b.retired.Retire(forwardedID)

	b.logger.Warn("call timed out",
		"agent_id", pc.agentID,
		"server_id", pc.serverID,
		"target", pc.toolName,
		"request_id", forwardedID,
		"waited", time.Since(pc.createdAt),
	)
	b.respond(pc.client, jsonrpc.NewError(pc.originalID, jsonrpc.CodeInternalError,
		fmt.Sprintf("call to provider %q timed out", pc.serverID)))
}

// deliverCallReply restores the original request ID and hands the provider's
// reply to the originating client.
func (b *Broker) deliverCallReply(pc *pendingCall, msg *jsonrpc.Message) {
	restored := *msg
	restored.ID = pc.originalID
	payload, err := restored.Encode()
	if err != nil {
		b.logger.Error("encoding call reply", "request_id", pc.forwardedID, "error", err)
		b.respond(pc.client, jsonrpc.NewError(pc.originalID, jsonrpc.CodeInternalError, "encoding provider reply failed"))
		return
	}
	if err := pc.client.Send(payload); err != nil {
		b.logger.Warn("delivering call reply failed",
			"agent_id", pc.agentID,
			"client_id", pc.client.ID,
			"request_id", pc.forwardedID,
			"error", err,
		)
	}
}

// fanOutNotification relays a client notification to every provider of the
// agent. Notifications carry no ID, so there is nothing to correlate.
// notifications/initialized addresses the relay itself and is not forwarded.
func (b *Broker) fanOutNotification(c *registry.Client, data []byte, method string) {
	if method == "notifications/initialized" {
		b.logger.Debug("client session initialized",
			"agent_id", c.AgentID,
			"client_id", c.ID,
		)
		return
	}
	for _, p := range b.registry.Providers(c.AgentID) {
		if err := p.Send(data); err != nil {
			b.logger.Warn("notification forward failed",
				"agent_id", c.AgentID,
				"server_id", p.ServerID,
				"method", method,
				"error", err,
			)
		}
	}
}

func (b *Broker) handleProviderNotification(p *registry.Provider, msg *jsonrpc.Message) {
	if msg.Method == "notifications/tools/list_changed" {
		b.RequestTools(p)
		return
	}
	b.logger.Debug("provider notification",
		"agent_id", p.AgentID,
		"server_id", p.ServerID,
		"method", msg.Method,
	)
}

func (b *Broker) handleProviderRequest(p *registry.Provider, msg *jsonrpc.Message) {
	if msg.Method == "ping" {
		reply, err := jsonrpc.NewResult(msg.ID, struct{}{})
		if err == nil {
			if payload, err := reply.Encode(); err == nil {
				_ = p.Send(payload)
			}
		}
		return
	}
	b.logger.Warn("dropping unexpected request from provider",
		"agent_id", p.AgentID,
		"server_id", p.ServerID,
		"method", msg.Method,
	)
}

// respondResult marshals v as a success result addressed with id and sends
// it to the client.
func (b *Broker) respondResult(c *registry.Client, id json.RawMessage, v any) {
	msg, err := jsonrpc.NewResult(id, v)
	if err != nil {
		b.logger.Error("encoding result", "error", err)
		msg = jsonrpc.NewError(id, jsonrpc.CodeInternalError, "encoding response failed")
	}
	b.respond(c, msg)
}

// respond delivers a broker-built message to a client, logging delivery
// failures; routing failures never crash a connection handler.
func (b *Broker) respond(c *registry.Client, msg *jsonrpc.Message) {
	payload, err := msg.Encode()
	if err != nil {
		b.logger.Error("encoding response", "error", err)
		return
	}
	if err := c.Send(payload); err != nil {
		b.logger.Warn("delivering response to client failed",
			"agent_id", c.AgentID,
			"client_id", c.ID,
			"error", err,
		)
	}
}

// paramServerID extracts an explicit server_id target from request params.
func paramServerID(params json.RawMessage) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	var target struct {
		ServerID string `json:"server_id"`
	}
	if err := json.Unmarshal(params, &target); err != nil {
		return "", false
	}
	return target.ServerID, target.ServerID != ""
}

// toolsListResult reports whether the result is tools/list shaped and
// returns the announced tools.
func toolsListResult(result json.RawMessage) ([]registry.Tool, bool) {
	if len(result) == 0 {
		return nil, false
	}
	var payload struct {
		Tools []registry.Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, false
	}
	if payload.Tools == nil {
		return nil, false
	}
	return payload.Tools, true
}

// isInitializeResult reports whether the result is initialize shaped.
func isInitializeResult(result json.RawMessage) bool {
	if len(result) == 0 {
		return false
	}
	var payload struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return false
	}
	return payload.ProtocolVersion != ""
}
