// ABOUTME: Aggregation engine fanning one client request out to every provider of an agent.
// ABOUTME: Collects replies into a single combined response, finalized exactly once.

package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relaylabs/mcp-relay/internal/jsonrpc"
	"github.com/relaylabs/mcp-relay/internal/registry"
)

// ProviderReply is one provider's slot in an aggregated response.
type ProviderReply struct {
	ServerID string          `json:"server_id"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *jsonrpc.Error  `json:"error,omitempty"`
}

// BroadcastResult is the combined reply delivered to the client. Responses
// are in arrival order.
type BroadcastResult struct {
	TotalServers     int             `json:"total_servers"`
	RespondedServers int             `json:"responded_servers"`
	Responses        []ProviderReply `json:"responses"`
}

// pendingAgg tracks one broadcast awaiting replies from all providers that
// were live at fan-out time. expected is frozen at creation and only
// shrinks when a non-responding provider disconnects.
type pendingAgg struct {
	id         string
	originalID json.RawMessage
	client     *registry.Client
	agentID    string
	expected   map[string]struct{}
	replies    []ProviderReply
	replied    map[string]struct{}
	timer      *time.Timer
}

func (a *pendingAgg) complete() bool {
	return len(a.replied) >= len(a.expected)
}

func (a *pendingAgg) result() BroadcastResult {
	return BroadcastResult{
		TotalServers:     len(a.expected),
		RespondedServers: len(a.replies),
		Responses:        a.replies,
	}
}

// finishedAgg is a finalized aggregation ready for delivery. Removal from
// the table and the finalize decision happen atomically under the table
// lock, so each aggregation produces at most one of these.
type finishedAgg struct {
	id         string
	originalID json.RawMessage
	client     *registry.Client
	result     BroadcastResult
	reason     string
}

type aggStatus int

const (
	aggMissing aggStatus = iota
	aggIgnored
	aggInserted
)

type aggTable struct {
	mu   sync.Mutex
	aggs map[string]*pendingAgg
}

func newAggTable() *aggTable {
	return &aggTable{aggs: make(map[string]*pendingAgg)}
}

// add inserts the aggregation and arms its deadline. Arming under the table
// lock keeps expiry from running before the entry is visible.
func (t *aggTable) add(a *pendingAgg, timeout time.Duration, expire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a.timer = time.AfterFunc(timeout, expire)
	t.aggs[a.id] = a
}

// addReply inserts one provider's slot into the aggregation. Duplicate
// replies from a server and replies from servers outside the frozen
// expected set are ignored. When the insertion completes the set, the
// aggregation is removed and returned for delivery.
func (t *aggTable) addReply(id, serverID string, reply ProviderReply) (aggStatus, *finishedAgg) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.aggs[id]
	if !ok {
		return aggMissing, nil
	}
	if _, expected := a.expected[serverID]; !expected {
		return aggIgnored, nil
	}
	if _, dup := a.replied[serverID]; dup {
		return aggIgnored, nil
	}

	a.replied[serverID] = struct{}{}
	a.replies = append(a.replies, reply)

	if a.complete() {
		return aggInserted, t.finalizeLocked(a, "complete")
	}
	return aggInserted, nil
}

// expire finalizes the aggregation with whatever arrived, if it still
// exists. Called by the deadline timer.
func (t *aggTable) expire(id string) *finishedAgg {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.aggs[id]
	if !ok {
		return nil
	}
	return t.finalizeLocked(a, "deadline")
}

// removeServer retroactively shrinks the expected set of every aggregation
// the disconnected provider had not yet answered, finalizing any that
// become complete. A provider that already replied keeps its slot.
func (t *aggTable) removeServer(agentID, serverID string) []*finishedAgg {
	t.mu.Lock()
	defer t.mu.Unlock()

	var done []*finishedAgg
	for _, a := range t.aggs {
		if a.agentID != agentID {
			continue
		}
		if _, replied := a.replied[serverID]; replied {
			continue
		}
		if _, expected := a.expected[serverID]; !expected {
			continue
		}
		delete(a.expected, serverID)
		if a.complete() {
			done = append(done, t.finalizeLocked(a, "provider disconnected"))
		}
	}
	return done
}

// removeForClient silently discards every aggregation originated by the
// client; there is no one left to deliver to.
func (t *aggTable) removeForClient(clientID string) []*pendingAgg {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []*pendingAgg
	for id, a := range t.aggs {
		if a.client.ID == clientID {
			a.timer.Stop()
			delete(t.aggs, id)
			removed = append(removed, a)
		}
	}
	return removed
}

func (t *aggTable) drain() []*pendingAgg {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := make([]*pendingAgg, 0, len(t.aggs))
	for id, a := range t.aggs {
		a.timer.Stop()
		delete(t.aggs, id)
		removed = append(removed, a)
	}
	return removed
}

func (t *aggTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.aggs)
}

func (t *aggTable) finalizeLocked(a *pendingAgg, reason string) *finishedAgg {
	a.timer.Stop()
	delete(t.aggs, a.id)
	return &finishedAgg{
		id:         a.id,
		originalID: a.originalID,
		client:     a.client,
		result:     a.result(),
		reason:     reason,
	}
}

// Broadcast fans the request out to every live provider of the client's
// agent and arms the fan-in state. With no providers connected the
// aggregated result is returned immediately with total_servers = 0.
// Fan-out writes run concurrently; a write failure fills that provider's
// slot with a forward-failed error instead of waiting for the deadline.
func (b *Broker) Broadcast(c *registry.Client, msg *jsonrpc.Message) {
	providers := b.registry.Providers(c.AgentID)
	if len(providers) == 0 {
		empty := BroadcastResult{Responses: []ProviderReply{}}
		b.respondResult(c, msg.ID, empty)
		return
	}

	forwardedID := uuid.New().String()
	agg := &pendingAgg{
		id:         forwardedID,
		originalID: msg.ID,
		client:     c,
		agentID:    c.AgentID,
		expected:   make(map[string]struct{}, len(providers)),
		replied:    make(map[string]struct{}, len(providers)),
	}
	for _, p := range providers {
		agg.expected[p.ServerID] = struct{}{}
	}
	b.aggs.add(agg, b.broadcastTimeout, func() {
		if fin := b.aggs.expire(forwardedID); fin != nil {
			b.deliverAggregate(fin)
		}
	})

	out := *msg
	out.ID = jsonrpc.StringID(forwardedID)
	payload, err := out.Encode()
	if err != nil {
		if fin := b.aggs.expire(forwardedID); fin != nil {
			b.retired.Retire(forwardedID)
		}
		b.respond(c, jsonrpc.NewError(msg.ID, jsonrpc.CodeInternalError, "encoding broadcast request failed"))
		return
	}

	b.logger.Debug("broadcast fan-out",
		"agent_id", c.AgentID,
		"client_id", c.ID,
		"method", msg.Method,
		"request_id", forwardedID,
		"targets", len(providers),
	)

	var g errgroup.Group
	for _, p := range providers {
		p := p
		g.Go(func() error {
			err := p.Send(payload)
			if err == nil {
				return nil
			}
			b.logger.Warn("broadcast forward failed",
				"agent_id", c.AgentID,
				"server_id", p.ServerID,
				"request_id", forwardedID,
				"error", err,
			)
			failed := ProviderReply{
				ServerID: p.ServerID,
				Error:    &jsonrpc.Error{Code: jsonrpc.CodeForwardFailed, Message: "forwarding to provider failed"},
			}
			if _, fin := b.aggs.addReply(forwardedID, p.ServerID, failed); fin != nil {
				b.deliverAggregate(fin)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// deliverAggregate sends the finalized combined reply to the originating
// client and retires the aggregation's forwarded ID.
func (b *Broker) deliverAggregate(fin *finishedAgg) {
	b.retired.Retire(fin.id)

	b.logger.Info("broadcast finalized",
		"agent_id", fin.client.AgentID,
		"request_id", fin.id,
		"reason", fin.reason,
		"total_servers", fin.result.TotalServers,
		"responded_servers", fin.result.RespondedServers,
	)
	b.respondResult(fin.client, fin.originalID, fin.result)
}
