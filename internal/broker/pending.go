// ABOUTME: Pending-call table correlating forwarded requests with provider replies.
// ABOUTME: Owns the timeout handle for every outstanding single-destination call.

package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/relaylabs/mcp-relay/internal/registry"
)

// pendingCall tracks one forwarded client request awaiting exactly one
// provider's reply. Exactly one of reply, timeout, or disconnect retires it.
type pendingCall struct {
	forwardedID string
	originalID  json.RawMessage
	client      *registry.Client
	agentID     string
	serverID    string
	toolName    string
	createdAt   time.Time
	timer       *time.Timer
}

type callTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newCallTable() *callTable {
	return &callTable{calls: make(map[string]*pendingCall)}
}

// add inserts the call and arms its timeout. The timer is armed under the
// table lock so expiry cannot run before the entry is visible, even with a
// zero timeout.
func (t *callTable) add(pc *pendingCall, timeout time.Duration, expire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc.timer = time.AfterFunc(timeout, expire)
	t.calls[pc.forwardedID] = pc
}

// take removes and returns the call for the forwarded ID, stopping its
// timer. The false return covers already-retired calls, making the
// reply/timeout race safe: only one side wins.
func (t *callTable) take(forwardedID string) (*pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pc, ok := t.calls[forwardedID]
	if !ok {
		return nil, false
	}
	pc.timer.Stop()
	delete(t.calls, forwardedID)
	return pc, true
}

// removeForProvider retires every call awaiting the given provider.
func (t *callTable) removeForProvider(agentID, serverID string) []*pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []*pendingCall
	for id, pc := range t.calls {
		if pc.agentID == agentID && pc.serverID == serverID {
			pc.timer.Stop()
			delete(t.calls, id)
			removed = append(removed, pc)
		}
	}
	return removed
}

// removeForClient retires every call originated by the given client.
func (t *callTable) removeForClient(clientID string) []*pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []*pendingCall
	for id, pc := range t.calls {
		if pc.client.ID == clientID {
			pc.timer.Stop()
			delete(t.calls, id)
			removed = append(removed, pc)
		}
	}
	return removed
}

// drain retires everything. Used during shutdown.
func (t *callTable) drain() []*pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := make([]*pendingCall, 0, len(t.calls))
	for id, pc := range t.calls {
		pc.timer.Stop()
		delete(t.calls, id)
		removed = append(removed, pc)
	}
	return removed
}

func (t *callTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
