// ABOUTME: HTTP and WebSocket handlers for the relay endpoints.
// ABOUTME: Providers attach under /mcp_endpoint/mcp/, clients under /mcp_endpoint/call/.

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// greeting is the first frame sent on every accepted WebSocket.
type greeting struct {
	Type     string `json:"type"`
	AgentID  string `json:"agent_id"`
	ServerID string `json:"server_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// handleProviderWS accepts an MCP server connection. The token and
// server_id arrive as query parameters; auth failures close the socket
// with a policy violation so WebSocket clients see a proper close code.
func (s *Server) handleProviderWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	serverID := r.URL.Query().Get("server_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("provider upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	agentID, err := s.resolver.Resolve(token)
	if err != nil {
		s.logger.Warn("provider auth failed", "error", err, "remote", r.RemoteAddr)
		s.rejectWS(conn, "authentication failed")
		return
	}
	if serverID == "" {
		s.rejectWS(conn, "server_id query parameter is required")
		return
	}

	transport := newWSTransport(conn)
	p := s.registry.RegisterProvider(agentID, serverID, transport)
	defer s.registry.UnregisterProvider(p)

	s.sendGreeting(transport, greeting{
		Type:     "connection_established",
		AgentID:  agentID,
		ServerID: serverID,
	})

	// Providers announce tools on their own after initialize, but asking
	// immediately keeps the catalog warm for servers that wait to be asked.
	s.broker.RequestTools(p)

	stopPing := s.startPinger(conn, transport)
	defer stopPing()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("provider read loop ended",
				"agent_id", agentID,
				"server_id", serverID,
				"error", err,
			)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.broker.HandleProviderMessage(p, data)
	}
}

// handleClientWS accepts a robot/caller connection. Clients get a
// broker-assigned ID so several can share one agent.
func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("client upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	agentID, err := s.resolver.Resolve(token)
	if err != nil {
		s.logger.Warn("client auth failed", "error", err, "remote", r.RemoteAddr)
		s.rejectWS(conn, "authentication failed")
		return
	}

	transport := newWSTransport(conn)
	c := s.registry.RegisterClient(agentID, transport)
	defer s.registry.UnregisterClient(c)

	s.sendGreeting(transport, greeting{
		Type:     "connection_established",
		AgentID:  agentID,
		ClientID: c.ID,
	})

	stopPing := s.startPinger(conn, transport)
	defer stopPing()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("client read loop ended",
				"agent_id", agentID,
				"client_id", c.ID,
				"error", err,
			)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.broker.HandleClientMessage(c, data)
	}
}

// rejectWS closes a freshly upgraded socket with a policy violation frame.
func (s *Server) rejectWS(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.SetWriteDeadline(time.Now().Add(closeTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}

func (s *Server) sendGreeting(t *wsTransport, g greeting) {
	payload, err := json.Marshal(g)
	if err != nil {
		return
	}
	if err := t.Send(payload); err != nil {
		s.logger.Debug("sending greeting failed", "agent_id", g.AgentID, "error", err)
	}
}

// startPinger keeps the connection alive with periodic pings and enforces a
// read deadline refreshed by pongs. The returned func stops the pinger.
func (s *Server) startPinger(conn *websocket.Conn, t *wsTransport) func() {
	interval := s.config.Server.PingInterval
	if interval <= 0 {
		return func() {}
	}

	deadline := 2 * interval
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := t.ping(); err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// handleHealth reports connection counts. When a stats key is configured
// the key query parameter must match.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.statsKeyOK(r) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"status":  "key_error",
			"message": "invalid or missing key",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"connections": s.stats.Connections(),
	})
}

// handleStats reports the full per-agent breakdown, key-gated like health.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.statsKeyOK(r) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"status":  "key_error",
			"message": "invalid or missing key",
		})
		return
	}
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Server) statsKeyOK(r *http.Request) bool {
	key := s.config.Security.StatsKey
	return key == "" || r.URL.Query().Get("key") == key
}

// handleInfo describes the service for anyone poking the base path.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/mcp_endpoint/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "mcp-relay",
		"endpoints": map[string]string{
			"provider": "/mcp_endpoint/mcp/",
			"client":   "/mcp_endpoint/call/",
			"health":   "/mcp_endpoint/health",
			"stats":    "/mcp_endpoint/stats",
		},
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/mcp_endpoint/", http.StatusFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
