// ABOUTME: Tests for the stats reporter projection over registry and catalog.
// ABOUTME: Uses in-memory transports; asserts shape and ordering of snapshots.

package stats

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaylabs/mcp-relay/internal/registry"
)

type nopTransport struct{}

func (nopTransport) Send([]byte) error  { return nil }
func (nopTransport) Close(string) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnections(t *testing.T) {
	reg := registry.New(testLogger())
	cat := registry.NewCatalog(testLogger())
	reg.AddObserver(cat)
	rep := NewReporter(reg, cat)

	assert.Equal(t, Connections{}, rep.Connections())

	reg.RegisterProvider("agent-1", "srv-a", nopTransport{})
	reg.RegisterProvider("agent-1", "srv-b", nopTransport{})
	reg.RegisterClient("agent-1", nopTransport{})

	got := rep.Connections()
	assert.Equal(t, 2, got.ProviderConnections)
	assert.Equal(t, 1, got.ClientConnections)
	assert.Equal(t, 3, got.TotalConnections)
}

func TestSnapshot(t *testing.T) {
	reg := registry.New(testLogger())
	cat := registry.NewCatalog(testLogger())
	reg.AddObserver(cat)
	rep := NewReporter(reg, cat)

	reg.RegisterProvider("beta", "srv-b", nopTransport{})
	pa := reg.RegisterProvider("alpha", "srv-a", nopTransport{})
	pa.SetInfo([]byte(`{"protocolVersion":"2024-11-05"}`))
	cat.UpdateTools("alpha", "srv-a", []registry.Tool{{Name: "read"}, {Name: "write"}})
	cat.UpdateTools("beta", "srv-b", []registry.Tool{{Name: "ping"}})

	snap := rep.Snapshot()

	require.Len(t, snap.Agents, 2)
	// Sorted by agent ID for stable output.
	assert.Equal(t, "alpha", snap.Agents[0].AgentID)
	assert.Equal(t, "beta", snap.Agents[1].AgentID)
	assert.Equal(t, 3, snap.TotalTools)
	assert.Equal(t, 2, snap.ProviderConnections)

	alpha := snap.Agents[0].Servers["srv-a"]
	assert.Equal(t, 2, alpha.ToolCount)
	assert.Equal(t, []string{"read", "write"}, alpha.ToolNames)
	assert.False(t, alpha.ConnectedAt.IsZero())
	assert.Contains(t, string(alpha.ServerInfo), "2024-11-05")
}

func TestSnapshotEmpty(t *testing.T) {
	reg := registry.New(testLogger())
	cat := registry.NewCatalog(testLogger())
	rep := NewReporter(reg, cat)

	snap := rep.Snapshot()
	assert.NotNil(t, snap.Agents)
	assert.Empty(t, snap.Agents)
	assert.Zero(t, snap.TotalTools)
}
