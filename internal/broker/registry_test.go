package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySubscriptionTopology(t *testing.T) {
	r := newRegistry()
	r.addTool(&ToolRecord{ID: "1-001"})
	r.addTool(&ToolRecord{ID: "1-002"})
	r.addTool(&ToolRecord{ID: "1-003"})

	r.addSubscription("1-002", "1-001")
	r.addSubscription("1-003", "1-001")

	assert.True(t, r.subscribed("1-002", "1-001"))
	assert.True(t, r.subscribed("1-003", "1-001"))
	assert.False(t, r.subscribed("1-001", "1-002"))

	require.True(t, r.dropSubscription("1-002", "1-001"))
	assert.False(t, r.subscribed("1-002", "1-001"))
	assert.False(t, r.dropSubscription("1-002", "1-001"), "second drop reports missing")
}

func TestRegistryRemoveToolCleansBothDirections(t *testing.T) {
	r := newRegistry()
	r.addTool(&ToolRecord{ID: "1-001"})
	r.addTool(&ToolRecord{ID: "1-002"})

	// 002 subscribes to 001 and vice versa (cycles are legal).
	r.addSubscription("1-002", "1-001")
	r.addSubscription("1-001", "1-002")

	rec, own, targets := r.removeTool("1-001")
	require.NotNil(t, rec)
	assert.Nil(t, own)
	assert.Equal(t, []string{"1-002"}, targets)

	// No dangling edges remain on the surviving side.
	assert.False(t, r.subscribed("1-002", "1-001"))
	_, ok := r.tool("1-001")
	assert.False(t, ok)
	assert.Equal(t, 1, r.toolCount())
}

func TestRegistryEnsureProxySingleFlight(t *testing.T) {
	r := newRegistry()

	first := newProxyRecord("1-001", "unix:///tmp/p1.sock", false)
	got, installed := r.ensureProxy("1-001", first)
	require.True(t, installed)
	require.Same(t, first, got)

	second := newProxyRecord("1-001", "unix:///tmp/p2.sock", false)
	got, installed = r.ensureProxy("1-001", second)
	assert.False(t, installed, "a live record wins over a new pending one")
	assert.Same(t, first, got)

	// Dropping a record that is not the installed one leaves the installed
	// record untouched.
	r.dropProxy("1-001", second)
	p, ok := r.proxyFor("1-001")
	require.True(t, ok)
	assert.Same(t, first, p)

	r.dropProxy("1-001", first)
	_, ok = r.proxyFor("1-001")
	assert.False(t, ok)
}

func TestRegistryListTools(t *testing.T) {
	r := newRegistry()
	r.addTool(&ToolRecord{ID: "1-001", Capabilities: []string{"raw"}})
	r.addTool(&ToolRecord{ID: "1-002", Capabilities: []string{}})

	infos := r.listTools()
	require.Len(t, infos, 2)
}

func TestToolRecordHasCapability(t *testing.T) {
	rec := &ToolRecord{Capabilities: []string{"raw", "color"}}
	assert.True(t, rec.HasCapability("raw"))
	assert.False(t, rec.HasCapability("pty"))
}
