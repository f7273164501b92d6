package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupDirectory(staleAfter time.Duration) (*Directory, *time.Time) {
	d := NewDirectory(staleAfter, zap.NewNop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	return d, &now
}

func TestDirectory_RegisterMergesFields(t *testing.T) {
	d, _ := setupDirectory(time.Minute)

	d.Register(RegisterRequest{
		ID:           "edge-1",
		BaseURL:      "http://edge-1:9000",
		Kind:         "execution",
		Capabilities: []string{"execute", "infer"},
	})
	require.True(t, d.UpdateMetrics(NewMetricsReport("edge-1", 12, 0.5, 10)))

	// Re-registering without optional fields keeps the previous values.
	d.Register(RegisterRequest{ID: "edge-1"})

	node, ok := d.Get("edge-1")
	require.True(t, ok)
	assert.Equal(t, "http://edge-1:9000", node.BaseURL)
	assert.Equal(t, "execution", node.Kind)
	assert.Equal(t, []string{"execute", "infer"}, node.Capabilities)
	assert.Equal(t, float64(12), node.Latency)
	assert.True(t, node.Online)
}

func TestDirectory_HeartbeatUnknownNode(t *testing.T) {
	d, _ := setupDirectory(time.Minute)
	assert.False(t, d.Heartbeat("ghost"), "unregistered nodes must register first")
}

func TestDirectory_LazyStaleness(t *testing.T) {
	d, now := setupDirectory(45 * time.Second)
	d.Register(RegisterRequest{ID: "edge-1", BaseURL: "http://edge-1:9000"})

	node, ok := d.Get("edge-1")
	require.True(t, ok)
	assert.True(t, node.Online)

	// Past the horizon, a plain read observes the node offline without
	// any sweeper having run.
	*now = now.Add(46 * time.Second)
	node, ok = d.Get("edge-1")
	require.True(t, ok)
	assert.False(t, node.Online)
	assert.Equal(t, 0, d.OnlineCount())

	// A heartbeat revives it.
	require.True(t, d.Heartbeat("edge-1"))
	node, _ = d.Get("edge-1")
	assert.True(t, node.Online)
}

func TestDirectory_Sweep(t *testing.T) {
	d, now := setupDirectory(45 * time.Second)
	d.Register(RegisterRequest{ID: "edge-1"})
	d.Register(RegisterRequest{ID: "edge-2"})

	assert.Equal(t, 0, d.Sweep())

	*now = now.Add(time.Minute)
	assert.Equal(t, 2, d.Sweep())
	assert.Equal(t, 0, d.Sweep(), "already-offline nodes do not flip again")
}

func TestDirectory_PickNodeLowestScore(t *testing.T) {
	d, _ := setupDirectory(time.Minute)
	d.Register(RegisterRequest{ID: "fast"})
	d.Register(RegisterRequest{ID: "slow"})
	d.UpdateMetrics(NewMetricsReport("fast", 10, 0.1, 0))
	d.UpdateMetrics(NewMetricsReport("slow", 200, 0.9, 0))

	for i := 0; i < 5; i++ {
		node, ok := d.PickNode()
		require.True(t, ok)
		assert.Equal(t, "fast", node.ID)
	}
}

func TestDirectory_PickNodeRotatesTies(t *testing.T) {
	d, _ := setupDirectory(time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		d.Register(RegisterRequest{ID: id})
		d.UpdateMetrics(NewMetricsReport(id, 10, 0.5, 0))
	}

	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		node, ok := d.PickNode()
		require.True(t, ok)
		seen[node.ID]++
	}
	assert.Equal(t, 3, seen["a"], "tied nodes must share work evenly")
	assert.Equal(t, 3, seen["b"])
	assert.Equal(t, 3, seen["c"])
}

func TestDirectory_PickNodeEmptyDirectory(t *testing.T) {
	d, _ := setupDirectory(time.Minute)
	_, ok := d.PickNode()
	assert.False(t, ok)
}

func TestDirectory_PickNodeSkipsStale(t *testing.T) {
	d, now := setupDirectory(45 * time.Second)
	d.Register(RegisterRequest{ID: "old"})

	*now = now.Add(time.Minute)
	d.Register(RegisterRequest{ID: "fresh"})

	node, ok := d.PickNode()
	require.True(t, ok)
	assert.Equal(t, "fresh", node.ID)
}

func TestDirectory_PickExecutionNodeOrdering(t *testing.T) {
	d, _ := setupDirectory(time.Minute)
	d.Register(RegisterRequest{ID: "busy", Kind: "execution"})
	d.Register(RegisterRequest{ID: "idle-slow", Kind: "execution"})
	d.Register(RegisterRequest{ID: "idle-fast", Kind: "execution"})
	d.UpdateMetrics(NewMetricsReport("busy", 5, 0.9, 0))
	d.UpdateMetrics(NewMetricsReport("idle-slow", 100, 0.1, 0))
	d.UpdateMetrics(NewMetricsReport("idle-fast", 10, 0.1, 0))

	ordered := d.PickExecutionNode()
	require.Len(t, ordered, 3)
	assert.Equal(t, "idle-fast", ordered[0].ID)
	assert.Equal(t, "idle-slow", ordered[1].ID)
	assert.Equal(t, "busy", ordered[2].ID)
}

func TestDirectory_UpdateMetricsPartialMerge(t *testing.T) {
	d, _ := setupDirectory(time.Minute)
	d.Register(RegisterRequest{ID: "edge-1"})
	require.True(t, d.UpdateMetrics(NewMetricsReport("edge-1", 20, 0.8, 40)))

	// A latency-only report must not zero load or cache size.
	latency := 9.0
	require.True(t, d.UpdateMetrics(MetricsReport{ID: "edge-1", LatencyMS: &latency}))

	node, ok := d.Get("edge-1")
	require.True(t, ok)
	assert.Equal(t, float64(9), node.Latency)
	assert.Equal(t, 0.8, node.Load)
	assert.Equal(t, 40, node.CacheSize)
}

func TestDirectory_PickExecutionNodeRotatesTies(t *testing.T) {
	d, _ := setupDirectory(time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		d.Register(RegisterRequest{ID: id, Kind: "execution"})
		d.UpdateMetrics(NewMetricsReport(id, 10, 0.5, 0))
	}

	heads := make(map[string]int)
	for i := 0; i < 9; i++ {
		ordered := d.PickExecutionNode()
		require.Len(t, ordered, 3)
		heads[ordered[0].ID]++
	}
	assert.Equal(t, 3, heads["a"], "tied execution nodes must share the head slot")
	assert.Equal(t, 3, heads["b"])
	assert.Equal(t, 3, heads["c"])
}

func TestDirectory_PickExecutionNodeRotationKeepsOrdering(t *testing.T) {
	d, now := setupDirectory(time.Minute)
	d.Register(RegisterRequest{ID: "tied-1"})
	d.Register(RegisterRequest{ID: "tied-2"})
	*now = now.Add(time.Second)
	d.Register(RegisterRequest{ID: "busy"})
	d.UpdateMetrics(NewMetricsReport("tied-1", 10, 0.1, 0))
	d.UpdateMetrics(NewMetricsReport("tied-2", 10, 0.1, 0))
	d.UpdateMetrics(NewMetricsReport("busy", 10, 0.9, 0))

	// Only the tied head group rotates; strictly worse nodes stay behind.
	for i := 0; i < 4; i++ {
		ordered := d.PickExecutionNode()
		require.Len(t, ordered, 3)
		assert.Equal(t, "busy", ordered[2].ID)
	}
}

func TestDirectory_ConsentMergeAndPredicate(t *testing.T) {
	d, _ := setupDirectory(time.Minute)
	d.Register(RegisterRequest{ID: "opted-in", Consent: &Consent{Training: true, Telemetry: true}})
	d.Register(RegisterRequest{ID: "opted-out"})

	node, ok := d.PickNodeWhere(func(n *Node) bool { return n.Consent.Training })
	require.True(t, ok)
	assert.Equal(t, "opted-in", node.ID)

	// Re-registering without the consent block keeps the recorded flags.
	d.Register(RegisterRequest{ID: "opted-in", Kind: "execution"})
	node, ok = d.Get("opted-in")
	require.True(t, ok)
	assert.True(t, node.Consent.Training)
	assert.True(t, node.Consent.Telemetry)

	_, ok = d.PickNodeWhere(func(n *Node) bool { return n.Consent.Training && n.ID == "opted-out" })
	assert.False(t, ok)
}

func TestDirectory_ObserveLoad(t *testing.T) {
	d, _ := setupDirectory(time.Minute)
	d.Register(RegisterRequest{ID: "edge-1"})
	d.UpdateMetrics(NewMetricsReport("edge-1", 10, 0.2, 5))

	d.ObserveLoad("edge-1", 0.7)
	node, _ := d.Get("edge-1")
	assert.Equal(t, 0.7, node.Load)
	assert.Equal(t, 5, node.CacheSize, "only load changes")

	// Out-of-range figures are ignored.
	d.ObserveLoad("edge-1", 1.5)
	node, _ = d.Get("edge-1")
	assert.Equal(t, 0.7, node.Load)
}

func TestDirectory_PickExecutionNodePrefersExecutionCapable(t *testing.T) {
	d, _ := setupDirectory(time.Minute)
	d.Register(RegisterRequest{ID: "worker", Capabilities: []string{"execute"}})
	d.Register(RegisterRequest{ID: "inference-only", Kind: "inference"})

	ordered := d.PickExecutionNode()
	require.Len(t, ordered, 1)
	assert.Equal(t, "worker", ordered[0].ID)

	// With no execution-capable node online, any online node serves.
	d2, _ := setupDirectory(time.Minute)
	d2.Register(RegisterRequest{ID: "inference-only", Kind: "inference"})
	ordered = d2.PickExecutionNode()
	require.Len(t, ordered, 1)
	assert.Equal(t, "inference-only", ordered[0].ID)
}

func TestDirectory_RecordObservationSmoothsLatency(t *testing.T) {
	d, _ := setupDirectory(time.Minute)
	d.Register(RegisterRequest{ID: "edge-1"})

	d.RecordObservation("edge-1", 100*time.Millisecond)
	node, _ := d.Get("edge-1")
	assert.Equal(t, float64(100), node.Latency, "first sample is taken as-is")

	d.RecordObservation("edge-1", 200*time.Millisecond)
	node, _ = d.Get("edge-1")
	assert.InDelta(t, 130, node.Latency, 0.001, "0.7*100 + 0.3*200")
}

func TestNode_Score(t *testing.T) {
	n := Node{Latency: 50, Load: 0.5, CacheSize: 100}
	assert.InDelta(t, 50+0.5*100+100*0.1, n.Score(), 0.001)
}
