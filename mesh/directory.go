package mesh

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Directory is the authoritative registry of mesh nodes. Staleness is
// lazy: nodes are marked offline when a read observes that their last
// heartbeat is older than staleAfter, so no background ticker is
// required for correctness. Sweep exists for callers that want eager
// reaping anyway.
type Directory struct {
	mu         sync.Mutex
	nodes      map[string]*Node
	cursor     int
	execCursor int
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewDirectory creates an empty directory with the given staleness
// horizon.
func NewDirectory(staleAfter time.Duration, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		nodes:      make(map[string]*Node),
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger.With(zap.String("component", "mesh-directory")),
	}
}

// Register upserts a node. Fields absent from the request keep their
// previous values so a re-registering node does not lose its metrics.
func (d *Directory) Register(req RegisterRequest) *Node {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, exists := d.nodes[req.ID]
	if !exists {
		node = &Node{ID: req.ID}
		d.nodes[req.ID] = node
	}
	if req.BaseURL != "" {
		node.BaseURL = req.BaseURL
	}
	if req.Kind != "" {
		node.Kind = req.Kind
	}
	if req.Capabilities != nil {
		node.Capabilities = append([]string(nil), req.Capabilities...)
	}
	if req.Consent != nil {
		node.Consent = *req.Consent
	}
	node.Online = true
	node.LastSeen = d.now()

	if !exists {
		d.logger.Info("node registered",
			zap.String("node_id", node.ID),
			zap.String("kind", node.Kind),
			zap.String("base_url", node.BaseURL),
		)
	}
	cp := *node
	return &cp
}

// Heartbeat refreshes a node's liveness. Unknown ids are ignored; the
// node must register first.
func (d *Directory) Heartbeat(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[id]
	if !ok {
		return false
	}
	node.Online = true
	node.LastSeen = d.now()
	return true
}

// UpdateMetrics merges a node's self-reported sample; absent fields
// keep their previous values. A node posting metrics is by definition
// alive, so this also refreshes liveness.
func (d *Directory) UpdateMetrics(report MetricsReport) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[report.ID]
	if !ok {
		return false
	}
	if report.LatencyMS != nil {
		node.Latency = *report.LatencyMS
	}
	if report.Load != nil {
		node.Load = *report.Load
	}
	if report.CacheSize != nil {
		node.CacheSize = *report.CacheSize
	}
	node.Online = true
	node.LastSeen = d.now()
	return true
}

// Get returns a snapshot of one node.
func (d *Directory) Get(id string) (*Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[id]
	if !ok {
		return nil, false
	}
	d.refreshLocked(node)
	cp := *node
	return &cp, true
}

// List returns snapshots of every node, id-sorted for stable output.
func (d *Directory) List() []*Node {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Node, 0, len(d.nodes))
	for _, node := range d.nodes {
		d.refreshLocked(node)
		cp := *node
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PickNode selects the online node with the lowest score. Score ties
// are broken by a rotating cursor so equally healthy nodes share work
// round-robin instead of the map's iteration order starving some.
func (d *Directory) PickNode() (*Node, bool) {
	return d.PickNodeWhere(func(*Node) bool { return true })
}

// PickNodeWhere is PickNode restricted to nodes matching the predicate.
func (d *Directory) PickNodeWhere(match func(*Node) bool) (*Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	candidates := d.onlineLocked(match)
	if len(candidates) == 0 {
		return nil, false
	}

	best := candidates[0].Score()
	var tied []*Node
	for _, node := range candidates {
		s := node.Score()
		switch {
		case s < best:
			best = s
			tied = tied[:0]
			tied = append(tied, node)
		case s == best:
			tied = append(tied, node)
		}
	}

	pick := tied[d.cursor%len(tied)]
	d.cursor++
	cp := *pick
	return &cp, true
}

// PickExecutionNode orders online nodes for code execution: least
// loaded first, then lowest latency, then most recently seen. It
// returns the full ordering so the executor can fall through on
// failure.
func (d *Directory) PickExecutionNode() []*Node {
	d.mu.Lock()
	defer d.mu.Unlock()

	candidates := d.onlineLocked(func(n *Node) bool {
		return n.Kind == "execution" || n.HasCapability("execute")
	})
	if len(candidates) == 0 {
		candidates = d.onlineLocked(func(*Node) bool { return true })
	}

	out := make([]*Node, len(candidates))
	for i, n := range candidates {
		cp := *n
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Load != out[j].Load {
			return out[i].Load < out[j].Load
		}
		if out[i].Latency != out[j].Latency {
			return out[i].Latency < out[j].Latency
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})

	// Rotate the tied head group with a cursor of its own, so nodes
	// indistinguishable by the ordering share the first slot round-robin
	// instead of id order starving all but one.
	tie := 1
	for tie < len(out) &&
		out[tie].Load == out[0].Load &&
		out[tie].Latency == out[0].Latency &&
		out[tie].LastSeen.Equal(out[0].LastSeen) {
		tie++
	}
	if tie > 1 {
		rot := d.execCursor % tie
		head := append([]*Node(nil), out[rot:tie]...)
		head = append(head, out[:rot]...)
		copy(out[:tie], head)
	}
	d.execCursor++
	return out
}

// Sweep eagerly marks stale nodes offline and returns how many flipped.
func (d *Directory) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	flipped := 0
	for _, node := range d.nodes {
		if node.Online && d.isStaleLocked(node) {
			node.Online = false
			flipped++
			d.logger.Warn("node went stale", zap.String("node_id", node.ID))
		}
	}
	return flipped
}

// OnlineCount returns how many nodes are currently considered online.
func (d *Directory) OnlineCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	count := 0
	for _, node := range d.nodes {
		d.refreshLocked(node)
		if node.Online {
			count++
		}
	}
	return count
}

// RecordObservation folds a routing-time latency measurement into the
// node's state so socket and HTTP dispatch keep the directory warm.
func (d *Directory) RecordObservation(id string, latency time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[id]
	if !ok {
		return
	}
	ms := float64(latency.Milliseconds())
	if node.Latency == 0 {
		node.Latency = ms
	} else {
		// Smoothed so one slow call does not dominate.
		node.Latency = node.Latency*0.7 + ms*0.3
	}
	node.Online = true
	node.LastSeen = d.now()
}

// ObserveLoad folds a node-reported load figure into its state, for
// replies that carry one alongside the payload.
func (d *Directory) ObserveLoad(id string, load float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[id]
	if !ok || load < 0 || load > 1 {
		return
	}
	node.Load = load
	node.Online = true
	node.LastSeen = d.now()
}

// onlineLocked returns live pointers to matching online nodes after a
// staleness refresh. Callers hold the lock and must not retain them.
func (d *Directory) onlineLocked(match func(*Node) bool) []*Node {
	var out []*Node
	for _, node := range d.nodes {
		d.refreshLocked(node)
		if node.Online && match(node) {
			out = append(out, node)
		}
	}
	// Stable order so cursor rotation is deterministic.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Directory) refreshLocked(node *Node) {
	if node.Online && d.isStaleLocked(node) {
		node.Online = false
		d.logger.Warn("node went stale", zap.String("node_id", node.ID))
	}
}

func (d *Directory) isStaleLocked(node *Node) bool {
	return d.staleAfter > 0 && d.now().Sub(node.LastSeen) > d.staleAfter
}
