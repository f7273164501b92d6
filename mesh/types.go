// Package mesh maintains the directory of edge compute nodes and routes
// inference work to them over HTTP or WebSocket.
package mesh

import "time"

// Node is one registered edge compute node. Latency is the node's
// self-reported average in milliseconds, Load a normalized 0..1 figure.
type Node struct {
	ID           string    `json:"id"`
	BaseURL      string    `json:"baseUrl"`
	Kind         string    `json:"kind"`
	Capabilities []string  `json:"capabilities"`
	Consent      Consent   `json:"consent"`
	Online       bool      `json:"online"`
	Latency      float64   `json:"latency_ms"`
	Load         float64   `json:"load"`
	CacheSize    int       `json:"cache_size"`
	LastSeen     time.Time `json:"lastSeen"`
}

// Consent records what the node's operator has agreed to contribute.
// Routing predicates filter on these the same way they filter on
// capabilities.
type Consent struct {
	Training  bool `json:"training"`
	Telemetry bool `json:"telemetry"`
}

// HasCapability reports whether the node advertises the capability.
func (n *Node) HasCapability(cap string) bool {
	for _, c := range n.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Score is the routing cost used by PickNode; lower is better. Load
// dominates, latency refines, and a growing local cache nudges work
// toward emptier nodes.
func (n *Node) Score() float64 {
	return n.Latency + n.Load*100 + float64(n.CacheSize)*0.1
}

// MetricsReport is a node's self-reported health sample. Fields are
// pointers so a partial report only overwrites what it carries.
type MetricsReport struct {
	ID        string   `json:"id"`
	LatencyMS *float64 `json:"latency_ms,omitempty"`
	Load      *float64 `json:"load,omitempty"`
	CacheSize *int     `json:"cache_size,omitempty"`
}

// NewMetricsReport builds a full report; partial reports are built
// literally with only the fields to merge.
func NewMetricsReport(id string, latencyMS, load float64, cacheSize int) MetricsReport {
	return MetricsReport{ID: id, LatencyMS: &latencyMS, Load: &load, CacheSize: &cacheSize}
}

// RegisterRequest is the node enrollment payload. Consent is a pointer
// so a re-registration that omits it keeps the recorded flags.
type RegisterRequest struct {
	ID           string   `json:"id"`
	BaseURL      string   `json:"baseUrl"`
	Kind         string   `json:"kind"`
	Capabilities []string `json:"capabilities"`
	Consent      *Consent `json:"consent,omitempty"`
}
