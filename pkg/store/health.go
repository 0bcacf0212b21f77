package store

import (
	"sort"
	"sync"

	"github.com/drejom/rbiocverse/internal/model"
)

// HealthTracker keeps the latest utilization sample per cluster plus a
// bounded history ring for trend display. Memory is bounded: once a
// cluster's ring is full, the oldest sample is evicted.
type HealthTracker struct {
	mu       sync.RWMutex
	capacity int
	current  map[string]model.ClusterHealth
	history  map[string][]model.ClusterHealth
}

// NewHealthTracker creates a tracker holding up to capacity historical
// samples per cluster.
func NewHealthTracker(capacity int) *HealthTracker {
	if capacity <= 0 {
		capacity = 1
	}
	return &HealthTracker{
		capacity: capacity,
		current:  make(map[string]model.ClusterHealth),
		history:  make(map[string][]model.ClusterHealth),
	}
}

// Record stores a new sample for its cluster, pushing the previous current
// sample into the history ring.
func (h *HealthTracker) Record(sample model.ClusterHealth) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.current[sample.Cluster]; ok {
		ring := append(h.history[sample.Cluster], prev)
		if len(ring) > h.capacity {
			ring = ring[len(ring)-h.capacity:]
		}
		h.history[sample.Cluster] = ring
	}
	h.current[sample.Cluster] = sample
}

// Report returns the cluster's current sample and history (oldest first),
// or false if the cluster has never been sampled.
func (h *HealthTracker) Report(cluster string) (model.ClusterHealthReport, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cur, ok := h.current[cluster]
	if !ok {
		return model.ClusterHealthReport{}, false
	}
	hist := h.history[cluster]
	out := make([]model.ClusterHealth, len(hist))
	copy(out, hist)
	return model.ClusterHealthReport{Current: cur, History: out}, true
}

// Reports returns all cluster reports ordered by cluster name.
func (h *HealthTracker) Reports() []model.ClusterHealthReport {
	h.mu.RLock()
	names := make([]string, 0, len(h.current))
	for name := range h.current {
		names = append(names, name)
	}
	h.mu.RUnlock()

	sort.Strings(names)
	out := make([]model.ClusterHealthReport, 0, len(names))
	for _, name := range names {
		if report, ok := h.Report(name); ok {
			out = append(out, report)
		}
	}
	return out
}
