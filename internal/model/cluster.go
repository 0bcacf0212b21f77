package model

import "time"

// ClusterHealth is one per-cluster utilization sample. GPUPercent is nil for
// clusters without accelerators.
type ClusterHealth struct {
	Cluster       string    `json:"cluster"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	NodePercent   float64   `json:"node_percent"`
	GPUPercent    *float64  `json:"gpu_percent,omitempty"`
	CollectedAt   time.Time `json:"collected_at"`
}

// ClusterHealthReport is a cluster's current sample plus its recent history,
// oldest first. History is display-only trend data.
type ClusterHealthReport struct {
	Current ClusterHealth   `json:"current"`
	History []ClusterHealth `json:"history,omitempty"`
}
