package model

import "time"

// TelemetryEvent describes one completed task. Events are values; once
// recorded they are never mutated.
type TelemetryEvent struct {
	Kind        Kind          `json:"kind"`
	ActualCost  int64         `json:"actual_cost"`
	Latency     time.Duration `json:"latency"`
	Venue       Venue         `json:"venue"`
	Confidence  float64       `json:"confidence"`
	Failed      bool          `json:"failed,omitempty"`
	MemoryUsage float64       `json:"memory_usage"`
	CPUUsage    float64       `json:"cpu_usage"`
	Timestamp   time.Time     `json:"timestamp"`
}

// TelemetryBatch is the anonymized aggregate sent upstream. It never
// carries task input or output.
type TelemetryBatch struct {
	BatchID        string         `json:"batchId"`
	TotalTasks     int            `json:"totalTasks"`
	AvgCostUsed    float64        `json:"avgCostUsed"`
	AvgLatency     float64        `json:"avgLatency"` // milliseconds
	TaskKindCounts map[string]int `json:"taskKindCounts"`
	AvgMemoryUsage float64        `json:"avgMemoryUsage"`
	AvgCPUUsage    float64        `json:"avgCpuUsage"`
	TimeRangeStart time.Time      `json:"timeRangeStart"`
	TimeRangeEnd   time.Time      `json:"timeRangeEnd"`
}
