package api

import (
	"time"

	"derivdash/pkg/types"
)

// SnapshotProvider is the engine surface the dashboard server consumes.
type SnapshotProvider interface {
	Snapshot() map[string]types.KPIPayload
	Events() <-chan types.KPIPayload
	Spot() float64
	Currency() string
	Refresh()
}

// DashboardEvent is the wrapper for all messages sent over the websocket.
type DashboardEvent struct {
	Type      string    `json:"type"` // "snapshot" or "kpi"
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// DashboardSnapshot is the full-state payload served on connect and at
// /api/snapshot.
type DashboardSnapshot struct {
	Currency    string                      `json:"currency"`
	Spot        float64                     `json:"spot,omitempty"`
	KPIs        map[string]types.KPIPayload `json:"kpis"`
	GeneratedAt time.Time                   `json:"generated_at"`
}

// BuildSnapshot assembles the current dashboard state.
func BuildSnapshot(provider SnapshotProvider) DashboardSnapshot {
	return DashboardSnapshot{
		Currency:    provider.Currency(),
		Spot:        provider.Spot(),
		KPIs:        provider.Snapshot(),
		GeneratedAt: time.Now().UTC(),
	}
}
