package engine

import (
	"sync"

	"derivdash/pkg/types"
)

// stateTable holds the latest payload per KPI plus a monotonic request id so
// a slow in-flight refresh can never overwrite a newer result
// (last-writer-wins).
type stateTable struct {
	mu       sync.RWMutex
	payloads map[string]types.KPIPayload
	seq      map[string]uint64
}

func newStateTable() *stateTable {
	return &stateTable{
		payloads: make(map[string]types.KPIPayload),
		seq:      make(map[string]uint64),
	}
}

// begin marks a KPI as loading and returns the request id the refresh must
// present when publishing.
func (s *stateTable) begin(kpi string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[kpi]++
	p := s.payloads[kpi]
	p.KPIID = kpi
	p.Status = types.StatusLoading
	s.payloads[kpi] = p
	return s.seq[kpi]
}

// publish installs a payload if id is still the latest request for the KPI.
// Returns false for superseded results, which are discarded.
func (s *stateTable) publish(kpi string, id uint64, p types.KPIPayload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.seq[kpi] {
		return false
	}
	p.KPIID = kpi
	s.payloads[kpi] = p
	return true
}

// snapshot returns a copy of all current payloads.
func (s *stateTable) snapshot() map[string]types.KPIPayload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.KPIPayload, len(s.payloads))
	for k, v := range s.payloads {
		out[k] = v
	}
	return out
}

// restore seeds payloads that have no newer state, used to serve a persisted
// snapshot after restart.
func (s *stateTable) restore(payloads map[string]types.KPIPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range payloads {
		if s.seq[k] == 0 {
			s.payloads[k] = v
		}
	}
}
