package proxy

import (
	"sync"
	"time"

	"github.com/nulpointcorp/switchboard/internal/health"
	"github.com/nulpointcorp/switchboard/internal/providers"
)

// StatusSnapshot is the view served on GET /admin/status.
type StatusSnapshot struct {
	Running           bool              `json:"running"`
	Address           string            `json:"address"`
	Port              int               `json:"port"`
	TargetApp         providers.AppType `json:"targetApp"`
	ActiveConnections int64             `json:"activeConnections"`
	TotalRequests     uint64            `json:"totalRequests"`
	SuccessRequests   uint64            `json:"successRequests"`
	FailedRequests    uint64            `json:"failedRequests"`
	SuccessRate       float64           `json:"successRate"`
	FailoverCount     uint64            `json:"failoverCount"`
	UptimeSeconds     int64             `json:"uptimeSeconds"`
	CurrentProvider   string            `json:"currentProvider,omitempty"`
	CurrentProviderID string            `json:"currentProviderId,omitempty"`
	LastRequestAt     int64             `json:"lastRequestAt,omitempty"`
	LastError         string            `json:"lastError,omitempty"`
}

// Status holds the process-wide counters. Every method is safe for
// concurrent use.
type Status struct {
	mu      sync.Mutex
	started time.Time
	now     func() time.Time
	s       StatusSnapshot
}

func newStatus(now func() time.Time) *Status {
	if now == nil {
		now = time.Now
	}
	return &Status{started: now(), now: now}
}

func (st *Status) setListener(addr string, port int, app providers.AppType) {
	st.mu.Lock()
	st.s.Running = true
	st.s.Address, st.s.Port, st.s.TargetApp = addr, port, app
	st.mu.Unlock()
}

func (st *Status) stopped() {
	st.mu.Lock()
	st.s.Running = false
	st.mu.Unlock()
}

func (st *Status) begin() {
	st.mu.Lock()
	st.s.ActiveConnections++
	st.s.LastRequestAt = st.now().Unix()
	st.mu.Unlock()
}

func (st *Status) end() {
	st.mu.Lock()
	st.s.ActiveConnections--
	st.mu.Unlock()
}

// attempt counts one upstream dispatch and marks p as the provider in use.
func (st *Status) attempt(p *providers.Provider) {
	st.mu.Lock()
	st.s.TotalRequests++
	st.s.CurrentProvider, st.s.CurrentProviderID = p.Name, p.ID
	st.mu.Unlock()
}

func (st *Status) success() {
	st.mu.Lock()
	st.s.SuccessRequests++
	st.mu.Unlock()
}

func (st *Status) failure(msg string) {
	st.mu.Lock()
	st.s.FailedRequests++
	st.s.LastError = health.Truncate(msg, providers.LastErrorMaxLen)
	st.mu.Unlock()
}

// demote turns a counted success into a failure, for a response that broke
// after its 2xx status was accepted.
func (st *Status) demote(msg string) {
	st.mu.Lock()
	if st.s.SuccessRequests > 0 {
		st.s.SuccessRequests--
	}
	st.s.FailedRequests++
	st.s.LastError = health.Truncate(msg, providers.LastErrorMaxLen)
	st.mu.Unlock()
}

func (st *Status) failover() {
	st.mu.Lock()
	st.s.FailoverCount++
	st.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (st *Status) Snapshot() StatusSnapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.s
	s.UptimeSeconds = int64(st.now().Sub(st.started).Seconds())
	if done := s.SuccessRequests + s.FailedRequests; done > 0 {
		s.SuccessRate = float64(s.SuccessRequests) / float64(done) * 100
	}
	return s
}
