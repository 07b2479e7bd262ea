// Package metering keeps in-process counters over the request pipeline:
// decisions by outcome, stage, and code, plus duration aggregates per route.
// The ops endpoint serializes a snapshot; nothing is exported elsewhere.
package metering

import (
	"sync"
	"time"

	"github.com/privatedb/agent/pkg/contracts"
)

// RouteStats aggregates request durations for one route.
type RouteStats struct {
	Count     int64   `json:"count"`
	TotalMs   float64 `json:"totalMs"`
	MaxMs     float64 `json:"maxMs"`
	AverageMs float64 `json:"averageMs"`
}

// Snapshot is the point-in-time view served by the ops endpoint.
type Snapshot struct {
	StartedAt      string                `json:"startedAt"`
	UptimeSeconds  float64               `json:"uptimeSeconds"`
	Requests       int64                 `json:"requests"`
	ByOutcome      map[string]int64      `json:"byOutcome"`
	ByStage        map[string]int64      `json:"byStage"`
	ByCode         map[string]int64      `json:"byCode"`
	ByRoute        map[string]RouteStats `json:"byRoute"`
	TasksAccepted  int64                 `json:"tasksAccepted"`
	TasksSucceeded int64                 `json:"tasksSucceeded"`
	TasksFailed    int64                 `json:"tasksFailed"`
	AuditFailures  int64                 `json:"auditFailures"`
}

type routeAgg struct {
	count   int64
	totalMs float64
	maxMs   float64
}

// Meter is safe for concurrent use by every request goroutine.
type Meter struct {
	mu        sync.Mutex
	startedAt time.Time
	now       func() time.Time

	requests  int64
	byOutcome map[string]int64
	byStage   map[string]int64
	byCode    map[string]int64
	byRoute   map[string]*routeAgg

	tasksAccepted  int64
	tasksSucceeded int64
	tasksFailed    int64
	auditFailures  int64
}

// NewMeter builds an empty meter anchored at the current time.
func NewMeter() *Meter {
	m := &Meter{
		now:       time.Now,
		byOutcome: make(map[string]int64),
		byStage:   make(map[string]int64),
		byCode:    make(map[string]int64),
		byRoute:   make(map[string]*routeAgg),
	}
	m.startedAt = m.now().UTC()
	return m
}

// Observe records one finished request.
func (m *Meter) Observe(route string, decision contracts.Decision, elapsed time.Duration) {
	ms := float64(elapsed.Microseconds()) / 1000

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	m.byOutcome[string(decision.Outcome)]++
	m.byStage[string(decision.Stage)]++
	m.byCode[decision.Code]++

	agg, ok := m.byRoute[route]
	if !ok {
		agg = &routeAgg{}
		m.byRoute[route] = agg
	}
	agg.count++
	agg.totalMs += ms
	if ms > agg.maxMs {
		agg.maxMs = ms
	}
}

// TaskAccepted counts one accepted peer-agent task.
func (m *Meter) TaskAccepted() {
	m.mu.Lock()
	m.tasksAccepted++
	m.mu.Unlock()
}

// TaskFinished counts one terminal task.
func (m *Meter) TaskFinished(status contracts.TaskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch status {
	case contracts.TaskSucceeded:
		m.tasksSucceeded++
	case contracts.TaskFailed:
		m.tasksFailed++
	}
}

// AuditFailure counts one failed audit write.
func (m *Meter) AuditFailure() {
	m.mu.Lock()
	m.auditFailures++
	m.mu.Unlock()
}

// Snapshot copies the current counters.
func (m *Meter) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		StartedAt:      m.startedAt.Format(time.RFC3339),
		UptimeSeconds:  m.now().UTC().Sub(m.startedAt).Seconds(),
		Requests:       m.requests,
		ByOutcome:      copyCounts(m.byOutcome),
		ByStage:        copyCounts(m.byStage),
		ByCode:         copyCounts(m.byCode),
		ByRoute:        make(map[string]RouteStats, len(m.byRoute)),
		TasksAccepted:  m.tasksAccepted,
		TasksSucceeded: m.tasksSucceeded,
		TasksFailed:    m.tasksFailed,
		AuditFailures:  m.auditFailures,
	}
	for route, agg := range m.byRoute {
		stats := RouteStats{Count: agg.count, TotalMs: agg.totalMs, MaxMs: agg.maxMs}
		if agg.count > 0 {
			stats.AverageMs = agg.totalMs / float64(agg.count)
		}
		snap.ByRoute[route] = stats
	}
	return snap
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
