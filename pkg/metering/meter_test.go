package metering

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/privatedb/agent/pkg/contracts"
)

func allow() contracts.Decision {
	return contracts.Decision{
		Outcome: contracts.OutcomeAllow,
		Stage:   contracts.StageExecution,
		Code:    contracts.CodeAllowed,
	}
}

func deny(code string, stage contracts.Stage) contracts.Decision {
	return contracts.Decision{Outcome: contracts.OutcomeDeny, Stage: stage, Code: code}
}

func TestObserveAggregates(t *testing.T) {
	m := NewMeter()
	m.Observe("/v1/query", allow(), 10*time.Millisecond)
	m.Observe("/v1/query", allow(), 30*time.Millisecond)
	m.Observe("/v1/query", deny(contracts.CodeNonceReplay, contracts.StageAuthentication), 5*time.Millisecond)

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.Requests)
	assert.Equal(t, int64(2), snap.ByOutcome["allow"])
	assert.Equal(t, int64(1), snap.ByOutcome["deny"])
	assert.Equal(t, int64(1), snap.ByStage["authentication"])
	assert.Equal(t, int64(1), snap.ByCode[contracts.CodeNonceReplay])

	route := snap.ByRoute["/v1/query"]
	assert.Equal(t, int64(3), route.Count)
	assert.InDelta(t, 30.0, route.MaxMs, 0.01)
	assert.InDelta(t, 15.0, route.AverageMs, 0.01)
}

func TestTaskAndAuditCounters(t *testing.T) {
	m := NewMeter()
	m.TaskAccepted()
	m.TaskAccepted()
	m.TaskFinished(contracts.TaskSucceeded)
	m.TaskFinished(contracts.TaskFailed)
	m.AuditFailure()

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.TasksAccepted)
	assert.Equal(t, int64(1), snap.TasksSucceeded)
	assert.Equal(t, int64(1), snap.TasksFailed)
	assert.Equal(t, int64(1), snap.AuditFailures)
}

func TestSnapshotIsACopy(t *testing.T) {
	m := NewMeter()
	m.Observe("/v1/query", allow(), time.Millisecond)
	snap := m.Snapshot()
	snap.ByOutcome["allow"] = 99

	assert.Equal(t, int64(1), m.Snapshot().ByOutcome["allow"])
}

func TestConcurrentObserve(t *testing.T) {
	m := NewMeter()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				m.Observe("/v1/query", allow(), time.Millisecond)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1000), m.Snapshot().Requests)
}
