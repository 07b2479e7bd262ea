package tasks

import (
	"container/list"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/database"
)

// IdempotencyOutcome classifies one Reserve call.
type IdempotencyOutcome int

const (
	// IdemNew means the key was unseen and is now pinned to this body hash.
	IdemNew IdempotencyOutcome = iota
	// IdemReplay means the key was seen before with the same body hash.
	IdemReplay
	// IdemConflict means the key was seen before with a different body hash.
	IdemConflict
)

// Idempotency pins (agentId, key) pairs to the first request body observed
// and the terminal envelope of the task it produced. Entries age out after
// ttl and are evicted least-recently-touched first once maxSize is exceeded.
type Idempotency struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	db      *sql.DB
	dialect string
	now     func() time.Time
}

type idemEntry struct {
	key    string
	record contracts.IdempotencyRecord
}

// NewIdempotency builds the store over the adapter.
func NewIdempotency(adapter database.Adapter, ttl time.Duration, maxSize int) *Idempotency {
	return &Idempotency{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		db:      adapter.DB(),
		dialect: adapter.Dialect(),
		now:     time.Now,
	}
}

func idemKey(agentID, key string) string { return agentID + "\x00" + key }

// Reserve claims (agentID, key) for bodyHash. On replay the pinned record is
// returned so the caller can serve the original task id or terminal envelope.
// The cache is an accelerator only: a miss falls back to the persisted row,
// so evicted keys and process restarts keep their replay semantics.
func (s *Idempotency) Reserve(ctx context.Context, agentID, key, bodyHash, taskID string) (IdempotencyOutcome, contracts.IdempotencyRecord, error) {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, expired := range s.expireLocked(now) {
		s.deleteRow(ctx, expired.AgentID, expired.Key)
	}

	if elem, ok := s.entries[idemKey(agentID, key)]; ok {
		entry := elem.Value.(*idemEntry)
		entry.record.LastTouched = now
		s.order.MoveToBack(elem)
		if entry.record.BodyHash != bodyHash {
			return IdemConflict, entry.record, nil
		}
		return IdemReplay, entry.record, nil
	}

	if record, ok, err := s.lookupRow(ctx, agentID, key); err != nil {
		return IdemNew, contracts.IdempotencyRecord{}, err
	} else if ok {
		if s.ttl > 0 && now.Sub(record.CreatedAt) > s.ttl {
			s.deleteRow(ctx, agentID, key)
		} else {
			record.LastTouched = now
			s.insertLocked(record)
			if record.BodyHash != bodyHash {
				return IdemConflict, record, nil
			}
			return IdemReplay, record, nil
		}
	}

	record := contracts.IdempotencyRecord{
		AgentID:     agentID,
		Key:         key,
		BodyHash:    bodyHash,
		TaskID:      taskID,
		CreatedAt:   now,
		LastTouched: now,
	}
	s.insertLocked(record)

	query := database.Rebind(s.dialect, `
		INSERT INTO idempotency_records (agent_id, idem_key, body_hash, task_id, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, agentID, key, bodyHash, taskID,
		now.Format(time.RFC3339)); err != nil {
		return IdemNew, record, fmt.Errorf("tasks: persist idempotency record: %w", err)
	}
	return IdemNew, record, nil
}

func (s *Idempotency) insertLocked(record contracts.IdempotencyRecord) {
	elem := s.order.PushBack(&idemEntry{key: idemKey(record.AgentID, record.Key), record: record})
	s.entries[idemKey(record.AgentID, record.Key)] = elem
	for s.maxSize > 0 && s.order.Len() > s.maxSize {
		s.evictOldestLocked()
	}
}

// lookupRow reads the persisted record for a cache miss.
func (s *Idempotency) lookupRow(ctx context.Context, agentID, key string) (contracts.IdempotencyRecord, bool, error) {
	query := database.Rebind(s.dialect, `
		SELECT body_hash, task_id, terminal, created_at
		FROM idempotency_records WHERE agent_id = ? AND idem_key = ?`)
	var (
		record    = contracts.IdempotencyRecord{AgentID: agentID, Key: key}
		terminal  sql.NullString
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, query, agentID, key).
		Scan(&record.BodyHash, &record.TaskID, &terminal, &createdAt)
	switch {
	case err == sql.ErrNoRows:
		return contracts.IdempotencyRecord{}, false, nil
	case err != nil:
		return contracts.IdempotencyRecord{}, false, fmt.Errorf("tasks: load idempotency record: %w", err)
	}
	if terminal.Valid && terminal.String != "" {
		record.Terminal = json.RawMessage(terminal.String)
	}
	if at, err := time.Parse(time.RFC3339, createdAt); err == nil {
		record.CreatedAt = at
	}
	return record, true, nil
}

// deleteRow removes an expired record; best effort, the TTL check on the
// fallback read catches rows that outlive a failed delete.
func (s *Idempotency) deleteRow(ctx context.Context, agentID, key string) {
	query := database.Rebind(s.dialect, `
		DELETE FROM idempotency_records WHERE agent_id = ? AND idem_key = ?`)
	_, _ = s.db.ExecContext(ctx, query, agentID, key)
}

// SetTerminal stores the terminal response envelope served to later replays.
func (s *Idempotency) SetTerminal(ctx context.Context, agentID, key string, terminal json.RawMessage) error {
	s.mu.Lock()
	if elem, ok := s.entries[idemKey(agentID, key)]; ok {
		elem.Value.(*idemEntry).record.Terminal = terminal
	}
	s.mu.Unlock()

	query := database.Rebind(s.dialect, `
		UPDATE idempotency_records SET terminal = ? WHERE agent_id = ? AND idem_key = ?`)
	if _, err := s.db.ExecContext(ctx, query, string(terminal), agentID, key); err != nil {
		return fmt.Errorf("tasks: persist terminal envelope: %w", err)
	}
	return nil
}

// expireLocked drops aged entries and returns their records so the caller
// can remove the backing rows as well.
func (s *Idempotency) expireLocked(now time.Time) []contracts.IdempotencyRecord {
	if s.ttl <= 0 {
		return nil
	}
	var expired []contracts.IdempotencyRecord
	for {
		front := s.order.Front()
		if front == nil {
			return expired
		}
		entry := front.Value.(*idemEntry)
		if now.Sub(entry.record.LastTouched) <= s.ttl {
			return expired
		}
		s.order.Remove(front)
		delete(s.entries, entry.key)
		expired = append(expired, entry.record)
	}
}

func (s *Idempotency) evictOldestLocked() {
	front := s.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(*idemEntry)
	s.order.Remove(front)
	delete(s.entries, entry.key)
}
