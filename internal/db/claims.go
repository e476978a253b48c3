package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gyeh/claimflow/internal/model"
	embedsql "github.com/gyeh/claimflow/internal/sql"
)

// ClaimStore checkpoints orchestration state in claims.claim_states and
// appends transitions to claims.claim_transitions.
type ClaimStore struct {
	pool *pgxpool.Pool
}

func NewClaimStore(pool *pgxpool.Pool) *ClaimStore {
	return &ClaimStore{pool: pool}
}

// Save upserts the state. Transitions are stored separately and are not
// rewritten here.
func (s *ClaimStore) Save(ctx context.Context, st *model.ClaimState) error {
	snapshot := *st
	snapshot.Transitions = nil
	doc, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode claim state: %w", err)
	}
	_, err = s.pool.Exec(ctx, embedsql.UpsertClaimState,
		st.CorrelationID, st.FacilityID, string(st.Status), nullIfEmpty(string(st.FailedStage)),
		nullIfEmpty(st.Reason), st.Resumable, doc, st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save claim state: %w", err)
	}
	return nil
}

func (s *ClaimStore) AppendTransition(ctx context.Context, t model.StageTransition) error {
	_, err := s.pool.Exec(ctx, embedsql.InsertTransition,
		t.CorrelationID, string(t.Stage), t.Outcome, t.Reason, t.At)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// Get loads the state with its full transition history.
func (s *ClaimStore) Get(ctx context.Context, correlationID string) (*model.ClaimState, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, embedsql.GetClaimState, correlationID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get claim state: %w", err)
	}
	var st model.ClaimState
	if err := json.Unmarshal(doc, &st); err != nil {
		return nil, fmt.Errorf("decode claim state: %w", err)
	}

	rows, err := s.pool.Query(ctx, embedsql.ListTransitions, correlationID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	transitions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.StageTransition, error) {
		var (
			t     model.StageTransition
			stage string
		)
		err := row.Scan(&t.CorrelationID, &stage, &t.Outcome, &t.Reason, &t.At)
		t.Stage = model.Stage(stage)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan transitions: %w", err)
	}
	st.Transitions = transitions
	return &st, nil
}

// ListResumable returns up to limit correlation ids of claims parked at a
// resumable failure, oldest first.
func (s *ClaimStore) ListResumable(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, embedsql.ListResumable, limit)
	if err != nil {
		return nil, fmt.Errorf("list resumable: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan resumable: %w", err)
	}
	return ids, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// MemoryClaimStore keeps claim states in process. States are stored as JSON
// so callers never share mutable intermediates with the store.
type MemoryClaimStore struct {
	mu          sync.Mutex
	states      map[string][]byte
	transitions map[string][]model.StageTransition
}

func NewMemoryClaimStore() *MemoryClaimStore {
	return &MemoryClaimStore{
		states:      make(map[string][]byte),
		transitions: make(map[string][]model.StageTransition),
	}
}

func (s *MemoryClaimStore) Save(_ context.Context, st *model.ClaimState) error {
	snapshot := *st
	snapshot.Transitions = nil
	doc, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode claim state: %w", err)
	}
	s.mu.Lock()
	s.states[st.CorrelationID] = doc
	s.mu.Unlock()
	return nil
}

func (s *MemoryClaimStore) AppendTransition(_ context.Context, t model.StageTransition) error {
	s.mu.Lock()
	s.transitions[t.CorrelationID] = append(s.transitions[t.CorrelationID], t)
	s.mu.Unlock()
	return nil
}

func (s *MemoryClaimStore) Get(_ context.Context, correlationID string) (*model.ClaimState, error) {
	s.mu.Lock()
	doc, ok := s.states[correlationID]
	transitions := append([]model.StageTransition(nil), s.transitions[correlationID]...)
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	var st model.ClaimState
	if err := json.Unmarshal(doc, &st); err != nil {
		return nil, fmt.Errorf("decode claim state: %w", err)
	}
	st.Transitions = transitions
	return &st, nil
}

func (s *MemoryClaimStore) ListResumable(_ context.Context, limit int) ([]string, error) {
	type entry struct {
		id string
		st model.ClaimState
	}
	s.mu.Lock()
	var resumable []entry
	for id, doc := range s.states {
		var st model.ClaimState
		if err := json.Unmarshal(doc, &st); err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("decode claim state: %w", err)
		}
		if st.Resumable {
			resumable = append(resumable, entry{id: id, st: st})
		}
	}
	s.mu.Unlock()

	sort.Slice(resumable, func(i, j int) bool {
		if !resumable[i].st.UpdatedAt.Equal(resumable[j].st.UpdatedAt) {
			return resumable[i].st.UpdatedAt.Before(resumable[j].st.UpdatedAt)
		}
		return resumable[i].id < resumable[j].id
	})
	ids := make([]string, 0, len(resumable))
	for i, e := range resumable {
		if limit > 0 && i >= limit {
			break
		}
		ids = append(ids, e.id)
	}
	return ids, nil
}
