package db

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gyeh/claimflow/internal/model"
	embedsql "github.com/gyeh/claimflow/internal/sql"
)

// TransactionStore persists submission records in claims.transactions.
// Updates are compare-and-swap on attempt_count.
type TransactionStore struct {
	pool *pgxpool.Pool
}

func NewTransactionStore(pool *pgxpool.Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

func (s *TransactionStore) Get(ctx context.Context, correlationID string) (*model.TransactionRecord, error) {
	var (
		rec    model.TransactionRecord
		status string
		code   *int32
	)
	err := s.pool.QueryRow(ctx, embedsql.GetTransaction, correlationID).Scan(
		&rec.CorrelationID, &rec.FacilityID, &rec.ClaimSnapshot, &rec.Digest, &status,
		&rec.AttemptCount, &rec.LastAttemptAt, &code, &rec.ResponsePayload, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	rec.Status = model.UpstreamStatus(status)
	if code != nil {
		rec.ResponseCode = int(*code)
	}
	return &rec, nil
}

// Create inserts a new record. An existing record yields ErrConflict.
func (s *TransactionStore) Create(ctx context.Context, rec *model.TransactionRecord) error {
	_, err := s.pool.Exec(ctx, embedsql.InsertTransaction,
		rec.CorrelationID, rec.FacilityID, rec.ClaimSnapshot, rec.Digest, string(rec.Status),
		rec.AttemptCount, rec.LastAttemptAt, nullableCode(rec.ResponseCode), rec.ResponsePayload,
		rec.CreatedAt, rec.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// Update writes rec only if the stored attempt_count still equals
// expectedAttempts.
func (s *TransactionStore) Update(ctx context.Context, rec *model.TransactionRecord, expectedAttempts int) error {
	tag, err := s.pool.Exec(ctx, embedsql.UpdateTransaction,
		rec.CorrelationID, expectedAttempts, string(rec.Status), rec.AttemptCount, rec.LastAttemptAt,
		nullableCode(rec.ResponseCode), rec.ResponsePayload, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func nullableCode(code int) *int32 {
	if code == 0 {
		return nil
	}
	c := int32(code)
	return &c
}

// MemoryTransactionStore is an in-process TransactionStore with the same
// conditional-write semantics.
type MemoryTransactionStore struct {
	mu      sync.Mutex
	records map[string]model.TransactionRecord
}

func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{records: make(map[string]model.TransactionRecord)}
}

func (s *MemoryTransactionStore) Get(_ context.Context, correlationID string) (*model.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryTransactionStore) Create(_ context.Context, rec *model.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.CorrelationID]; ok {
		return ErrConflict
	}
	s.records[rec.CorrelationID] = *cloneRecord(*rec)
	return nil
}

func (s *MemoryTransactionStore) Update(_ context.Context, rec *model.TransactionRecord, expectedAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.CorrelationID]
	if !ok || cur.AttemptCount != expectedAttempts {
		return ErrConflict
	}
	next := cloneRecord(*rec)
	next.CreatedAt = cur.CreatedAt
	next.ClaimSnapshot = cur.ClaimSnapshot
	next.Digest = cur.Digest
	s.records[rec.CorrelationID] = *next
	return nil
}

func cloneRecord(r model.TransactionRecord) *model.TransactionRecord {
	r.ClaimSnapshot = slices.Clone(r.ClaimSnapshot)
	r.Digest = slices.Clone(r.Digest)
	r.ResponsePayload = slices.Clone(r.ResponsePayload)
	if r.LastAttemptAt != nil {
		t := *r.LastAttemptAt
		r.LastAttemptAt = &t
	}
	return &r
}
