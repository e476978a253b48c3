package db

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gyeh/claimflow/internal/model"
	"github.com/gyeh/claimflow/internal/normalize"
	embedsql "github.com/gyeh/claimflow/internal/sql"
)

// MappingStore reads authoritative code mappings from claims.code_mappings.
type MappingStore struct {
	pool *pgxpool.Pool
}

func NewMappingStore(pool *pgxpool.Pool) *MappingStore {
	return &MappingStore{pool: pool}
}

// LookupMapping returns the mapping currently in effect for the code.
func (s *MappingStore) LookupMapping(ctx context.Context, facilityID, facilityCode string) (*model.Mapping, bool, error) {
	var m model.Mapping
	err := s.pool.QueryRow(ctx, embedsql.LookupMapping, facilityID, normalize.Code(facilityCode)).
		Scan(&m.FacilityID, &m.FacilityCode, &m.CodeSystem, &m.OfficialCode, &m.OfficialDescription)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup mapping: %w", err)
	}
	return &m, true, nil
}

// MemoryMappingStore is an in-process mapping table for tests and dry runs.
type MemoryMappingStore struct {
	mu       sync.RWMutex
	mappings map[string]model.Mapping
}

func NewMemoryMappingStore(mappings ...model.Mapping) *MemoryMappingStore {
	s := &MemoryMappingStore{mappings: make(map[string]model.Mapping, len(mappings))}
	for _, m := range mappings {
		s.Put(m)
	}
	return s
}

// Put inserts or replaces a mapping.
func (s *MemoryMappingStore) Put(m model.Mapping) {
	m.FacilityCode = normalize.Code(m.FacilityCode)
	m.OfficialCode = normalize.Code(m.OfficialCode)
	s.mu.Lock()
	s.mappings[mappingKey(m.FacilityID, m.FacilityCode)] = m
	s.mu.Unlock()
}

func (s *MemoryMappingStore) LookupMapping(_ context.Context, facilityID, facilityCode string) (*model.Mapping, bool, error) {
	s.mu.RLock()
	m, ok := s.mappings[mappingKey(facilityID, normalize.Code(facilityCode))]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return &m, true, nil
}

func mappingKey(facilityID, code string) string {
	return facilityID + "\x00" + code
}
