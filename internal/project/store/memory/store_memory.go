package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"midas/internal/project/models"
	"midas/internal/project/provenance"
	"midas/internal/project/store"
	"midas/pkg/platform/sentinel"
)

// InMemory keeps records, counters and provenance logs in process memory
// behind a single lock. Nothing survives a restart.
type InMemory struct {
	mu      sync.RWMutex
	records map[string]map[string]*models.ProjectRecord
	seqs    map[string]int
	actions map[string]map[string][]provenance.Entry
}

// NewInMemory constructs an empty in-memory record store.
func NewInMemory() *InMemory {
	return &InMemory{
		records: make(map[string]map[string]*models.ProjectRecord),
		seqs:    make(map[string]int),
		actions: make(map[string]map[string][]provenance.Entry),
	}
}

func (s *InMemory) collection(coll string) map[string]*models.ProjectRecord {
	recs, ok := s.records[coll]
	if !ok {
		recs = make(map[string]*models.ProjectRecord)
		s.records[coll] = recs
	}
	return recs
}

func (s *InMemory) values(coll string) []*models.ProjectRecord {
	recs := s.records[coll]
	out := make([]*models.ProjectRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, r)
	}
	return out
}

func (s *InMemory) CreateRecord(_ context.Context, coll, id, name, owner string, defaults models.ACLs, now time.Time) (*models.ProjectRecord, error) {
	rec, err := store.NewRecord(id, name, owner, defaults, now)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.collection(coll)
	if _, exists := recs[id]; exists {
		return nil, fmt.Errorf("record %s: %w", id, sentinel.ErrConflict)
	}
	if err := store.CheckActiveName(s.values(coll), rec); err != nil {
		return nil, err
	}
	recs[id] = rec
	return rec.Clone(), nil
}

func (s *InMemory) GetRecordFor(_ context.Context, coll, idOrName, owner string) (*models.ProjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.records[coll][idOrName]; ok {
		return rec.Clone(), nil
	}
	if owner != "" {
		for _, rec := range s.records[coll] {
			if !rec.Deactivated && rec.Owner == owner && rec.Name == idOrName {
				return rec.Clone(), nil
			}
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) NameExists(_ context.Context, coll, name, owner string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return store.NameTaken(s.values(coll), "", name, owner), nil
}

func (s *InMemory) Save(_ context.Context, coll string, rec *models.ProjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.records[coll]
	if _, ok := recs[rec.ID]; !ok {
		return fmt.Errorf("record %s: %w", rec.ID, sentinel.ErrNotFound)
	}
	if err := store.CheckActiveName(s.values(coll), rec); err != nil {
		return err
	}
	recs[rec.ID] = rec.Clone()
	return nil
}

func (s *InMemory) Delete(_ context.Context, coll, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[coll][id]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.records[coll], id)
	return nil
}

func (s *InMemory) NextSequenceFor(_ context.Context, shoulder string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seqs[shoulder]++
	return s.seqs[shoulder], nil
}

func (s *InMemory) SelectRecords(_ context.Context, coll string, f store.Filter) ([]*models.ProjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ProjectRecord
	for _, rec := range s.records[coll] {
		if f.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	store.SortByID(out)
	return out, nil
}

func (s *InMemory) AppendAction(_ context.Context, coll string, e provenance.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logs, ok := s.actions[coll]
	if !ok {
		logs = make(map[string][]provenance.Entry)
		s.actions[coll] = logs
	}
	id := e.RecordID()
	logs[id] = append(logs[id], e.Clone())
	return nil
}

func (s *InMemory) ActionsFor(_ context.Context, coll, id string) ([]provenance.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := s.actions[coll][id]
	out := make([]provenance.Entry, len(logs))
	for i, e := range logs {
		out[i] = e.Clone()
	}
	return out, nil
}

func (s *InMemory) Ping(context.Context) error {
	return nil
}
