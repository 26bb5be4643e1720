package project

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps projects in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*Project
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]*Project),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, name string, forest []byte) (string, error) {
	if err := validate(name, forest); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	p := &Project{
		ID:        uuid.New().String(),
		Name:      name,
		Forest:    append([]byte(nil), forest...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.projects[p.ID] = p
	return p.ID, nil
}

func (s *MemoryStore) Read(ctx context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	cp.Forest = append([]byte(nil), p.Forest...)
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, id, name string, forest []byte) error {
	if err := validate(name, forest); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return ErrNotFound
	}
	p.Name = name
	p.Forest = append([]byte(nil), forest...)
	p.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Summary, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, summarize(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[id]; !ok {
		return ErrNotFound
	}
	delete(s.projects, id)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
