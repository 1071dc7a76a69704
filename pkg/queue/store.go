package queue

import (
	"sort"
	"sync"
)

// Store persists jobs so they survive a restart. A job is saved when it is
// enqueued or rescheduled and deleted when it is acknowledged.
type Store interface {
	SaveJob(j Job) error
	DeleteJob(id string) error
	LoadJobs() ([]Job, error)
}

// MemoryStore keeps jobs in memory. Useful for tests and for running
// without durability.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job)}
}

func (s *MemoryStore) SaveJob(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

func (s *MemoryStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) LoadJobs() ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].EnqueuedAt.Before(out[b].EnqueuedAt) })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
