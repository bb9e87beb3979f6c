package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/ctxfed/csr"
	"github.com/c360/ctxfed/errors"
)

// MemoryStore keeps registrations in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	regs    map[string]*csr.Registration
	matcher *csr.Matcher
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(matcher *csr.Matcher) *MemoryStore {
	if matcher == nil {
		matcher = csr.NewMatcher(256)
	}
	return &MemoryStore{
		regs:    make(map[string]*csr.Registration),
		matcher: matcher,
		now:     time.Now,
	}
}

// Create validates and stores reg, returning the stored copy.
func (s *MemoryStore) Create(_ context.Context, reg *csr.Registration) (*csr.Registration, error) {
	if reg == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidRegistration, "MemoryStore", "Create", "nil registration")
	}
	stored, err := prepare(reg, s.now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.regs[stored.ID]; exists {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrAlreadyExists, stored.ID),
			"MemoryStore", "Create", "store registration")
	}
	s.regs[stored.ID] = stored
	return stored.Clone(), nil
}

// Get returns a copy of the registration with id.
func (s *MemoryStore) Get(_ context.Context, id string) (*csr.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.regs[id]
	if !ok {
		return nil, notFound("MemoryStore", "Get", id)
	}
	return reg.Clone(), nil
}

// Delete removes the registration with id.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regs[id]; !ok {
		return notFound("MemoryStore", "Delete", id)
	}
	delete(s.regs, id)
	return nil
}

// List returns copies of the registrations applicable to f, ordered by id.
func (s *MemoryStore) List(_ context.Context, f csr.Filters) ([]*csr.Registration, error) {
	s.mu.RLock()
	all := make([]*csr.Registration, 0, len(s.regs))
	for _, reg := range s.regs {
		all = append(all, reg.Clone())
	}
	s.mu.RUnlock()
	return selectMatching(s.matcher, all, f), nil
}

// Count returns the number of registrations applicable to f.
func (s *MemoryStore) Count(ctx context.Context, f csr.Filters) (int, error) {
	regs, err := s.List(ctx, f)
	return len(regs), err
}

// UpdateStatus records one call outcome.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[id]
	if !ok {
		return notFound("MemoryStore", "UpdateStatus", id)
	}
	reg.RecordStatus(success, at.UTC())
	return nil
}

func notFound(component, method, id string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrNotFound, id), component, method, "lookup registration")
}
