package memory

import (
	"context"
	"sync"

	"github.com/flowgate/flowgate/model"
	"github.com/flowgate/flowgate/service/dao"
	"github.com/flowgate/flowgate/service/dao/definition"
)

// Service implements an in-memory, thread-safe registry for process
// definitions keyed by name.  Deployed definitions are treated as immutable
// so reads return the stored pointer.
type Service struct {
	definitions map[string]*model.ProcessDefinition
	mux         sync.RWMutex
}

var _ definition.Service = (*Service)(nil)

func (s *Service) Load(_ context.Context, name string) (*model.ProcessDefinition, error) {
	if name == "" {
		return nil, dao.ErrInvalidID
	}

	s.mux.RLock()
	d, ok := s.definitions[name]
	s.mux.RUnlock()

	if !ok {
		return nil, dao.ErrNotFound
	}
	return d, nil
}

func (s *Service) List(_ context.Context) ([]*model.ProcessDefinition, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	out := make([]*model.ProcessDefinition, 0, len(s.definitions))
	for _, d := range s.definitions {
		out = append(out, d)
	}
	return out, nil
}

func (s *Service) Upsert(_ context.Context, d *model.ProcessDefinition) error {
	if d == nil {
		return dao.ErrNilEntity
	}
	if d.Name == "" {
		return dao.ErrInvalidID
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	s.definitions[d.Name] = d
	return nil
}

func (s *Service) Delete(_ context.Context, name string) error {
	if name == "" {
		return dao.ErrInvalidID
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if _, ok := s.definitions[name]; !ok {
		return dao.ErrNotFound
	}
	delete(s.definitions, name)
	return nil
}

// New creates a new in-memory definition registry.
func New() *Service {
	return &Service{definitions: make(map[string]*model.ProcessDefinition)}
}
