package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/flowgate/flowgate/service/dao"
	"github.com/flowgate/flowgate/service/directory"
)

// Service implements an in-memory directory.  It is primarily intended for
// tests and single-process deployments; production setups plug in their own
// directory.Service implementation.
type Service struct {
	identities map[string]*directory.Identity
	mux        sync.RWMutex
}

var _ directory.Service = (*Service)(nil)

// Register adds or replaces identities in the directory.
func (s *Service) Register(identities ...*directory.Identity) {
	s.mux.Lock()
	defer s.mux.Unlock()
	for _, identity := range identities {
		if identity == nil || identity.ID == "" {
			continue
		}
		s.identities[identity.ID] = identity
	}
}

func (s *Service) ResolveIdentity(_ context.Context, id string) (*directory.Identity, error) {
	if id == "" {
		return nil, dao.ErrInvalidID
	}

	s.mux.RLock()
	identity, ok := s.identities[id]
	s.mux.RUnlock()

	if !ok {
		return nil, dao.ErrNotFound
	}
	return identity, nil
}

func (s *Service) ResolveRole(_ context.Context, role string) ([]*directory.Identity, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	var members []*directory.Identity
	for _, identity := range s.identities {
		if identity.Active && identity.HasRole(role) {
			members = append(members, identity)
		}
	}
	// Map iteration order is random; keep resolution deterministic.
	sort.Slice(members, func(i, j int) bool {
		return members[i].ID < members[j].ID
	})
	return members, nil
}

func (s *Service) ManagerOf(ctx context.Context, id string) (*directory.Identity, error) {
	identity, err := s.ResolveIdentity(ctx, id)
	if err != nil {
		return nil, err
	}
	if identity.ManagerID == "" {
		return nil, dao.ErrNotFound
	}
	return s.ResolveIdentity(ctx, identity.ManagerID)
}

// New creates a new in-memory directory populated with the supplied
// identities.
func New(identities ...*directory.Identity) *Service {
	ret := &Service{identities: make(map[string]*directory.Identity)}
	ret.Register(identities...)
	return ret
}
