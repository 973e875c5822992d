// Package resolver turns approver declarations into concrete candidate
// identities at dispatch time.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/flowgate/flowgate/model"
	"github.com/flowgate/flowgate/model/expr"
	"github.com/flowgate/flowgate/service/dao"
	"github.com/flowgate/flowgate/service/directory"
)

// ErrUnresolvable indicates that a required approver declaration produced no
// identity.
var ErrUnresolvable = errors.New("unresolvable approver")

// Candidate is one resolved approver slot.
type Candidate struct {
	Identity        *directory.Identity
	Order           int
	Required        bool
	DelegateAllowed bool
}

// Service resolves approver declarations against a directory.
type Service struct {
	directory directory.Service
}

// Resolve expands a single declaration into zero or more candidates.  A
// required declaration that yields nothing fails with ErrUnresolvable; a
// non-required one is silently dropped.
func (s *Service) Resolve(ctx context.Context, decl *model.ApproverDecl, scope map[string]interface{}) ([]*Candidate, error) {
	if decl == nil {
		return nil, nil
	}

	var identities []*directory.Identity
	switch decl.Type {
	case model.ApproverUser:
		identity, err := s.directory.ResolveIdentity(ctx, decl.Value)
		if err != nil {
			if !errors.Is(err, dao.ErrNotFound) {
				return nil, err
			}
			// The declaration names a literal identity; accept it even when
			// the directory has no record.
			identity = &directory.Identity{ID: decl.Value, Active: true}
		}
		identities = append(identities, identity)

	case model.ApproverRole:
		members, err := s.directory.ResolveRole(ctx, decl.Value)
		if err != nil {
			return nil, err
		}
		identities = members

	case model.ApproverDynamic:
		id, err := s.evalDynamic(decl.Value, scope)
		if err != nil {
			return nil, err
		}
		if id != "" {
			identity, err := s.directory.ResolveIdentity(ctx, id)
			if err != nil {
				if !errors.Is(err, dao.ErrNotFound) {
					return nil, err
				}
				identity = &directory.Identity{ID: id, Active: true}
			}
			identities = append(identities, identity)
		}

	default:
		return nil, fmt.Errorf("unknown approver type: %s", decl.Type)
	}

	candidates := make([]*Candidate, 0, len(identities))
	for _, identity := range identities {
		if identity == nil || !identity.Active {
			continue
		}
		candidates = append(candidates, &Candidate{
			Identity:        identity,
			Order:           decl.Order,
			Required:        decl.Required,
			DelegateAllowed: decl.DelegateAllowed,
		})
	}

	if len(candidates) == 0 {
		if decl.Required {
			return nil, fmt.Errorf("%w: %s %q", ErrUnresolvable, decl.Type, decl.Value)
		}
		return nil, nil
	}
	return candidates, nil
}

// ResolveAll expands every declaration, deduplicates by identity ID keeping
// the first occurrence, and returns candidates sorted by order with the
// declaration sequence preserved within each order group.
func (s *Service) ResolveAll(ctx context.Context, decls []*model.ApproverDecl, scope map[string]interface{}) ([]*Candidate, error) {
	var all []*Candidate
	seen := map[string]bool{}
	for _, decl := range decls {
		candidates, err := s.Resolve(ctx, decl, scope)
		if err != nil {
			return nil, err
		}
		for _, candidate := range candidates {
			if seen[candidate.Identity.ID] {
				continue
			}
			seen[candidate.Identity.ID] = true
			all = append(all, candidate)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Order < all[j].Order
	})
	return all, nil
}

// evalDynamic evaluates a path expression over the instance scope and
// coerces the result to an identity ID.  A missing value yields an empty
// string, not an error.
func (s *Service) evalDynamic(expression string, scope map[string]interface{}) (string, error) {
	path, err := expr.ParsePath(expression)
	if err != nil {
		return "", fmt.Errorf("invalid approver expression %q: %w", expression, err)
	}
	value, err := path.Eval(scope)
	if err != nil {
		return "", err
	}
	switch typed := value.(type) {
	case nil:
		return "", nil
	case string:
		return typed, nil
	default:
		return fmt.Sprintf("%v", typed), nil
	}
}

// New creates an approver resolver backed by the supplied directory.
func New(dir directory.Service) *Service {
	return &Service{directory: dir}
}
