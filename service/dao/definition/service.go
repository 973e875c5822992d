// Package definition provides storage services for process definitions.  A
// definition is addressed by name; deployed definitions are treated as
// immutable so implementations may hand out shared pointers.
package definition

import (
	"context"
	"fmt"

	"github.com/flowgate/flowgate/model"
	"gopkg.in/yaml.v3"
)

// Service abstracts process definition storage.
type Service interface {
	// Load returns the definition registered under the supplied name.
	Load(ctx context.Context, name string) (*model.ProcessDefinition, error)

	// List returns all known definitions.
	List(ctx context.Context) ([]*model.ProcessDefinition, error)

	// Upsert registers or replaces a definition under its name.
	Upsert(ctx context.Context, definition *model.ProcessDefinition) error

	// Delete removes a definition by name.
	Delete(ctx context.Context, name string) error
}

// Refresher is implemented by services that cache definitions loaded from an
// external source and can discard the cache so that subsequent loads pick up
// edits (hot swap).
type Refresher interface {
	Refresh(ctx context.Context) error
}

// DecodeYAML decodes a process definition from YAML and validates it.
func DecodeYAML(encoded []byte) (*model.ProcessDefinition, error) {
	definition := &model.ProcessDefinition{}
	if err := yaml.Unmarshal(encoded, definition); err != nil {
		return nil, fmt.Errorf("failed to decode definition: %w", err)
	}
	if definition.Status == "" {
		definition.Status = model.DefinitionDraft
	}
	if definition.Version == 0 {
		definition.Version = 1
	}
	if issues := definition.Validate(); len(issues) > 0 {
		return nil, issues[0]
	}
	return definition, nil
}
