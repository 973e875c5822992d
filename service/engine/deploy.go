package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flowgate/flowgate/internal/clock"
	"github.com/flowgate/flowgate/internal/idgen"
	"github.com/flowgate/flowgate/model"
	"github.com/flowgate/flowgate/runtime/process"
	"github.com/flowgate/flowgate/service/validator"
	"go.uber.org/zap"
)

// Deployer validates and activates process definitions.  It is separate from
// the engine's runtime surface because deployment is an administrative
// operation with its own collaborator, the config validator.
type Deployer struct {
	engine    *Service
	validator *validator.Service
}

// NewDeployer creates a deployer bound to the engine's definition registry.
func NewDeployer(engine *Service, v *validator.Service) *Deployer {
	return &Deployer{engine: engine, validator: v}
}

// Deploy validates the definition's graph and per-node configuration, then
// activates it.  Validation errors surface verbatim and block the status
// transition.
func (d *Deployer) Deploy(ctx context.Context, def *model.ProcessDefinition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", process.ErrConfigurationInvalid)
	}
	if def.Status == "" {
		def.Status = model.DefinitionDraft
	}
	if !def.Status.CanTransition(model.DefinitionActive) {
		return fmt.Errorf("%w: definition %s is %s", process.ErrInvalidStateTransition, def.Name, def.Status)
	}

	if issues := def.Validate(); len(issues) > 0 {
		return fmt.Errorf("%w: %s", process.ErrConfigurationInvalid, joinErrors(issues))
	}
	if err := d.validateConfigs(def); err != nil {
		return err
	}

	now := clock.Now()
	if def.ID == "" {
		def.ID = idgen.New()
	}
	if def.Version == 0 {
		def.Version = 1
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	def.Status = model.DefinitionActive

	if err := d.engine.definitions.Upsert(ctx, def); err != nil {
		return err
	}
	d.engine.logger.Info("definition deployed",
		zap.String("name", def.Name),
		zap.Int("version", def.Version))
	return nil
}

// Archive retires a definition permanently.
func (d *Deployer) Archive(ctx context.Context, name string) error {
	def, err := d.engine.definitions.Load(ctx, name)
	if err != nil {
		return err
	}
	if !def.Status.CanTransition(model.DefinitionArchived) {
		return fmt.Errorf("%w: definition %s is %s", process.ErrInvalidStateTransition, def.Name, def.Status)
	}
	def.Status = model.DefinitionArchived
	def.UpdatedAt = clock.Now()
	return d.engine.definitions.Upsert(ctx, def)
}

// Deactivate takes an active definition out of service without archiving it.
func (d *Deployer) Deactivate(ctx context.Context, name string) error {
	def, err := d.engine.definitions.Load(ctx, name)
	if err != nil {
		return err
	}
	if !def.Status.CanTransition(model.DefinitionInactive) {
		return fmt.Errorf("%w: definition %s is %s", process.ErrInvalidStateTransition, def.Name, def.Status)
	}
	def.Status = model.DefinitionInactive
	def.UpdatedAt = clock.Now()
	return d.engine.definitions.Upsert(ctx, def)
}

// validateConfigs runs the config validator over the definition-level config
// and every node's chain and escalation configuration.
func (d *Deployer) validateConfigs(def *model.ProcessDefinition) error {
	if d.validator == nil {
		return nil
	}

	if len(def.Config) > 0 {
		if err := d.check(def.Config, validator.KindWorkflowConfig, "definition config"); err != nil {
			return err
		}
	}
	for _, node := range def.Graph.Nodes {
		if node.Chain != nil {
			cfg, err := asMap(node.Chain)
			if err != nil {
				return err
			}
			if err := d.check(cfg, validator.KindApprovalChain, fmt.Sprintf("node %s chain", node.ID)); err != nil {
				return err
			}
		}
		if node.Escalation != nil {
			cfg, err := asMap(node.Escalation)
			if err != nil {
				return err
			}
			if err := d.check(cfg, validator.KindEscalation, fmt.Sprintf("node %s escalation", node.ID)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Deployer) check(config map[string]interface{}, kind validator.Kind, subject string) error {
	result := d.validator.Validate(config, kind)
	for _, warning := range result.Warnings {
		d.engine.logger.Warn("configuration warning",
			zap.String("subject", subject),
			zap.String("warning", warning))
	}
	if !result.IsValid {
		return fmt.Errorf("%w: %s: %s", process.ErrConfigurationInvalid, subject, strings.Join(result.Errors, "; "))
	}
	return nil
}

// asMap converts a typed configuration struct into the map form the
// validator consumes.
func asMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func joinErrors(issues []error) string {
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		parts = append(parts, issue.Error())
	}
	return strings.Join(parts, "; ")
}
