// Package policy provides a simple, optional per-node decision layer that can
// be attached to a process run via context.  It is deliberately decoupled from
// the rest of the engine so that using it is entirely opt-in – engines that do
// not embed the Policy in their context keep the original "manual" behaviour.

package policy

import (
	"context"
	"strings"
)

// Decision modes recognised by the step engine.
const (
	ModeManual = "manual" // route every approval node to its approvers (default)
	ModeAuto   = "auto"   // consult the Decide hook before dispatching requests
	ModeDeny   = "deny"   // auto-reject every approval node
)

// DecideFunc is invoked when Mode==auto.  Returning true approves the node
// without involving approvers, false falls back to manual routing.
// Implementations MAY mutate the policy (for example, switching to ModeManual
// after the first decision).
type DecideFunc func(
	ctx context.Context,
	nodeID string,
	input map[string]interface{}, // expanded step input – may be nil
	p *Policy,
) bool

// Policy represents auto-decision settings for the current process run.
//
//   - Mode controls the high-level behaviour (manual / auto / deny).
//   - AllowList, BlockList allow coarse filtering by node ID regardless of Mode.
//   - Decide is only used when Mode==auto.
//
// A nil *Policy means "route everything to approvers" and is therefore the
// zero-cost default.
type Policy struct {
	Mode      string     // manual / auto / deny   (default = manual)
	AllowList []string   // whitelist (empty => all)
	BlockList []string   // blacklist
	Decide    DecideFunc // used only when Mode==auto
}

// ---------------------------------------------------------------------------
// Config <-> Policy converters (Config is a serialisable subset used when a
// Policy with DecideFunc cannot be persisted).
// ---------------------------------------------------------------------------

// Config represents the declarative, serialisable part of a Policy.
type Config struct {
	Mode      string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	AllowList []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	BlockList []string `json:"block,omitempty" yaml:"block,omitempty"`
}

// ToConfig converts a runtime Policy into a persistable Config.
func ToConfig(p *Policy) *Config {
	if p == nil {
		return nil
	}
	return &Config{
		Mode:      p.Mode,
		AllowList: append([]string(nil), p.AllowList...),
		BlockList: append([]string(nil), p.BlockList...),
	}
}

// FromConfig converts a stored Config back to a runtime Policy (without
// DecideFunc).
func FromConfig(c *Config) *Policy {
	if c == nil {
		return nil
	}
	return &Policy{
		Mode:      c.Mode,
		AllowList: append([]string(nil), c.AllowList...),
		BlockList: append([]string(nil), c.BlockList...),
	}
}

// IsAllowed evaluates AllowList / BlockList.  Both lists match by exact
// case-insensitive comparison of the node ID.
func (p *Policy) IsAllowed(nodeID string) bool {
	if p == nil {
		return true
	}

	normalized := strings.ToLower(nodeID)

	// BlockList has priority.
	for _, b := range p.BlockList {
		if normalized == strings.ToLower(b) {
			return false
		}
	}

	// AllowList – if empty everything is allowed, otherwise only the listed
	// entries.
	if len(p.AllowList) == 0 {
		return true
	}

	for _, a := range p.AllowList {
		if normalized == strings.ToLower(a) {
			return true
		}
	}

	return false
}

// ---------------------------------------------------------------------------
// Context helpers
// ---------------------------------------------------------------------------

type ctxKeyT struct{}

var ctxKey ctxKeyT

// WithPolicy embeds policy in ctx.
func WithPolicy(ctx context.Context, p *Policy) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey, p)
}

// FromContext extracts the policy from ctx, nil when absent.
func FromContext(ctx context.Context) *Policy {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(ctxKey).(*Policy); ok {
		return v
	}
	return nil
}
