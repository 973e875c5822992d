package model

import "fmt"

// NodeType classifies a graph node.
type NodeType string

const (
	NodeApproval NodeType = "approval"
	NodeTask     NodeType = "task"
	NodeGateway  NodeType = "gateway"
)

type (
	// Graph is the node/edge structure a definition executes.
	Graph struct {
		Nodes []*Node `json:"nodes" yaml:"nodes"`
		Edges []*Edge `json:"edges,omitempty" yaml:"edges,omitempty"`
	}

	// Node is one unit of work within a definition graph.  Approval nodes
	// carry a chain configuration and optionally an escalation policy.
	Node struct {
		ID         string                 `json:"id" yaml:"id"`
		Name       string                 `json:"name,omitempty" yaml:"name,omitempty"`
		Type       NodeType               `json:"type" yaml:"type"`
		Chain      *ChainConfig           `json:"chain,omitempty" yaml:"chain,omitempty"`
		Escalation *EscalationConfig      `json:"escalation,omitempty" yaml:"escalation,omitempty"`
		Config     map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	}

	// Edge connects two nodes.  When is an optional condition over instance
	// context variables; an empty condition always passes.
	Edge struct {
		From string `json:"from" yaml:"from"`
		To   string `json:"to" yaml:"to"`
		When string `json:"when,omitempty" yaml:"when,omitempty"`
	}
)

// Node returns the node with the given ID or nil.
func (g *Graph) Node(id string) *Node {
	for _, node := range g.Nodes {
		if node.ID == id {
			return node
		}
	}
	return nil
}

// EntryNodes returns the nodes with no incoming edges, preserving declaration
// order.  A process starts with one step per entry node.
func (g *Graph) EntryNodes() []*Node {
	incoming := make(map[string]bool, len(g.Edges))
	for _, edge := range g.Edges {
		incoming[edge.To] = true
	}
	var entries []*Node
	for _, node := range g.Nodes {
		if !incoming[node.ID] {
			entries = append(entries, node)
		}
	}
	return entries
}

// Outgoing returns all edges leaving the given node, preserving declaration
// order.
func (g *Graph) Outgoing(nodeID string) []*Edge {
	var out []*Edge
	for _, edge := range g.Edges {
		if edge.From == nodeID {
			out = append(out, edge)
		}
	}
	return out
}

// Validate performs a best-effort structural validation of the graph.  The
// returned slice is empty when the graph is sound; otherwise it contains
// human-readable error descriptions.  No expressions are evaluated; only
// static properties are verified.
func (g *Graph) Validate() []error {
	var issues []error

	if g == nil || len(g.Nodes) == 0 {
		return append(issues, fmt.Errorf("graph has no nodes"))
	}

	seen := map[string]bool{}
	for _, node := range g.Nodes {
		if node.ID == "" {
			issues = append(issues, fmt.Errorf("node with empty id"))
			continue
		}
		if seen[node.ID] {
			issues = append(issues, fmt.Errorf("duplicate node id %s", node.ID))
		}
		seen[node.ID] = true

		if node.Type == NodeApproval {
			issues = append(issues, validateChain(node)...)
		}
		if node.Escalation != nil && node.Escalation.Enabled {
			issues = append(issues, validateEscalation(node)...)
		}
	}

	for _, edge := range g.Edges {
		if !seen[edge.From] {
			issues = append(issues, fmt.Errorf("edge references unknown node %s", edge.From))
		}
		if !seen[edge.To] {
			issues = append(issues, fmt.Errorf("edge references unknown node %s", edge.To))
		}
		if edge.From == edge.To {
			issues = append(issues, fmt.Errorf("edge from node %s to itself", edge.From))
		}
	}

	if len(g.EntryNodes()) == 0 {
		issues = append(issues, fmt.Errorf("graph has no entry node"))
	}
	return issues
}

func validateChain(node *Node) []error {
	var issues []error
	chain := node.Chain
	if chain == nil {
		return append(issues, fmt.Errorf("approval node %s has no chain", node.ID))
	}
	if !chain.Type.IsValid() {
		issues = append(issues, fmt.Errorf("approval node %s has unknown chain type %q", node.ID, chain.Type))
	}
	if len(chain.Approvers) == 0 {
		issues = append(issues, fmt.Errorf("approval node %s has no approvers", node.ID))
	}
	for i, decl := range chain.Approvers {
		switch decl.Type {
		case ApproverUser, ApproverRole, ApproverDynamic:
		default:
			issues = append(issues, fmt.Errorf("approval node %s approver[%d] has unknown type %q", node.ID, i, decl.Type))
		}
		if decl.Value == "" {
			issues = append(issues, fmt.Errorf("approval node %s approver[%d] has empty value", node.ID, i))
		}
	}
	if chain.ApprovalThreshold > len(chain.Approvers) {
		issues = append(issues, fmt.Errorf("approval node %s threshold %d exceeds approver count %d",
			node.ID, chain.ApprovalThreshold, len(chain.Approvers)))
	}
	return issues
}

func validateEscalation(node *Node) []error {
	var issues []error
	cfg := node.Escalation
	if cfg.MaxLevels <= 0 {
		issues = append(issues, fmt.Errorf("node %s escalation enabled with maxEscalationLevels %d", node.ID, cfg.MaxLevels))
	}
	for level := 1; level <= cfg.MaxLevels; level++ {
		if cfg.Target(level) == nil {
			issues = append(issues, fmt.Errorf("node %s has no escalation target for level %d", node.ID, level))
		}
	}
	for _, target := range cfg.Targets {
		switch target.Kind {
		case TargetUser, TargetRole, TargetManager, TargetAdmin:
		default:
			issues = append(issues, fmt.Errorf("node %s escalation target level %d has unknown kind %q",
				node.ID, target.Level, target.Kind))
		}
	}
	return issues
}
