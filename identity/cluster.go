package identity

import (
	"github.com/agentfleet/relay/errors"
)

// CapabilityCluster groups agents by their primary capability. The set is
// closed: it is part of the public subject grammar, so adding a cluster is a
// grammar change, not a configuration change.
//
// Subjects route hierarchically over clusters:
//
//   - Individual: agent.{cluster}.{name}.{id}.>
//   - Cluster-wide: agent.{cluster}.*.*.>
//   - All agents: agent.*.*.*.>
type CapabilityCluster string

// The capability clusters of the fleet.
const (
	Orchestration         CapabilityCluster = "orchestration"
	DomainModeling        CapabilityCluster = "domain-modeling"
	EventAnalysis         CapabilityCluster = "event-analysis"
	Infrastructure        CapabilityCluster = "infrastructure"
	QualityAssurance      CapabilityCluster = "quality-assurance"
	FunctionalProgramming CapabilityCluster = "functional-programming"
	UiDesign              CapabilityCluster = "ui-design"
	Sdlc                  CapabilityCluster = "sdlc"
	ConceptualAnalysis    CapabilityCluster = "conceptual-analysis"
	DomainEntities        CapabilityCluster = "domain-entities"
)

// allClusters is the closed enumeration, in a stable order.
var allClusters = []CapabilityCluster{
	Orchestration,
	DomainModeling,
	EventAnalysis,
	Infrastructure,
	QualityAssurance,
	FunctionalProgramming,
	UiDesign,
	Sdlc,
	ConceptualAnalysis,
	DomainEntities,
}

// AllClusters returns every capability cluster.
func AllClusters() []CapabilityCluster {
	out := make([]CapabilityCluster, len(allClusters))
	copy(out, allClusters)
	return out
}

// String returns the kebab-case subject segment for the cluster.
func (c CapabilityCluster) String() string {
	return string(c)
}

// Valid reports whether c is a member of the closed enumeration.
func (c CapabilityCluster) Valid() bool {
	for _, k := range allClusters {
		if c == k {
			return true
		}
	}
	return false
}

// ParseCluster parses the kebab-case rendering of a capability cluster.
func ParseCluster(s string) (CapabilityCluster, error) {
	c := CapabilityCluster(s)
	if !c.Valid() {
		return "", errors.New(errors.ErrCodeInvalidIdentity, "unknown capability cluster: "+s)
	}
	return c, nil
}

// wellKnownAgents maps the fleet's provisioned agent names to their clusters.
// Used when a sender knows only a legacy name and needs cluster routing.
var wellKnownAgents = map[string]CapabilityCluster{
	"sage": Orchestration,

	"ddd-expert":                   DomainModeling,
	"domain-expert":                DomainModeling,
	"domain-ontologist-researcher": DomainModeling,

	"event-storming-expert": EventAnalysis,

	"nats-expert":    Infrastructure,
	"nix-expert":     Infrastructure,
	"network-expert": Infrastructure,

	"qa-expert":  QualityAssurance,
	"tdd-expert": QualityAssurance,
	"bdd-expert": QualityAssurance,

	"fp-expert":  FunctionalProgramming,
	"frp-expert": FunctionalProgramming,
	"act-expert": FunctionalProgramming,

	"egui-ui-expert":      UiDesign,
	"iced-ui-expert":      UiDesign,
	"cim-ui-layer-expert": UiDesign,
	"cim-tea-ecs-expert":  UiDesign,

	"git-expert":              Sdlc,
	"sdlc-expert":             Sdlc,
	"sdlc-distributed-expert": Sdlc,

	"language-expert":          ConceptualAnalysis,
	"graph-expert":             ConceptualAnalysis,
	"conceptual-spaces-expert": ConceptualAnalysis,
	"description-expert":       ConceptualAnalysis,
	"subject-expert":           ConceptualAnalysis,

	"people-expert":   DomainEntities,
	"org-expert":      DomainEntities,
	"location-expert": DomainEntities,
}

// ClusterFromAgentName returns the capability cluster for a well-known fleet
// agent name. The second return is false for names outside the fleet.
func ClusterFromAgentName(name string) (CapabilityCluster, bool) {
	c, ok := wellKnownAgents[name]
	return c, ok
}
