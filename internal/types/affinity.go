package types

// Affinity mirrors the scheduling affinity of a workload. Every slot is
// independently optional.
type Affinity struct {
	NodeAffinity    *NodeAffinity `json:"node_affinity,omitempty"`
	PodAffinity     *PodAffinity  `json:"pod_affinity,omitempty"`
	PodAntiAffinity *PodAffinity  `json:"pod_anti_affinity,omitempty"`
}

type NodeAffinity struct {
	Required *NodeSelector `json:"required,omitempty"`
}

// NodeSelector always carries a non-nil Terms slice, which may be empty.
type NodeSelector struct {
	Terms []NodeSelectorTerm `json:"terms"`
}

type NodeSelectorTerm struct {
	MatchExpressions []Requirement `json:"match_expressions,omitempty"`
	MatchFields      []Requirement `json:"match_fields,omitempty"`
}

// Requirement is shared by node selector terms and label selectors.
type Requirement struct {
	Key      string   `json:"key"`
	Operator string   `json:"operator"`
	Values   []string `json:"values,omitempty"`
}

// PodAffinity is used for both the affinity and the anti-affinity slot.
type PodAffinity struct {
	Required []PodAffinityTerm `json:"required,omitempty"`
}

type PodAffinityTerm struct {
	LabelSelector     *LabelSelector `json:"label_selector,omitempty"`
	NamespaceSelector *LabelSelector `json:"namespace_selector,omitempty"`
	Namespaces        []string       `json:"namespaces,omitempty"`
	TopologyKey       string         `json:"topology_key"`
}

type LabelSelector struct {
	MatchExpressions []Requirement     `json:"match_expressions,omitempty"`
	MatchLabels      map[string]string `json:"match_labels,omitempty"`
}
