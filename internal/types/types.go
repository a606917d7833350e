package types

import (
	"fmt"
	"time"
)

// Kind names a watched resource kind
type Kind string

const (
	KindWorkload Kind = "Workload"
	KindHost     Kind = "Host"
)

// Relation is the input relation tag a fact kind is stored under
type Relation string

const (
	RelWorkload Relation = "WorkloadFact"
	RelHost     Relation = "HostFact"
)

// RelationFor returns the relation tag for a resource kind
func RelationFor(kind Kind) (Relation, bool) {
	switch kind {
	case KindWorkload:
		return RelWorkload, true
	case KindHost:
		return RelHost, true
	}
	return "", false
}

// Fact is the canonical record of one resource instance handed to the rule engine.
type Fact interface {
	Relation() Relation
	Identity() Identity
	Meta() ObjectMeta
}

// Identity is the upsert key of a fact. UID is metadata, not identity: a
// recreated object with the same name replaces the previous fact.
type Identity struct {
	Cluster   string `json:"cluster,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

func (id Identity) Key() string {
	return fmt.Sprintf("%s/%s/%s", id.Cluster, id.Namespace, id.Name)
}

func (id Identity) IsZero() bool {
	return id.Name == ""
}

type ObjectMeta struct {
	Name        *string           `json:"name,omitempty"`
	ClusterName *string           `json:"cluster_name,omitempty"`
	Namespace   *string           `json:"namespace,omitempty"`
	UID         *string           `json:"uid,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

func (m ObjectMeta) identity() Identity {
	return Identity{
		Cluster:   deref(m.ClusterName),
		Namespace: deref(m.Namespace),
		Name:      deref(m.Name),
	}
}

type WorkloadSpec struct {
	NodeName *string   `json:"node_name,omitempty"`
	Affinity *Affinity `json:"affinity,omitempty"`
}

// WorkloadFact is the fact form of a pod.
type WorkloadFact struct {
	Metadata ObjectMeta   `json:"metadata"`
	Spec     WorkloadSpec `json:"spec"`
}

func (w *WorkloadFact) Relation() Relation { return RelWorkload }
func (w *WorkloadFact) Identity() Identity { return w.Metadata.identity() }
func (w *WorkloadFact) Meta() ObjectMeta   { return w.Metadata }

type HostSpec struct {
	PodCIDR *string `json:"pod_cidr,omitempty"`
}

// HostFact is the fact form of a node.
type HostFact struct {
	Metadata ObjectMeta `json:"metadata"`
	Spec     HostSpec   `json:"spec"`
}

func (h *HostFact) Relation() Relation { return RelHost }
func (h *HostFact) Identity() Identity { return h.Metadata.identity() }
func (h *HostFact) Meta() ObjectMeta   { return h.Metadata }

type Operation string

const (
	OpInsert Operation = "insert"
	OpDelete Operation = "delete"
)

// Update is one entry of a transaction batch. Version carries the source
// resourceVersion and may be empty when the source has none.
type Update struct {
	Op       Operation `json:"op"`
	Relation Relation  `json:"relation"`
	Fact     Fact      `json:"fact"`
	Version  string    `json:"version,omitempty"`
}

// Insert builds an insert update tagged with the fact's own relation.
func Insert(f Fact, version string) Update {
	return Update{Op: OpInsert, Relation: f.Relation(), Fact: f, Version: version}
}

// Delete builds a delete update tagged with the fact's own relation.
func Delete(f Fact, version string) Update {
	return Update{Op: OpDelete, Relation: f.Relation(), Fact: f, Version: version}
}

// Change is one value added (positive weight) or removed (negative weight)
// from a relation by a commit.
type Change struct {
	Value  string `json:"value"`
	Weight int    `json:"weight"`
}

type RelationDelta struct {
	Relation string   `json:"relation"`
	Changes  []Change `json:"changes"`
}

// Delta lists per-relation changes, sorted by relation name.
type Delta []RelationDelta

// Size is the total number of changed values across relations.
func (d Delta) Size() int {
	n := 0
	for _, rd := range d {
		n += len(rd.Changes)
	}
	return n
}

// Get returns the changes recorded for a relation.
func (d Delta) Get(relation string) []Change {
	for _, rd := range d {
		if rd.Relation == relation {
			return rd.Changes
		}
	}
	return nil
}

// Commit is the record emitted to delta sinks after a successful transaction.
type Commit struct {
	TxID      string    `json:"tx_id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Updates   int       `json:"updates"`
	Skipped   int       `json:"skipped"`
	Delta     Delta     `json:"delta"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
