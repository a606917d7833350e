package engine

import (
	"fmt"
	"sort"

	"github.com/google/mangle/ast"

	"github.com/aonescu/kubefacts/internal/types"
)

var (
	nameMatchExpressions = mustName("/match_expressions")
	nameMatchFields      = mustName("/match_fields")
	nameAffinity         = mustName("/affinity")
	nameAntiAffinity     = mustName("/anti_affinity")
	nameLabelSelector    = mustName("/label")
	nameNsSelector       = mustName("/namespace")
)

func mustName(s string) ast.Constant {
	c, err := ast.Name(s)
	if err != nil {
		panic(fmt.Sprintf("invalid name constant %q: %v", s, err))
	}
	return c
}

func atom(pred string, args ...ast.BaseTerm) ast.Atom {
	return ast.Atom{Predicate: ast.PredicateSym{Symbol: pred, Arity: len(args)}, Args: args}
}

func str(s string) ast.BaseTerm { return ast.String(s) }
func num(n int) ast.BaseTerm    { return ast.Number(int64(n)) }

// encoder accumulates the atoms of one fact.
type encoder struct {
	key   ast.BaseTerm
	atoms []ast.Atom
}

func (e *encoder) add(pred string, args ...ast.BaseTerm) {
	e.atoms = append(e.atoms, atom(pred, append([]ast.BaseTerm{e.key}, args...)...))
}

func (e *encoder) optional(pred string, v *string) {
	if v != nil {
		e.add(pred, str(*v))
	}
}

// encode maps a fact onto input relation atoms. An atom is emitted only for
// fields that are present, so absence survives into the rule program.
func encode(f types.Fact) ([]ast.Atom, error) {
	e := &encoder{key: str(f.Identity().Key())}
	switch fact := f.(type) {
	case *types.WorkloadFact:
		e.encodeWorkload(fact)
	case *types.HostFact:
		e.encodeHost(fact)
	default:
		return nil, fmt.Errorf("no encoding for fact type %T", f)
	}
	return e.atoms, nil
}

func (e *encoder) meta(prefix string, m types.ObjectMeta) {
	e.add(prefix)
	e.optional(prefix+"_name", m.Name)
	e.optional(prefix+"_namespace", m.Namespace)
	e.optional(prefix+"_cluster", m.ClusterName)
	e.optional(prefix+"_uid", m.UID)
}

func (e *encoder) encodeHost(h *types.HostFact) {
	e.meta("host", h.Metadata)
	e.optional("host_pod_cidr", h.Spec.PodCIDR)
}

func (e *encoder) encodeWorkload(w *types.WorkloadFact) {
	e.meta("workload", w.Metadata)
	for _, k := range sortedKeys(w.Metadata.Labels) {
		e.add("workload_label", str(k), str(w.Metadata.Labels[k]))
	}
	e.optional("workload_node_name", w.Spec.NodeName)

	aff := w.Spec.Affinity
	if aff == nil {
		return
	}
	e.add("workload_affinity")
	if na := aff.NodeAffinity; na != nil {
		e.add("workload_node_affinity")
		if na.Required != nil {
			e.add("workload_node_selector")
			for ti, term := range na.Required.Terms {
				t := num(ti)
				e.add("workload_node_selector_term", t)
				e.nodeRequirements(t, nameMatchExpressions, term.MatchExpressions)
				e.nodeRequirements(t, nameMatchFields, term.MatchFields)
			}
		}
	}
	e.podAffinity(nameAffinity, aff.PodAffinity)
	e.podAffinity(nameAntiAffinity, aff.PodAntiAffinity)
}

func (e *encoder) nodeRequirements(term ast.BaseTerm, field ast.Constant, reqs []types.Requirement) {
	for ri, r := range reqs {
		e.add("workload_node_requirement", term, field, num(ri), str(r.Key), str(r.Operator))
		for vi, v := range r.Values {
			e.add("workload_node_requirement_value", term, field, num(ri), num(vi), str(v))
		}
	}
}

func (e *encoder) podAffinity(slot ast.Constant, pa *types.PodAffinity) {
	if pa == nil {
		return
	}
	e.add("workload_pod_affinity", slot)
	for ti, term := range pa.Required {
		t := num(ti)
		e.add("workload_pod_affinity_term", slot, t, str(term.TopologyKey))
		for _, ns := range term.Namespaces {
			e.add("workload_pod_affinity_namespace", slot, t, str(ns))
		}
		e.labelSelector(slot, t, nameLabelSelector, term.LabelSelector)
		e.labelSelector(slot, t, nameNsSelector, term.NamespaceSelector)
	}
}

func (e *encoder) labelSelector(slot ast.Constant, term ast.BaseTerm, which ast.Constant, sel *types.LabelSelector) {
	if sel == nil {
		return
	}
	e.add("workload_pod_affinity_selector", slot, term, which)
	for ri, r := range sel.MatchExpressions {
		e.add("workload_pod_affinity_requirement", slot, term, which, num(ri), str(r.Key), str(r.Operator))
		for vi, v := range r.Values {
			e.add("workload_pod_affinity_requirement_value", slot, term, which, num(ri), num(vi), str(v))
		}
	}
	for _, k := range sortedKeys(sel.MatchLabels) {
		e.add("workload_pod_affinity_match_label", slot, term, which, str(k), str(sel.MatchLabels[k]))
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
