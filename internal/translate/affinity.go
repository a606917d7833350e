package translate

import "github.com/aonescu/kubefacts/internal/types"

// Kubernetes field names of the scheduling affinity API.
const (
	fieldRequired          = "requiredDuringSchedulingIgnoredDuringExecution"
	fieldNodeSelectorTerms = "nodeSelectorTerms"
	fieldMatchExpressions  = "matchExpressions"
	fieldMatchFields       = "matchFields"
	fieldMatchLabels       = "matchLabels"
)

func affinity(m map[string]interface{}, path string) (*types.Affinity, error) {
	out := &types.Affinity{}

	na, err := optMap(m, path, "nodeAffinity")
	if err != nil {
		return nil, err
	}
	if na != nil {
		if out.NodeAffinity, err = nodeAffinity(na, join(path, "nodeAffinity")); err != nil {
			return nil, err
		}
	}

	pa, err := optMap(m, path, "podAffinity")
	if err != nil {
		return nil, err
	}
	if pa != nil {
		if out.PodAffinity, err = podAffinity(pa, join(path, "podAffinity")); err != nil {
			return nil, err
		}
	}

	paa, err := optMap(m, path, "podAntiAffinity")
	if err != nil {
		return nil, err
	}
	if paa != nil {
		if out.PodAntiAffinity, err = podAffinity(paa, join(path, "podAntiAffinity")); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func nodeAffinity(m map[string]interface{}, path string) (*types.NodeAffinity, error) {
	out := &types.NodeAffinity{}
	req, err := optMap(m, path, fieldRequired)
	if err != nil {
		return nil, err
	}
	if req != nil {
		if out.Required, err = nodeSelector(req, join(path, fieldRequired)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// nodeSelector keeps Terms non-nil: the list is required once the selector exists.
func nodeSelector(m map[string]interface{}, path string) (*types.NodeSelector, error) {
	items, err := optSlice(m, path, fieldNodeSelectorTerms)
	if err != nil {
		return nil, err
	}
	out := &types.NodeSelector{Terms: make([]types.NodeSelectorTerm, 0, len(items))}
	err = objects(items, join(path, fieldNodeSelectorTerms), func(tm map[string]interface{}, p string) error {
		term, err := nodeSelectorTerm(tm, p)
		if err != nil {
			return err
		}
		out.Terms = append(out.Terms, term)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func nodeSelectorTerm(m map[string]interface{}, path string) (types.NodeSelectorTerm, error) {
	var out types.NodeSelectorTerm
	var err error
	if out.MatchExpressions, err = requirements(m, path, fieldMatchExpressions); err != nil {
		return out, err
	}
	if out.MatchFields, err = requirements(m, path, fieldMatchFields); err != nil {
		return out, err
	}
	return out, nil
}

// requirements reads a list of {key, operator, values} entries. Node selector
// requirements and label selector requirements share this shape.
func requirements(m map[string]interface{}, path, key string) ([]types.Requirement, error) {
	items, err := optSlice(m, path, key)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	out := make([]types.Requirement, 0, len(items))
	err = objects(items, join(path, key), func(rm map[string]interface{}, p string) error {
		r, err := requirement(rm, p)
		if err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func requirement(m map[string]interface{}, path string) (types.Requirement, error) {
	var out types.Requirement
	var err error
	if out.Key, err = reqString(m, path, "key"); err != nil {
		return out, err
	}
	if out.Operator, err = reqString(m, path, "operator"); err != nil {
		return out, err
	}
	if out.Values, err = optStringSlice(m, path, "values"); err != nil {
		return out, err
	}
	return out, nil
}

// podAffinity serves both the podAffinity and podAntiAffinity slots.
func podAffinity(m map[string]interface{}, path string) (*types.PodAffinity, error) {
	out := &types.PodAffinity{}
	items, err := optSlice(m, path, fieldRequired)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return out, nil
	}
	out.Required = make([]types.PodAffinityTerm, 0, len(items))
	err = objects(items, join(path, fieldRequired), func(tm map[string]interface{}, p string) error {
		term, err := podAffinityTerm(tm, p)
		if err != nil {
			return err
		}
		out.Required = append(out.Required, term)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func podAffinityTerm(m map[string]interface{}, path string) (types.PodAffinityTerm, error) {
	var out types.PodAffinityTerm
	var err error
	if out.LabelSelector, err = optLabelSelector(m, path, "labelSelector"); err != nil {
		return out, err
	}
	if out.NamespaceSelector, err = optLabelSelector(m, path, "namespaceSelector"); err != nil {
		return out, err
	}
	if out.Namespaces, err = optStringSlice(m, path, "namespaces"); err != nil {
		return out, err
	}
	if out.TopologyKey, err = reqString(m, path, "topologyKey"); err != nil {
		return out, err
	}
	return out, nil
}

func optLabelSelector(m map[string]interface{}, path, key string) (*types.LabelSelector, error) {
	sm, err := optMap(m, path, key)
	if err != nil || sm == nil {
		return nil, err
	}
	p := join(path, key)
	out := &types.LabelSelector{}
	if out.MatchExpressions, err = requirements(sm, p, fieldMatchExpressions); err != nil {
		return nil, err
	}
	if out.MatchLabels, err = optStringMap(sm, p, fieldMatchLabels); err != nil {
		return nil, err
	}
	return out, nil
}
