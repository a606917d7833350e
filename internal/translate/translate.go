package translate

import (
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/aonescu/kubefacts/internal/types"
)

// Translator projects Kubernetes objects onto facts. It holds no mutable
// state and is safe for concurrent use by every watch loop.
type Translator struct {
	// ClusterName fills metadata.cluster_name when the object itself carries
	// none. Empty leaves the field absent.
	ClusterName string
}

func New(clusterName string) *Translator {
	return &Translator{ClusterName: clusterName}
}

// KindOf maps a Kubernetes API kind onto a fact kind.
func KindOf(apiKind string) (types.Kind, bool) {
	switch apiKind {
	case "Pod":
		return types.KindWorkload, true
	case "Node":
		return types.KindHost, true
	}
	return "", false
}

// Translate dispatches on kind.
func (t *Translator) Translate(kind types.Kind, obj *unstructured.Unstructured) (types.Fact, error) {
	switch kind {
	case types.KindWorkload:
		w, err := t.Workload(obj)
		if err != nil {
			return nil, err
		}
		return w, nil
	case types.KindHost:
		h, err := t.Host(obj)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
	return nil, &types.TranslationSkip{Kind: kind, Object: objectName(obj), Reason: "unsupported kind"}
}

// Workload translates a pod. A pod without spec still yields a fact with an
// empty spec.
func (t *Translator) Workload(obj *unstructured.Unstructured) (*types.WorkloadFact, error) {
	if obj == nil || obj.Object == nil {
		return nil, &types.TranslationSkip{Kind: types.KindWorkload, Reason: "nil object"}
	}
	out := &types.WorkloadFact{}
	meta, err := t.metadata(obj.Object)
	if err != nil {
		return nil, skip(types.KindWorkload, obj, err)
	}
	out.Metadata = meta

	spec, err := optMap(obj.Object, "", "spec")
	if err != nil {
		return nil, skip(types.KindWorkload, obj, err)
	}
	if spec == nil {
		return out, nil
	}
	if out.Spec.NodeName, err = optString(spec, "spec", "nodeName"); err != nil {
		return nil, skip(types.KindWorkload, obj, err)
	}
	am, err := optMap(spec, "spec", "affinity")
	if err != nil {
		return nil, skip(types.KindWorkload, obj, err)
	}
	if am != nil {
		if out.Spec.Affinity, err = affinity(am, "spec.affinity"); err != nil {
			return nil, skip(types.KindWorkload, obj, err)
		}
	}
	return out, nil
}

// Host translates a node.
func (t *Translator) Host(obj *unstructured.Unstructured) (*types.HostFact, error) {
	if obj == nil || obj.Object == nil {
		return nil, &types.TranslationSkip{Kind: types.KindHost, Reason: "nil object"}
	}
	out := &types.HostFact{}
	meta, err := t.metadata(obj.Object)
	if err != nil {
		return nil, skip(types.KindHost, obj, err)
	}
	// host facts carry no labels
	meta.Labels = nil
	out.Metadata = meta

	spec, err := optMap(obj.Object, "", "spec")
	if err != nil {
		return nil, skip(types.KindHost, obj, err)
	}
	if spec == nil {
		return out, nil
	}
	if out.Spec.PodCIDR, err = optString(spec, "spec", "podCIDR"); err != nil {
		return nil, skip(types.KindHost, obj, err)
	}
	return out, nil
}

func (t *Translator) metadata(obj map[string]interface{}) (types.ObjectMeta, error) {
	var out types.ObjectMeta
	m, err := optMap(obj, "", "metadata")
	if err != nil || m == nil {
		return out, err
	}
	if out.Name, err = optString(m, "metadata", "name"); err != nil {
		return out, err
	}
	if out.Namespace, err = optString(m, "metadata", "namespace"); err != nil {
		return out, err
	}
	if out.UID, err = optString(m, "metadata", "uid"); err != nil {
		return out, err
	}
	if out.ClusterName, err = optString(m, "metadata", "clusterName"); err != nil {
		return out, err
	}
	if out.ClusterName == nil && t.ClusterName != "" {
		name := t.ClusterName
		out.ClusterName = &name
	}
	if out.Labels, err = optStringMap(m, "metadata", "labels"); err != nil {
		return out, err
	}
	return out, nil
}

// FromObject converts a typed object into its unstructured wire form.
// Fields tagged omitempty with zero values are absent after conversion.
func FromObject(obj runtime.Object) (*unstructured.Unstructured, error) {
	m, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %T to unstructured: %w", obj, err)
	}
	return &unstructured.Unstructured{Object: m}, nil
}

func skip(kind types.Kind, obj *unstructured.Unstructured, err error) error {
	ts := &types.TranslationSkip{Kind: kind, Object: objectName(obj), Reason: err.Error()}
	var fe *fieldError
	if errors.As(err, &fe) {
		ts.Path = fe.path
		ts.Reason = fe.reason
	}
	return ts
}

func objectName(obj *unstructured.Unstructured) string {
	if obj == nil || obj.Object == nil {
		return ""
	}
	// metadata may be malformed; read it without the typed accessors
	m, ok := obj.Object["metadata"].(map[string]interface{})
	if !ok {
		return ""
	}
	name, _ := m["name"].(string)
	if ns, _ := m["namespace"].(string); ns != "" {
		return ns + "/" + name
	}
	return name
}
