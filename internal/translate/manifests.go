package translate

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"sigs.k8s.io/yaml"

	"github.com/aonescu/kubefacts/internal/types"
)

// LoadManifests reads a multi-document YAML (or JSON) stream of Pod and Node
// manifests and returns one insert update per object, in document order.
// Empty documents are skipped; any other kind is an error.
func (t *Translator) LoadManifests(r io.Reader) ([]types.Update, error) {
	reader := utilyaml.NewYAMLReader(bufio.NewReader(r))
	var updates []types.Update
	for doc := 0; ; doc++ {
		raw, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return updates, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read document %d: %w", doc, err)
		}

		obj := &unstructured.Unstructured{}
		if err := yaml.Unmarshal(raw, &obj.Object); err != nil {
			return nil, fmt.Errorf("failed to decode document %d: %w", doc, err)
		}
		if len(obj.Object) == 0 {
			continue
		}

		kind, ok := KindOf(obj.GetKind())
		if !ok {
			return nil, fmt.Errorf("document %d: unsupported kind %q", doc, obj.GetKind())
		}
		fact, err := t.Translate(kind, obj)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		updates = append(updates, types.Insert(fact, obj.GetResourceVersion()))
	}
}
