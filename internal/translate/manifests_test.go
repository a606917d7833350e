package translate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aonescu/kubefacts/internal/types"
)

const seedManifests = `
apiVersion: v1
kind: Node
metadata:
  name: node-1
  resourceVersion: "10"
spec:
  podCIDR: 10.244.1.0/24
---
---
apiVersion: v1
kind: Pod
metadata:
  name: web-0
  namespace: default
  labels:
    app: web
spec:
  nodeName: node-1
  affinity:
    nodeAffinity:
      requiredDuringSchedulingIgnoredDuringExecution:
        nodeSelectorTerms:
        - matchExpressions:
          - key: zone
            operator: In
            values: [us-east]
`

func TestLoadManifests(t *testing.T) {
	updates, err := New("").LoadManifests(strings.NewReader(seedManifests))
	require.NoError(t, err)
	require.Len(t, updates, 2)

	assert.Equal(t, types.OpInsert, updates[0].Op)
	assert.Equal(t, types.RelHost, updates[0].Relation)
	assert.Equal(t, "10", updates[0].Version)
	host := updates[0].Fact.(*types.HostFact)
	assert.Equal(t, "10.244.1.0/24", *host.Spec.PodCIDR)

	assert.Equal(t, types.RelWorkload, updates[1].Relation)
	assert.Equal(t, "", updates[1].Version)
	pod := updates[1].Fact.(*types.WorkloadFact)
	assert.Equal(t, map[string]string{"app": "web"}, pod.Metadata.Labels)
	assert.Equal(t, "node-1", *pod.Spec.NodeName)
	req := pod.Spec.Affinity.NodeAffinity.Required.Terms[0].MatchExpressions[0]
	assert.Equal(t, types.Requirement{Key: "zone", Operator: "In", Values: []string{"us-east"}}, req)
}

func TestLoadManifests_Empty(t *testing.T) {
	updates, err := New("").LoadManifests(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestLoadManifests_UnsupportedKind(t *testing.T) {
	_, err := New("").LoadManifests(strings.NewReader("apiVersion: v1\nkind: Service\nmetadata:\n  name: svc\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported kind "Service"`)
}

func TestLoadManifests_MalformedPod(t *testing.T) {
	_, err := New("").LoadManifests(strings.NewReader("kind: Pod\nmetadata:\n  name: p\nspec:\n  nodeName: [a]\n"))
	require.Error(t, err)
	assert.True(t, types.IsTranslationSkip(err))
}
