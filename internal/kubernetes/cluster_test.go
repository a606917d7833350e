package k8s_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"

	"github.com/aonescu/kubefacts/internal/engine"
	k8s "github.com/aonescu/kubefacts/internal/kubernetes"
	"github.com/aonescu/kubefacts/internal/translate"
	"github.com/aonescu/kubefacts/internal/txn"
	"github.com/aonescu/kubefacts/internal/types"
)

// TestLiveCluster loads every node and pod of the current cluster into the
// fact store. It is skipped when no cluster is reachable.
func TestLiveCluster(t *testing.T) {
	if testing.Short() {
		t.Skip("live cluster test")
	}
	config, err := k8s.RestConfig(k8s.DefaultKubeconfig())
	if err != nil {
		t.Skipf("Skipping test: no cluster configured: %v", err)
	}
	config.Timeout = 5 * time.Second
	clientset, err := kubernetes.NewForConfig(config)
	require.NoError(t, err)

	ctx := context.Background()
	nodes, err := clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		t.Skipf("Skipping test: cluster not reachable: %v", err)
	}
	pods, err := clientset.CoreV1().Pods("").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)

	tr := translate.New("live")
	var updates []types.Update
	add := func(kind types.Kind, obj runtime.Object) {
		u, err := translate.FromObject(obj)
		require.NoError(t, err)
		fact, err := tr.Translate(kind, u)
		if types.IsTranslationSkip(err) {
			t.Logf("skipped: %v", err)
			return
		}
		require.NoError(t, err)
		updates = append(updates, types.Insert(fact, u.GetResourceVersion()))
	}
	for i := range nodes.Items {
		add(types.KindHost, &nodes.Items[i])
	}
	for i := range pods.Items {
		add(types.KindWorkload, &pods.Items[i])
	}

	eng, err := engine.New(zap.NewNop())
	require.NoError(t, err)
	mgr := txn.New(eng, zap.NewNop())
	require.NoError(t, mgr.Init(ctx, updates))

	assert.Len(t, eng.Facts(types.RelHost), len(nodes.Items))
	assert.Len(t, eng.Facts(types.RelWorkload), len(pods.Items))

	unknown, _ := eng.Query("workload_on_unknown_host")
	t.Logf("nodes=%d pods=%d workloads-on-unknown-hosts=%d", len(nodes.Items), len(pods.Items), len(unknown))
}
