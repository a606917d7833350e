package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	dynamicfake "k8s.io/client-go/dynamic/fake"

	"github.com/aonescu/kubefacts/internal/engine"
	"github.com/aonescu/kubefacts/internal/translate"
	"github.com/aonescu/kubefacts/internal/txn"
	"github.com/aonescu/kubefacts/internal/types"
)

type fakeManager struct {
	mu      sync.Mutex
	updates []types.Update
	err     error
}

func (m *fakeManager) Apply(_ context.Context, source string, updates []types.Update) (types.Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return types.Commit{}, m.err
	}
	m.updates = append(m.updates, updates...)
	return types.Commit{TxID: "tx", Source: source, Updates: len(updates)}, nil
}

func (m *fakeManager) Facts(types.Relation) []types.Fact { return nil }

func (m *fakeManager) received() []types.Update {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Update(nil), m.updates...)
}

func podObject(name, node, rv string) *unstructured.Unstructured {
	obj := map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Pod",
		"metadata": map[string]interface{}{
			"name":            name,
			"namespace":       "default",
			"resourceVersion": rv,
		},
		"spec": map[string]interface{}{"nodeName": node},
	}
	return &unstructured.Unstructured{Object: obj}
}

func newLoop(kind types.Kind, w watch.Interface, mgr Submitter) *Loop {
	return &Loop{
		Kind:       kind,
		Source:     "test",
		Open:       func(context.Context, string) (watch.Interface, error) { return w, nil },
		Manager:    mgr,
		Translator: translate.New(""),
		Logger:     zap.NewNop(),
	}
}

func TestLoop_TranslatesEventsIntoUpdates(t *testing.T) {
	fw := watch.NewFakeWithChanSize(10, false)
	mgr := &fakeManager{}
	loop := newLoop(types.KindWorkload, fw, mgr)

	fw.Add(podObject("web-0", "node-1", "5"))
	fw.Modify(podObject("web-0", "node-2", "6"))
	fw.Action(watch.Bookmark, podObject("", "", "7"))
	fw.Delete(podObject("web-0", "node-2", "8"))
	fw.Stop()

	err := loop.Run(context.Background())
	var st *types.StreamTerminated
	require.ErrorAs(t, err, &st)
	assert.Equal(t, types.KindWorkload, st.Kind)

	got := mgr.received()
	require.Len(t, got, 3)
	assert.Equal(t, types.OpInsert, got[0].Op)
	assert.Equal(t, types.RelWorkload, got[0].Relation)
	assert.Equal(t, "5", got[0].Version)
	assert.Equal(t, "node-2", *got[1].Fact.(*types.WorkloadFact).Spec.NodeName)
	assert.Equal(t, types.OpDelete, got[2].Op)
	assert.Equal(t, "8", got[2].Version)
}

func TestLoop_AcceptsTypedObjects(t *testing.T) {
	fw := watch.NewFakeWithChanSize(10, false)
	mgr := &fakeManager{}
	loop := newLoop(types.KindHost, fw, mgr)

	fw.Add(&corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "node-1", ResourceVersion: "3"},
		Spec:       corev1.NodeSpec{PodCIDR: "10.0.0.0/24"},
	})
	fw.Stop()

	_ = loop.Run(context.Background())
	got := mgr.received()
	require.Len(t, got, 1)
	host := got[0].Fact.(*types.HostFact)
	assert.Equal(t, "10.0.0.0/24", *host.Spec.PodCIDR)
	assert.Equal(t, "3", got[0].Version)
}

func TestLoop_SkipsUntranslatableNotifications(t *testing.T) {
	fw := watch.NewFakeWithChanSize(10, false)
	mgr := &fakeManager{}
	loop := newLoop(types.KindWorkload, fw, mgr)

	bad := podObject("broken", "", "1")
	bad.Object["spec"] = map[string]interface{}{"nodeName": []interface{}{"x"}}
	fw.Add(bad)
	fw.Add(podObject("web-0", "node-1", "2"))
	fw.Stop()

	_ = loop.Run(context.Background())
	got := mgr.received()
	require.Len(t, got, 1)
	assert.Equal(t, "web-0", got[0].Fact.Identity().Name)
}

func TestLoop_SubmitFailureDoesNotStopLoop(t *testing.T) {
	fw := watch.NewFakeWithChanSize(10, false)
	mgr := &fakeManager{err: &types.EngineFailure{Op: "commit", Err: errors.New("boom")}}
	loop := newLoop(types.KindWorkload, fw, mgr)

	fw.Add(podObject("a", "n", "1"))
	fw.Add(podObject("b", "n", "2"))
	fw.Stop()

	err := loop.Run(context.Background())
	assert.True(t, errors.As(err, new(*types.StreamTerminated)))
	assert.Empty(t, mgr.received())
}

func TestLoop_ErrorEventTerminates(t *testing.T) {
	fw := watch.NewFakeWithChanSize(10, false)
	loop := newLoop(types.KindHost, fw, &fakeManager{})

	fw.Error(&metav1.Status{Reason: metav1.StatusReasonExpired, Message: "too old resource version"})

	err := loop.Run(context.Background())
	var st *types.StreamTerminated
	require.ErrorAs(t, err, &st)
	assert.Contains(t, st.Error(), "too old resource version")
}

func TestLoop_OpenFailure(t *testing.T) {
	loop := newLoop(types.KindHost, nil, &fakeManager{})
	loop.Open = func(context.Context, string) (watch.Interface, error) { return nil, errors.New("forbidden") }

	err := loop.Run(context.Background())
	var st *types.StreamTerminated
	require.ErrorAs(t, err, &st)
	assert.EqualError(t, st.Err, "forbidden")
}

func TestLoop_CancelReturnsContextError(t *testing.T) {
	fw := watch.NewFakeWithChanSize(10, false)
	loop := newLoop(types.KindWorkload, fw, &fakeManager{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- loop.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on cancel")
	}
}

func TestLoop_RestartReopensStream(t *testing.T) {
	mgr := &fakeManager{}
	first := watch.NewFakeWithChanSize(10, false)
	second := watch.NewFakeWithChanSize(10, false)
	first.Add(podObject("a", "n", "1"))
	first.Stop()
	second.Add(podObject("b", "n", "2"))

	var opens int
	loop := newLoop(types.KindWorkload, nil, mgr)
	loop.RestartDelay = time.Millisecond
	loop.Open = func(context.Context, string) (watch.Interface, error) {
		opens++
		if opens == 1 {
			return first, nil
		}
		return second, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- loop.Run(ctx) }()
	require.Eventually(t, func() bool { return len(mgr.received()) == 2 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func podList(rv string, pods ...*unstructured.Unstructured) *unstructured.UnstructuredList {
	list := &unstructured.UnstructuredList{}
	list.SetResourceVersion(rv)
	for _, p := range pods {
		list.Items = append(list.Items, *p)
	}
	return list
}

func TestLoop_ReopenRetractsObjectsDeletedDuringGap(t *testing.T) {
	eng, err := engine.New(zap.NewNop())
	require.NoError(t, err)
	mgr := txn.New(eng, zap.NewNop())
	require.NoError(t, mgr.Init(context.Background(), nil))

	first := watch.NewFakeWithChanSize(10, false)
	second := watch.NewFakeWithChanSize(10, false)
	first.Add(podObject("a", "n", "1"))
	first.Add(podObject("b", "n", "2"))
	first.Stop()

	var mu sync.Mutex
	var versions []string
	loop := newLoop(types.KindWorkload, nil, mgr)
	loop.RestartDelay = time.Millisecond
	loop.Facts = eng
	loop.Namespace = "default"
	loop.List = func(context.Context) (*unstructured.UnstructuredList, error) {
		return podList("9", podObject("b", "m", "8")), nil
	}
	loop.Open = func(_ context.Context, rv string) (watch.Interface, error) {
		mu.Lock()
		defer mu.Unlock()
		versions = append(versions, rv)
		if len(versions) == 1 {
			return first, nil
		}
		return second, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- loop.Run(ctx) }()

	a := types.Identity{Namespace: "default", Name: "a"}
	b := types.Identity{Namespace: "default", Name: "b"}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(versions) == 2
	}, time.Second, time.Millisecond)

	_, found := eng.Lookup(types.RelWorkload, a)
	assert.False(t, found)
	fact, found := eng.Lookup(types.RelWorkload, b)
	require.True(t, found)
	assert.Equal(t, "m", *fact.(*types.WorkloadFact).Spec.NodeName)
	assert.Equal(t, []string{"", "9"}, versions)

	// the resumed stream keeps flowing
	second.Delete(podObject("b", "m", "10"))
	require.Eventually(t, func() bool { return len(eng.Facts(types.RelWorkload)) == 0 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestLoop_ResyncLeavesOtherScopesAlone(t *testing.T) {
	eng, err := engine.New(zap.NewNop())
	require.NoError(t, err)
	mgr := txn.New(eng, zap.NewNop())
	other := podObject("other", "n", "")
	other.SetNamespace("kube-system")
	otherFact, err := translate.New("").Translate(types.KindWorkload, other)
	require.NoError(t, err)
	require.NoError(t, mgr.Init(context.Background(), []types.Update{types.Insert(otherFact, "")}))

	broken := podObject("broken", "", "3")
	broken.Object["spec"] = map[string]interface{}{"nodeName": []interface{}{"x"}}
	brokenFact, err := translate.New("").Translate(types.KindWorkload, podObject("broken", "n", "1"))
	require.NoError(t, err)
	_, err = mgr.Apply(context.Background(), "pods", []types.Update{types.Insert(brokenFact, "1")})
	require.NoError(t, err)

	loop := newLoop(types.KindWorkload, nil, mgr)
	loop.Facts = eng
	loop.Namespace = "default"
	loop.List = func(context.Context) (*unstructured.UnstructuredList, error) {
		return podList("4", broken), nil
	}

	rv, err := loop.resync(context.Background(), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "4", rv)
	// neither the other namespace nor an untranslatable listed object is retracted
	assert.Len(t, eng.Facts(types.RelWorkload), 2)
}

func TestLoop_ResyncListFailureTerminates(t *testing.T) {
	mgr := &fakeManager{}
	loop := newLoop(types.KindHost, nil, mgr)
	loop.Facts = mgr
	loop.List = func(context.Context) (*unstructured.UnstructuredList, error) {
		return nil, errors.New("forbidden")
	}

	err := loop.consume(context.Background(), zap.NewNop(), true)
	var st *types.StreamTerminated
	require.ErrorAs(t, err, &st)
	assert.EqualError(t, st.Err, "forbidden")
	assert.Empty(t, mgr.received())
}

func TestRunAll_LoopsAreIndependent(t *testing.T) {
	pods := watch.NewFakeWithChanSize(10, false)
	nodes := watch.NewFakeWithChanSize(10, false)
	mgr := &fakeManager{}
	podLoop := newLoop(types.KindWorkload, pods, mgr)
	nodeLoop := newLoop(types.KindHost, nodes, mgr)

	pods.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []error)
	go func() { done <- RunAll(ctx, podLoop, nodeLoop) }()

	nodes.Add(&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-1"}})
	require.Eventually(t, func() bool { return len(mgr.received()) == 1 }, time.Second, time.Millisecond)
	cancel()

	errs := <-done
	assert.True(t, errors.As(errs[0], new(*types.StreamTerminated)))
	assert.ErrorIs(t, errs[1], context.Canceled)
}

func TestDynamicList(t *testing.T) {
	scheme := runtime.NewScheme()
	require.NoError(t, corev1.AddToScheme(scheme))
	client := dynamicfake.NewSimpleDynamicClient(scheme,
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "web-0", Namespace: "default"}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "dns", Namespace: "kube-system"}},
	)

	list, err := DynamicList(client, PodsResource, "default")(context.Background())
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "web-0", list.Items[0].GetName())
}

func TestDynamicSource(t *testing.T) {
	scheme := runtime.NewScheme()
	require.NoError(t, corev1.AddToScheme(scheme))
	client := dynamicfake.NewSimpleDynamicClient(scheme)

	ctx := context.Background()
	w, err := DynamicSource(client, PodsResource, "default")(ctx, "")
	require.NoError(t, err)
	defer w.Stop()

	_, err = client.Resource(PodsResource).Namespace("default").Create(ctx, podObject("web-0", "node-1", ""), metav1.CreateOptions{})
	require.NoError(t, err)

	select {
	case ev := <-w.ResultChan():
		assert.Equal(t, watch.Added, ev.Type)
		u, ok := ev.Object.(*unstructured.Unstructured)
		require.True(t, ok)
		assert.Equal(t, "web-0", u.GetName())
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}
