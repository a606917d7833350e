package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"

	"github.com/aonescu/kubefacts/internal/metrics"
	"github.com/aonescu/kubefacts/internal/translate"
	"github.com/aonescu/kubefacts/internal/types"
)

var (
	PodsResource  = schema.GroupVersionResource{Version: "v1", Resource: "pods"}
	NodesResource = schema.GroupVersionResource{Version: "v1", Resource: "nodes"}
)

// OpenFunc opens a change stream for one resource kind. An empty
// resourceVersion replays every existing object first.
type OpenFunc func(ctx context.Context, resourceVersion string) (watch.Interface, error)

// ListFunc lists the current objects of one resource kind.
type ListFunc func(ctx context.Context) (*unstructured.UnstructuredList, error)

// FactReader exposes the committed facts of a relation.
type FactReader interface {
	Facts(rel types.Relation) []types.Fact
}

// Submitter accepts fact update batches.
type Submitter interface {
	Apply(ctx context.Context, source string, updates []types.Update) (types.Commit, error)
}

// Loop turns the notifications of one change stream into single-fact
// batches. Translation and submit errors skip the notification; the stream
// ending ends the loop.
type Loop struct {
	Kind       types.Kind
	Source     string
	Open       OpenFunc
	Manager    Submitter
	Translator *translate.Translator
	Logger     *zap.Logger

	// RestartDelay, when positive, reopens a terminated stream after the
	// delay instead of returning.
	RestartDelay time.Duration

	// List and Facts, when both set, make a reopen list the current objects,
	// commit them together with deletes for every stored fact of this kind
	// the list no longer has, and resume watching from the list's version.
	// Namespace limits those deletes to one namespace.
	List      ListFunc
	Facts     FactReader
	Namespace string
}

// DynamicSource opens a watch on a resource through the dynamic client. With
// no resourceVersion the server first replays every existing object as
// ADDED. An empty namespace watches the whole cluster.
func DynamicSource(client dynamic.Interface, gvr schema.GroupVersionResource, namespace string) OpenFunc {
	return func(ctx context.Context, resourceVersion string) (watch.Interface, error) {
		w, err := resource(client, gvr, namespace).Watch(ctx, metav1.ListOptions{
			ResourceVersion:     resourceVersion,
			AllowWatchBookmarks: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to watch %s: %w", gvr.Resource, err)
		}
		return w, nil
	}
}

// DynamicList lists a resource through the dynamic client.
func DynamicList(client dynamic.Interface, gvr schema.GroupVersionResource, namespace string) ListFunc {
	return func(ctx context.Context) (*unstructured.UnstructuredList, error) {
		list, err := resource(client, gvr, namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", gvr.Resource, err)
		}
		return list, nil
	}
}

func resource(client dynamic.Interface, gvr schema.GroupVersionResource, namespace string) dynamic.ResourceInterface {
	if namespace != "" {
		return client.Resource(gvr).Namespace(namespace)
	}
	return client.Resource(gvr)
}

func (l *Loop) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger.Named("watch").With(zap.String("kind", string(l.Kind)))
}

// Run consumes the stream until it terminates or ctx is cancelled. It
// returns ctx.Err() on cancellation and *types.StreamTerminated otherwise.
func (l *Loop) Run(ctx context.Context) error {
	log := l.logger()
	reopened := false
	for {
		err := l.consume(ctx, log, reopened)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.StreamTerminations.WithLabelValues(string(l.Kind)).Inc()
		if l.RestartDelay <= 0 {
			return err
		}
		log.Warn("Change stream terminated, reopening", zap.Error(err), zap.Duration("delay", l.RestartDelay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.RestartDelay):
		}
		reopened = true
	}
}

func (l *Loop) consume(ctx context.Context, log *zap.Logger, reopened bool) error {
	var resourceVersion string
	if reopened && l.List != nil && l.Facts != nil {
		rv, err := l.resync(ctx, log)
		if err != nil {
			return &types.StreamTerminated{Kind: l.Kind, Err: err}
		}
		resourceVersion = rv
	}

	w, err := l.Open(ctx, resourceVersion)
	if err != nil {
		return &types.StreamTerminated{Kind: l.Kind, Err: err}
	}
	defer w.Stop()
	log.Info("Watching")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.ResultChan():
			if !ok {
				return &types.StreamTerminated{Kind: l.Kind}
			}
			metrics.WatchEvents.WithLabelValues(string(l.Kind), string(event.Type)).Inc()

			switch event.Type {
			case watch.Added, watch.Modified:
				l.handle(ctx, log, event.Object, types.OpInsert)
			case watch.Deleted:
				l.handle(ctx, log, event.Object, types.OpDelete)
			case watch.Bookmark:
			case watch.Error:
				return &types.StreamTerminated{Kind: l.Kind, Err: streamError(event.Object)}
			default:
				log.Debug("Ignoring event", zap.String("type", string(event.Type)))
			}
		}
	}
}

func (l *Loop) handle(ctx context.Context, log *zap.Logger, obj runtime.Object, op types.Operation) {
	u, err := toUnstructured(obj)
	if err == nil {
		var fact types.Fact
		fact, err = l.Translator.Translate(l.Kind, u)
		if err == nil {
			l.submit(ctx, log, fact, op, u.GetResourceVersion())
			return
		}
	}
	metrics.TranslationSkips.WithLabelValues(string(l.Kind)).Inc()
	log.Warn("Skipping notification", zap.String("op", string(op)), zap.Error(err))
}

func (l *Loop) submit(ctx context.Context, log *zap.Logger, fact types.Fact, op types.Operation, version string) {
	update := types.Update{Op: op, Relation: fact.Relation(), Fact: fact, Version: version}
	c, err := l.Manager.Apply(ctx, l.Source, []types.Update{update})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.SubmitFailures.WithLabelValues(string(l.Kind)).Inc()
		log.Error("Failed to apply update",
			zap.String("op", string(op)),
			zap.String("identity", fact.Identity().Key()),
			zap.Error(err),
		)
		return
	}
	log.Debug("Update committed",
		zap.String("tx", c.TxID),
		zap.String("op", string(op)),
		zap.String("identity", fact.Identity().Key()),
		zap.Int("changes", c.Delta.Size()),
	)
}

// resync commits the listed objects and retracts stored facts of this kind
// the list no longer has, as one batch. It returns the list's version.
func (l *Loop) resync(ctx context.Context, log *zap.Logger) (string, error) {
	list, err := l.List(ctx)
	if err != nil {
		return "", err
	}
	rel, _ := types.RelationFor(l.Kind)
	listVersion := list.GetResourceVersion()

	listed := make(map[string]struct{}, len(list.Items))
	updates := make([]types.Update, 0, len(list.Items))
	for i := range list.Items {
		item := &list.Items[i]
		fact, err := l.Translator.Translate(l.Kind, item)
		if err != nil {
			metrics.TranslationSkips.WithLabelValues(string(l.Kind)).Inc()
			log.Warn("Skipping listed object", zap.Error(err))
			// an untranslatable object still exists and must not be retracted
			listed[l.identityOf(item).Key()] = struct{}{}
			continue
		}
		listed[fact.Identity().Key()] = struct{}{}
		updates = append(updates, types.Insert(fact, item.GetResourceVersion()))
	}

	retracted := 0
	for _, fact := range l.Facts.Facts(rel) {
		id := fact.Identity()
		if !l.owns(id) {
			continue
		}
		if _, ok := listed[id.Key()]; ok {
			continue
		}
		updates = append(updates, types.Delete(fact, listVersion))
		retracted++
	}

	if len(updates) > 0 {
		c, err := l.Manager.Apply(ctx, l.Source, updates)
		if err != nil {
			return "", fmt.Errorf("failed to commit resync: %w", err)
		}
		log.Info("Resynced after reopen",
			zap.String("tx", c.TxID),
			zap.Int("listed", len(list.Items)),
			zap.Int("retracted", retracted),
		)
	}
	return listVersion, nil
}

// owns reports whether a stored identity falls inside what this loop watches.
func (l *Loop) owns(id types.Identity) bool {
	if id.Cluster != l.Translator.ClusterName {
		return false
	}
	return l.Namespace == "" || id.Namespace == l.Namespace
}

func (l *Loop) identityOf(obj *unstructured.Unstructured) types.Identity {
	cluster, _, _ := unstructured.NestedString(obj.Object, "metadata", "clusterName")
	if cluster == "" {
		cluster = l.Translator.ClusterName
	}
	return types.Identity{Cluster: cluster, Namespace: obj.GetNamespace(), Name: obj.GetName()}
}

func toUnstructured(obj runtime.Object) (*unstructured.Unstructured, error) {
	if obj == nil {
		return nil, errors.New("event carries no object")
	}
	if u, ok := obj.(*unstructured.Unstructured); ok {
		return u, nil
	}
	return translate.FromObject(obj)
}

func streamError(obj runtime.Object) error {
	if status, ok := obj.(*metav1.Status); ok {
		return fmt.Errorf("%s: %s", status.Reason, status.Message)
	}
	if u, ok := obj.(*unstructured.Unstructured); ok {
		msg, _, _ := unstructured.NestedString(u.Object, "message")
		return fmt.Errorf("stream error: %s", msg)
	}
	return errors.New("stream error")
}

// RunAll runs every loop until all have returned. A loop that ends does not
// stop the others. The returned slice holds each loop's result in order.
func RunAll(ctx context.Context, loops ...*Loop) []error {
	errs := make([]error, len(loops))
	var wg sync.WaitGroup
	for i, l := range loops {
		wg.Add(1)
		go func(i int, l *Loop) {
			defer wg.Done()
			errs[i] = l.Run(ctx)
			if errs[i] != nil && ctx.Err() == nil {
				l.logger().Error("Watch loop stopped", zap.Error(errs[i]))
			}
		}(i, l)
	}
	wg.Wait()
	return errs
}
