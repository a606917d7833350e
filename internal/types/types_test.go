package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func strp(s string) *string { return &s }

func TestIdentity(t *testing.T) {
	w := &WorkloadFact{Metadata: ObjectMeta{Name: strp("p1"), Namespace: strp("default"), UID: strp("u1")}}
	assert.Equal(t, Identity{Namespace: "default", Name: "p1"}, w.Identity())
	assert.Equal(t, "/default/p1", w.Identity().Key())

	h := &HostFact{Metadata: ObjectMeta{Name: strp("n1"), ClusterName: strp("east")}}
	assert.Equal(t, "east//n1", h.Identity().Key())

	assert.True(t, (&HostFact{}).Identity().IsZero())
}

func TestUpdateHelpers(t *testing.T) {
	h := &HostFact{Metadata: ObjectMeta{Name: strp("n1")}}
	u := Insert(h, "3")
	assert.Equal(t, Update{Op: OpInsert, Relation: RelHost, Fact: h, Version: "3"}, u)
	assert.Equal(t, OpDelete, Delete(h, "").Op)

	rel, ok := RelationFor(KindWorkload)
	assert.True(t, ok)
	assert.Equal(t, RelWorkload, rel)
	_, ok = RelationFor("Service")
	assert.False(t, ok)
}

func TestDelta(t *testing.T) {
	d := Delta{
		{Relation: "HostFact", Changes: []Change{{Value: "a", Weight: 1}}},
		{Relation: "workload_on_host", Changes: []Change{{Value: "b", Weight: -1}, {Value: "c", Weight: 1}}},
	}
	assert.Equal(t, 3, d.Size())
	assert.Len(t, d.Get("workload_on_host"), 2)
	assert.Nil(t, d.Get("missing"))
}

func TestErrorKinds(t *testing.T) {
	skip := fmt.Errorf("notification: %w", &TranslationSkip{Kind: KindWorkload, Object: "default/p1", Path: "spec.nodeName", Reason: "expected string"})
	assert.True(t, IsTranslationSkip(skip))
	assert.False(t, IsEngineFailure(skip))
	assert.Contains(t, skip.Error(), "default/p1: spec.nodeName: expected string")

	cause := errors.New("boom")
	ef := &EngineFailure{Op: "commit", Err: cause}
	assert.True(t, IsEngineFailure(ef))
	assert.ErrorIs(t, ef, cause)

	st := &StreamTerminated{Kind: KindHost}
	assert.Equal(t, "Host stream terminated", st.Error())
}
