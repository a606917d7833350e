package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aonescu/kubefacts/internal/types"
)

func TestSink_Publish(t *testing.T) {
	added := testutil.ToFloat64(RelationChanges.WithLabelValues("workload_on_host", "added"))
	removed := testutil.ToFloat64(RelationChanges.WithLabelValues("workload_on_host", "removed"))
	commits := testutil.ToFloat64(Commits.WithLabelValues("metrics-test"))
	stale := testutil.ToFloat64(StaleUpdates)

	err := Sink{}.Publish(context.Background(), types.Commit{
		Source:  "metrics-test",
		Skipped: 2,
		Delta: types.Delta{{
			Relation: "workload_on_host",
			Changes:  []types.Change{{Value: "a", Weight: -1}, {Value: "b", Weight: 1}, {Value: "c", Weight: 1}},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, added+2, testutil.ToFloat64(RelationChanges.WithLabelValues("workload_on_host", "added")))
	assert.Equal(t, removed+1, testutil.ToFloat64(RelationChanges.WithLabelValues("workload_on_host", "removed")))
	assert.Equal(t, commits+1, testutil.ToFloat64(Commits.WithLabelValues("metrics-test")))
	assert.Equal(t, stale+2, testutil.ToFloat64(StaleUpdates))
}
