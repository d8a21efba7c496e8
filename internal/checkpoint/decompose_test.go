package checkpoint_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateline/internal/checkpoint"
	"gateline/internal/domain"
)

var opts = checkpoint.Options{Threshold: 8, MaxPerCheckpoint: 8, DefaultEffort: 3}

func items(n int) []domain.WorkItem {
	res := make([]domain.WorkItem, n)
	for i := range res {
		res[i] = domain.WorkItem{ID: fmt.Sprintf("US-%03d", i+1)}
	}
	return res
}

func flatten(plans []checkpoint.Plan) []string {
	var res []string
	for _, p := range plans {
		res = append(res, p.Items...)
	}
	return res
}

func TestDecomposeAtThreshold(t *testing.T) {
	plans, err := checkpoint.Decompose(items(8), opts)
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestDecomposeTwelveItems(t *testing.T) {
	in := items(12)
	plans, err := checkpoint.Decompose(in, opts)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Len(t, plans[0].Items, 6)
	assert.Len(t, plans[1].Items, 6)
	assert.Equal(t, 1, plans[0].Seq)
	assert.Equal(t, 2, plans[1].Seq)
	assert.Equal(t, 18, plans[0].Effort)
	assert.Equal(t, 18, plans[1].Effort)

	var ids []string
	for _, it := range in {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, ids, flatten(plans))
}

func TestDecomposeBalancesEffort(t *testing.T) {
	in := items(10)
	in[0].Effort = 13
	plans, err := checkpoint.Decompose(in, opts)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	// Total 40: the heavy first item pulls the split forward.
	assert.Len(t, plans[0].Items, 3)
	assert.Equal(t, 19, plans[0].Effort)
	assert.Len(t, plans[1].Items, 7)
	assert.Equal(t, 21, plans[1].Effort)
}

func TestDecomposeRespectsMax(t *testing.T) {
	in := items(30)
	for i := range in {
		if i < 3 {
			in[i].Effort = 50
		}
	}
	plans, err := checkpoint.Decompose(in, opts)
	require.NoError(t, err)
	require.Len(t, plans, 4)
	for _, p := range plans {
		assert.LessOrEqual(t, len(p.Items), opts.MaxPerCheckpoint)
		assert.NotEmpty(t, p.Items)
	}
	assert.Len(t, flatten(plans), 30)
}

func TestDecomposeRejectsDuplicates(t *testing.T) {
	in := items(9)
	in[4].ID = in[2].ID
	_, err := checkpoint.Decompose(in, opts)
	require.ErrorIs(t, err, checkpoint.ErrInvalidItems)

	in = items(9)
	in[0].ID = " "
	_, err = checkpoint.Decompose(in, opts)
	require.ErrorIs(t, err, checkpoint.ErrInvalidItems)
}

func TestCanComplete(t *testing.T) {
	done := "2024-01-01T00:00:00Z"
	cps := []domain.Checkpoint{{Seq: 1, CompletedAt: &done}, {Seq: 2}, {Seq: 3}}
	require.NoError(t, checkpoint.CanComplete(cps, 2))
	require.ErrorIs(t, checkpoint.CanComplete(cps, 3), checkpoint.ErrOutOfOrder)
	require.ErrorIs(t, checkpoint.CanComplete(cps, 4), checkpoint.ErrUnknownSeq)
	require.NoError(t, checkpoint.CanComplete(cps, 1))
}
