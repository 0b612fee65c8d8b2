package audit_test

import (
	"context"
	"testing"

	"github.com/agentstation/utc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/canonmap/pkg/audit"
	"github.com/agentstation/canonmap/pkg/canonical"
	"github.com/agentstation/canonmap/pkg/store/memory"
)

func TestRecordAssignsAscendingSeq(t *testing.T) {
	ctx := context.Background()
	log := audit.New(memory.New())

	var last uint64
	for i := 0; i < 3; i++ {
		rec, err := log.Record(ctx, canonical.CanonizationRecord{
			Type:     "device",
			Origin:   "crm",
			Identity: canonical.MintIdentity(),
			Outcome:  canonical.OutcomeCompleted,
		})
		require.NoError(t, err)
		assert.Greater(t, rec.Seq, last)
		assert.False(t, rec.Timestamp.IsZero())
		last = rec.Seq
	}
}

func TestPagePaginatesInCompletionOrder(t *testing.T) {
	ctx := context.Background()
	log := audit.New(memory.New())

	for i := 0; i < 5; i++ {
		_, err := log.Record(ctx, canonical.CanonizationRecord{
			Type:    "device",
			Outcome: canonical.OutcomeCompleted,
		})
		require.NoError(t, err)
	}

	var seen []uint64
	var after uint64
	for {
		page, err := log.Page(ctx, utc.Time{}, utc.Time{}, after, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			seen = append(seen, rec.Seq)
			after = rec.Seq
		}
	}

	require.Len(t, seen, 5)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
}
