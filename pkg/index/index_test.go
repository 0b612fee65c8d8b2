package index_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/agentstation/canonmap/pkg/canonical"
	"github.com/agentstation/canonmap/pkg/errors"
	"github.com/agentstation/canonmap/pkg/index"
	"github.com/agentstation/canonmap/pkg/store/memory"
)

func deviceKey(serial string) canonical.AggregationKey {
	return canonical.NewAggregationKey([]string{"serial"}, []string{serial})
}

func TestAssignThenResolve(t *testing.T) {
	ctx := context.Background()
	ix := index.New(memory.New())

	entry, created, err := ix.Assign(ctx, "device", deviceKey("SN-1"), "telemetry", "SN-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, entry.Identity)

	resolved, err := ix.Resolve(ctx, "device", deviceKey("SN-1"))
	require.NoError(t, err)
	assert.Equal(t, entry.Identity, resolved.Identity)
	assert.Equal(t, canonical.SourceID("telemetry"), resolved.Origin)

	// Repeated canonize calls with the same key converge on one identity.
	again, created, err := ix.Assign(ctx, "device", deviceKey("SN-1"), "crm", "SN-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, entry.Identity, again.Identity)
}

func TestResolveUnknownKey(t *testing.T) {
	ix := index.New(memory.New())
	_, err := ix.Resolve(context.Background(), "device", deviceKey("ghost"))
	assert.True(t, errors.IsNotFound(err))
}

func TestConcurrentAssignMintsOneIdentity(t *testing.T) {
	ctx := context.Background()
	ix := index.New(memory.New())

	const racers = 24
	identities := make([]canonical.Identity, racers)
	createdCount := make([]bool, racers)

	var g errgroup.Group
	for i := 0; i < racers; i++ {
		i := i
		g.Go(func() error {
			entry, created, err := ix.Assign(ctx, "device", deviceKey("SN-raced"), "telemetry", "SN-raced")
			if err != nil {
				return err
			}
			identities[i] = entry.Identity
			createdCount[i] = created
			return nil
		})
	}
	require.NoError(t, g.Wait())

	winners := 0
	for i := 0; i < racers; i++ {
		assert.Equal(t, identities[0], identities[i])
		if createdCount[i] {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one caller mints the identity")
}

func TestDistinctKeysDistinctIdentities(t *testing.T) {
	ctx := context.Background()
	ix := index.New(memory.New())

	a, _, err := ix.Assign(ctx, "device", deviceKey("SN-1"), "telemetry", "SN-1")
	require.NoError(t, err)
	b, _, err := ix.Assign(ctx, "device", deviceKey("SN-2"), "telemetry", "SN-2")
	require.NoError(t, err)
	assert.NotEqual(t, a.Identity, b.Identity)

	// Same key tuple under a different entity type is a different entity.
	c, _, err := ix.Assign(ctx, "sensor", deviceKey("SN-1"), "telemetry", "SN-1")
	require.NoError(t, err)
	assert.NotEqual(t, a.Identity, c.Identity)
}

func TestReassign(t *testing.T) {
	ctx := context.Background()
	ix := index.New(memory.New())

	entry, _, err := ix.Assign(ctx, "device", deviceKey("SN-1"), "telemetry", "SN-1")
	require.NoError(t, err)

	replacement := canonical.MintIdentity()
	require.NoError(t, ix.Reassign(ctx, "device", deviceKey("SN-1"), replacement))

	resolved, err := ix.Resolve(ctx, "device", deviceKey("SN-1"))
	require.NoError(t, err)
	assert.Equal(t, replacement, resolved.Identity)
	assert.NotEqual(t, entry.Identity, resolved.Identity)

	assert.True(t, errors.IsNotFound(ix.Reassign(ctx, "device", deviceKey("ghost"), replacement)))
}
