package blockpool_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/anvil/blockpool"
	"github.com/vkngwrapper/anvil/gem"
)

func TestStateZeroValueIsNil(t *testing.T) {
	var state blockpool.State
	require.True(t, state.IsNil())

	state.Offset = 64
	state.Size = 16
	require.False(t, state.IsNil())
}

func TestStatePoolReusesFreedRecords(t *testing.T) {
	pool, err := blockpool.NewBlockPool(testLogger(), gem.NewSimulator(), 4096)
	require.NoError(t, err)
	defer pool.Destroy()
	statePool := blockpool.NewStatePool(pool)

	first, err := statePool.Alloc(48, 64)
	require.NoError(t, err)
	second, err := statePool.Alloc(48, 64)
	require.NoError(t, err)
	require.NotEqual(t, first.Offset, second.Offset)

	// A freed record of the same size class comes back at the same offset.
	statePool.Free(first)
	reused, err := statePool.Alloc(60, 64)
	require.NoError(t, err)
	require.Equal(t, first.Offset, reused.Offset)
	require.Equal(t, 60, reused.Size)

	// A different size class takes a fresh range instead.
	statePool.Free(reused)
	other, err := statePool.Alloc(128, 64)
	require.NoError(t, err)
	require.NotEqual(t, first.Offset, other.Offset)
}

func TestStatePoolReuseHonorsAlignment(t *testing.T) {
	pool, err := blockpool.NewBlockPool(testLogger(), gem.NewSimulator(), 4096)
	require.NoError(t, err)
	defer pool.Destroy()
	statePool := blockpool.NewStatePool(pool)

	// Two 32-byte records at 32-byte alignment; the second lands at offset 32.
	first, err := statePool.Alloc(32, 32)
	require.NoError(t, err)
	second, err := statePool.Alloc(32, 32)
	require.NoError(t, err)
	require.Equal(t, first.Offset+32, second.Offset)

	// A freed record at a 32-byte boundary cannot serve a 64-aligned request of
	// the same class.
	statePool.Free(second)
	strict, err := statePool.Alloc(32, 64)
	require.NoError(t, err)
	require.NotEqual(t, second.Offset, strict.Offset)
	require.Zero(t, strict.Offset%64)

	// The skipped record stays on the list and serves the next request it fits.
	loose, err := statePool.Alloc(32, 32)
	require.NoError(t, err)
	require.Equal(t, second.Offset, loose.Offset)

	require.NoError(t, statePool.Validate())
}

func TestStatePoolReuseSurvivesGrowth(t *testing.T) {
	pool, err := blockpool.NewBlockPool(testLogger(), gem.NewSimulator(), 1024)
	require.NoError(t, err)
	defer pool.Destroy()
	statePool := blockpool.NewStatePool(pool)

	state, err := statePool.Alloc(64, 64)
	require.NoError(t, err)
	statePool.Free(state)

	// Grow the pool so the freed record's captured mapping goes stale.
	_, err = pool.Alloc(4096, 1)
	require.NoError(t, err)

	reused, err := statePool.Alloc(64, 64)
	require.NoError(t, err)
	require.Equal(t, state.Offset, reused.Offset)

	// The re-derived mapping must point into the current backing.
	reused.Data[0] = 0x5A
	require.Equal(t, byte(0x5A), pool.Data()[reused.Offset])
}

func TestStateStreamAllocationsNeverOverlap(t *testing.T) {
	pool, err := blockpool.NewBlockPool(testLogger(), gem.NewSimulator(), 4096)
	require.NoError(t, err)
	defer pool.Destroy()
	stream := blockpool.NewStateStream(pool, 256)

	type span struct{ start, end int }
	var spans []span
	for i := 0; i < 40; i++ {
		state, err := stream.Alloc(48, 32)
		require.NoError(t, err)
		for _, s := range spans {
			disjoint := state.Offset >= s.end || state.Offset+state.Size <= s.start
			require.True(t, disjoint, "allocation %d overlaps an earlier one", i)
		}
		spans = append(spans, span{state.Offset, state.Offset + state.Size})
	}
}

func TestStateStreamFinishRecyclesChunks(t *testing.T) {
	pool, err := blockpool.NewBlockPool(testLogger(), gem.NewSimulator(), 4096)
	require.NoError(t, err)
	defer pool.Destroy()
	stream := blockpool.NewStateStream(pool, 256)

	first, err := stream.Alloc(64, 32)
	require.NoError(t, err)

	// A finished stream hands back the same chunk instead of claiming a fresh
	// pool range, so repeated recording cycles never grow the pool.
	for i := 0; i < 50; i++ {
		stream.Finish()
		state, err := stream.Alloc(64, 32)
		require.NoError(t, err)
		require.Equal(t, first.Offset, state.Offset)
	}

	// Spilling into a second chunk and finishing recycles both.
	for i := 0; i < 5; i++ {
		_, err = stream.Alloc(256, 256)
		require.NoError(t, err)
	}
	used := pool.Size()
	for i := 0; i < 50; i++ {
		stream.Finish()
		for j := 0; j < 6; j++ {
			_, err = stream.Alloc(256, 256)
			require.NoError(t, err)
		}
	}
	require.Equal(t, used, pool.Size())
}

func TestStateStreamRejectsOversizeAllocation(t *testing.T) {
	pool, err := blockpool.NewBlockPool(testLogger(), gem.NewSimulator(), 4096)
	require.NoError(t, err)
	defer pool.Destroy()
	stream := blockpool.NewStateStream(pool, 256)

	_, err = stream.Alloc(512, 32)
	require.Error(t, err)
}
