package enclave

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quarrymem/quarry/memutils"
)

func TestStatisticsCountPagesAndAllocations(t *testing.T) {
	system := newTestSystem(t, 1)
	allocator := system.Allocator(0)

	blocks := make([][]byte, 0, 3000)
	for i := 0; i < 3000; i++ {
		block, err := allocator.Alloc(8)
		require.NoError(t, err)
		blocks = append(blocks, block)
	}

	var stats memutils.Statistics
	allocator.Statistics(&stats)

	// 2048 8-byte blocks fit one 16 KiB page.
	require.Equal(t, 3000, stats.AllocationCount)
	require.Equal(t, 24000, stats.AllocationBytes)
	require.Equal(t, 2, stats.PageCount)
	require.Equal(t, 2*SmallPageSize, stats.PageBytes)

	for _, block := range blocks {
		allocator.Free(block)
	}

	stats = memutils.Statistics{}
	allocator.Statistics(&stats)
	require.Zero(t, stats.AllocationCount)
	require.Equal(t, 2, stats.PageCount)
}

func TestDetailedStatisticsTrackFreeBlocksAndSizeRange(t *testing.T) {
	system := newTestSystem(t, 1)
	allocator := system.Allocator(0)

	small, err := allocator.Alloc(8)
	require.NoError(t, err)
	_, err = allocator.Alloc(1024)
	require.NoError(t, err)

	extra, err := allocator.Alloc(8)
	require.NoError(t, err)
	allocator.Free(extra)

	var stats memutils.DetailedStatistics
	stats.Clear()
	allocator.DetailedStatistics(&stats)

	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 8, stats.AllocationSizeMin)
	require.Equal(t, 1024, stats.AllocationSizeMax)

	blocksPerPage := smallGeometry.blocksPerPage(0)
	mediumPerPage := mediumGeometry.blocksPerPage(7)
	require.Equal(t, blocksPerPage-1+mediumPerPage-1, stats.FreeBlockCount)

	allocator.Free(small)
}

func TestBuildStatsStringIsValidJSON(t *testing.T) {
	system := newTestSystem(t, 2)

	_, err := system.Allocator(0).Alloc(16)
	require.NoError(t, err)
	_, err = system.Allocator(1).Alloc(512)
	require.NoError(t, err)

	for _, detailed := range []bool{false, true} {
		data, err := system.BuildStatsString(detailed)
		require.NoError(t, err)
		require.True(t, json.Valid(data))

		var document map[string]any
		require.NoError(t, json.Unmarshal(data, &document))
		require.Contains(t, document, "Total")
		require.Contains(t, document, "Enclaves")

		total := document["Total"].(map[string]any)
		require.EqualValues(t, 2, total["Allocations"])
	}
}

func TestSystemStatisticsAggregateEnclaves(t *testing.T) {
	system := newTestSystem(t, 3)

	for enclave := 0; enclave < 3; enclave++ {
		_, err := system.Allocator(enclave).Alloc(64)
		require.NoError(t, err)
	}

	var stats memutils.Statistics
	system.Statistics(&stats)
	require.Equal(t, 3, stats.AllocationCount)
	require.Equal(t, 3, stats.PageCount)
	require.NoError(t, system.Validate())
}
