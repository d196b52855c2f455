// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imrsim

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTopSlotFor(t *testing.T) {
	require.EqualValues(t, 0, topSlotFor(0))
	// Invariant 6: top_slot = (bottom_slot * 456) / 568.
	for _, boff := range []uint32{1, 100, 300, 567} {
		require.EqualValues(t, (boff*TopTrackBlocks)/BottomTrackBlocks, topSlotFor(boff))
	}
}

// S4: after filling all bottom slots and the first top slot of pair 0
// (via S3's write), updating logical block 0 schedules exactly one RMW
// backup against pair 0 slot 0.
func TestPlanRMW_S4(t *testing.T) {
	cfg, zs := freshZone()
	for i := uint64(0); i < BottomCapacityPerZone; i++ {
		_, _, err := translateWrite(cfg, zs, i*BlockSectors)
		require.Nil(t, err)
	}
	_, _, err := translateWrite(cfg, zs, BottomCapacityPerZone*BlockSectors) // sets isUsedBlock[0][0]
	require.Nil(t, err)

	// Update logical block 0 (bottom track pair 0, slot 0).
	pba, isUpdate, err := translateWrite(cfg, zs, 0)
	require.Nil(t, err)
	require.True(t, isUpdate)

	pbaOffset := uint32(pba / BlockSectors)
	neighbors := planRMW(zs, pbaOffset)
	require.Len(t, neighbors, 1)
	require.EqualValues(t, 0, neighbors[0].pair)
	require.EqualValues(t, 0, neighbors[0].slot)
}

// S5: after S3, updating logical block 568 (bottom slot 0 of pair 1)
// has pair 0 and pair 1 as neighbors. Only pair 0's top slot 0 is set
// (from S3's write), so exactly one RMW backup is scheduled.
func TestPlanRMW_S5(t *testing.T) {
	cfg, zs := freshZone()
	for i := uint64(0); i < BottomCapacityPerZone; i++ {
		_, _, err := translateWrite(cfg, zs, i*BlockSectors)
		require.Nil(t, err)
	}
	_, _, err := translateWrite(cfg, zs, BottomCapacityPerZone*BlockSectors) // sets isUsedBlock[0][0]
	require.Nil(t, err)
	require.True(t, zs.IsTopBlockUsed(0, 0))
	require.False(t, zs.IsTopBlockUsed(1, 0))

	// Logical block 568 landed on bottom track pair 1, slot 0 during
	// the fill loop above (pair = 568/568 = 1, slot = 568%568 = 0).
	pba, isUpdate, err := translateWrite(cfg, zs, 568*BlockSectors)
	require.Nil(t, err)
	require.True(t, isUpdate)

	pbaOffset := uint32(pba / BlockSectors)
	neighbors := planRMW(zs, pbaOffset)
	require.Len(t, neighbors, 1)
	require.EqualValues(t, 0, neighbors[0].pair)
	require.EqualValues(t, 0, neighbors[0].slot)
}

func TestPlanRMW_NoNeighborsWhenUnset(t *testing.T) {
	cfg, zs := freshZone()
	pba, _, err := translateWrite(cfg, zs, 0)
	require.Nil(t, err)
	pbaOffset := uint32(pba / BlockSectors)
	neighbors := planRMW(zs, pbaOffset)
	require.Empty(t, neighbors)
}

func TestPlanRMW_TopTrackWriteHasNoNeighbors(t *testing.T) {
	cfg, zs := freshZone()
	for i := uint64(0); i < BottomCapacityPerZone; i++ {
		_, _, err := translateWrite(cfg, zs, i*BlockSectors)
		require.Nil(t, err)
	}
	pba, _, err := translateWrite(cfg, zs, BottomCapacityPerZone*BlockSectors)
	require.Nil(t, err)
	pbaOffset := uint32(pba / BlockSectors)
	require.Empty(t, planRMW(zs, pbaOffset))
}

func TestAccountRMW(t *testing.T) {
	var zst ZoneStats
	var agg AggregateStats
	accountRMW(&zst, &agg, nil, 2)
	require.EqualValues(t, 2, zst.ExtraWriteTotal)
	require.EqualValues(t, 2, zst.WriteTotal)
	require.EqualValues(t, 2, agg.ExtraWriteTotal)
	require.EqualValues(t, 2, agg.WriteTotal)
}

func TestAccountRMW_IncrementsPrometheusCounter(t *testing.T) {
	var zst ZoneStats
	var agg AggregateStats
	stats := newStatsRegistry(nil)
	accountRMW(&zst, &agg, stats, 2)
	require.InDelta(t, 2, testutil.ToFloat64(stats.extraWriteTotal), 0)
}
