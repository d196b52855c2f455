// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imrsim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func freshZone() (*DevConfig, *ZoneStatus) {
	cfg := DefaultDevConfig()
	return &cfg, newZoneStatus(0)
}

// S1/S2: first two bottom-track allocations land at block offsets 456
// and 457 of pair 0, per spec.md §8.
func TestAllocation_S1_S2(t *testing.T) {
	cfg, zs := freshZone()

	pba, isUpdate, err := translateWrite(cfg, zs, 0)
	require.Nil(t, err)
	require.False(t, isUpdate)
	require.Equal(t, uint64(456*BlockSectors), pba)
	require.EqualValues(t, 1, zs.MapSize())

	pba, isUpdate, err = translateWrite(cfg, zs, BlockSectors)
	require.Nil(t, err)
	require.False(t, isUpdate)
	require.Equal(t, uint64(457*BlockSectors), pba)
	require.EqualValues(t, 2, zs.MapSize())
}

// S3: after filling all 36,352 bottom slots, the next write lands on
// the first top-track slot of pair 0 and sets its occupancy bit.
func TestAllocation_S3(t *testing.T) {
	cfg, zs := freshZone()
	for i := uint64(0); i < BottomCapacityPerZone; i++ {
		_, _, err := translateWrite(cfg, zs, i*BlockSectors)
		require.Nil(t, err)
	}
	require.EqualValues(t, BottomCapacityPerZone, zs.MapSize())

	pba, isUpdate, err := translateWrite(cfg, zs, BottomCapacityPerZone*BlockSectors)
	require.Nil(t, err)
	require.False(t, isUpdate)
	require.Equal(t, uint64(0), pba)
	require.True(t, zs.IsTopBlockUsed(0, 0))
	require.EqualValues(t, BottomCapacityPerZone+1, zs.MapSize())
}

// Invariant 2: a second translateWrite of the same LBA returns the same
// PBA, marked as an update.
func TestAllocation_UpdateReturnsStablePBA(t *testing.T) {
	cfg, zs := freshZone()
	pba1, isUpdate1, err := translateWrite(cfg, zs, 5*BlockSectors)
	require.Nil(t, err)
	require.False(t, isUpdate1)

	pba2, isUpdate2, err := translateWrite(cfg, zs, 5*BlockSectors)
	require.Nil(t, err)
	require.True(t, isUpdate2)
	require.Equal(t, pba1, pba2)
}

// Invariant 1: z_map_size equals the number of distinct offsets written.
func TestAllocation_MapSizeCountsDistinctOffsets(t *testing.T) {
	cfg, zs := freshZone()
	offsets := []uint64{0, 1, 2, 1, 0, 3}
	for _, o := range offsets {
		_, _, err := translateWrite(cfg, zs, o*BlockSectors)
		require.Nil(t, err)
	}
	require.EqualValues(t, 4, zs.MapSize())
}

// Saturated allocator fails with WRITE_FULL.
func TestAllocation_SaturatedZoneFails(t *testing.T) {
	cfg, zs := freshZone()
	zs.mapSize = BottomCapacityPerZone + TopCapacityPerZone
	_, _, err := translateWrite(cfg, zs, uint64(BottomCapacityPerZone+TopCapacityPerZone)*BlockSectors)
	require.NotNil(t, err)
	require.Equal(t, CodeWriteFull, err.Code)
}

// Phase 1 is an identity pass-through: PBA offset equals the logical
// block offset, with no relocation.
func TestAllocation_Phase1Identity(t *testing.T) {
	cfg := DevConfig{Phase: Phase1}
	zs := newZoneStatus(0)
	pba, isUpdate, err := translateWrite(&cfg, zs, 1000*BlockSectors)
	require.Nil(t, err)
	require.False(t, isUpdate)
	require.Equal(t, uint64(1000*BlockSectors), pba)
}

func TestAllocation_SectorOffsetPreserved(t *testing.T) {
	cfg, zs := freshZone()
	pba, _, err := translateWrite(cfg, zs, 10*BlockSectors+3)
	require.Nil(t, err)
	require.EqualValues(t, 3, pba%BlockSectors)
}
