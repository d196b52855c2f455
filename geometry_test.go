// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imrsim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZoneBlockInvariant(t *testing.T) {
	assert.Equal(t, uint32(65536), uint32(ZoneBlocks))
	assert.Equal(t, ZoneBlocks, TrackPairsPerZone*(TopTrackBlocks+BottomTrackBlocks))
}

func TestNumZones(t *testing.T) {
	n, err := NumZones(ZoneSectors * 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), n)

	_, err = NumZones(ZoneSectors - 1)
	assert.Error(t, err)

	_, err = NumZones(uint64(1) << 62)
	assert.Error(t, err)
}

func TestZoneOfAndBase(t *testing.T) {
	assert.Equal(t, uint32(0), zoneOf(0))
	assert.Equal(t, uint32(1), zoneOf(ZoneSectors))
	assert.Equal(t, uint64(ZoneSectors), zoneBaseLBA(1))
}

func TestBlockOffsetInZone(t *testing.T) {
	assert.Equal(t, uint32(0), blockOffsetInZone(0))
	assert.Equal(t, uint32(1), blockOffsetInZone(BlockSectors))
	assert.Equal(t, uint32(0), blockOffsetInZone(ZoneSectors))
}

func TestIsTopHalf(t *testing.T) {
	assert.True(t, isTopHalf(0))
	assert.True(t, isTopHalf(TopTrackBlocks-1))
	assert.False(t, isTopHalf(TopTrackBlocks))
	assert.False(t, isTopHalf(TopTrackBlocks+BottomTrackBlocks-1))
	assert.True(t, isTopHalf(TopTrackBlocks+BottomTrackBlocks))
}

func TestTrackPairOf(t *testing.T) {
	assert.Equal(t, uint32(0), trackPairOf(0))
	assert.Equal(t, uint32(0), trackPairOf(TopTrackBlocks+BottomTrackBlocks-1))
	assert.Equal(t, uint32(1), trackPairOf(TopTrackBlocks+BottomTrackBlocks))
}
