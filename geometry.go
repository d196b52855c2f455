// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imrsim

import "github.com/pkg/errors"

// Geometry constants. Track sizes are deliberately NOT powers of two;
// every formula involving them uses plain integer arithmetic, never a
// shift.
const (
	SectorSize = 512 // bytes per sector

	BlockSectors = 8 // sectors per block (4 KiB)
	BlockSize    = BlockSectors * SectorSize

	TopTrackBlocks    = 456 // blocks per top track
	BottomTrackBlocks = 568 // blocks per bottom track
	TrackPairsPerZone = 64  // top/bottom pairs per zone

	ZoneBlocks  = TrackPairsPerZone * (TopTrackBlocks + BottomTrackBlocks) // 65536
	ZoneBytes   = ZoneBlocks * BlockSize                                   // 256 MiB
	ZoneSectors = ZoneBlocks * BlockSectors

	// BottomCapacityPerZone ("B" in the allocator formulas) and
	// TopCapacityPerZone ("T") are the total bottom/top block counts
	// across all 64 pairs of a single zone.
	BottomCapacityPerZone = BottomTrackBlocks * TrackPairsPerZone // 36352
	TopCapacityPerZone    = TopTrackBlocks * TrackPairsPerZone    // 29184

	maxDeviceSectors = (10 << 40) / SectorSize // 10 TiB in sectors
)

func init() {
	// Invariant asserted by spec.md §3: 64 × (456 + 568) = 65536.
	if ZoneBlocks != 65536 {
		panic("imrsim: zone block count invariant violated")
	}
}

// NumZones computes the zone count for a device of the given length in
// sectors, rejecting devices too small to hold one full zone or larger
// than the simulator supports.
func NumZones(deviceSectors uint64) (uint32, error) {
	if deviceSectors < ZoneSectors {
		return 0, errors.Errorf("imrsim: device has %d sectors, smaller than one zone (%d)", deviceSectors, ZoneSectors)
	}
	if deviceSectors > maxDeviceSectors {
		return 0, errors.Errorf("imrsim: device has %d sectors, exceeds 10 TiB limit", deviceSectors)
	}
	return uint32(deviceSectors / ZoneSectors), nil
}

// zoneOf returns the zone index containing lba.
func zoneOf(lba uint64) uint32 {
	return uint32(lba / ZoneSectors)
}

// zoneBaseLBA returns the first sector of zone zi.
func zoneBaseLBA(zi uint32) uint64 {
	return uint64(zi) * ZoneSectors
}

// blockOffsetInZone returns lba's block offset relative to its zone's
// base, discarding the sub-block sector offset.
func blockOffsetInZone(lba uint64) uint32 {
	rel := lba % ZoneSectors
	return uint32(rel / BlockSectors)
}

// sectorOffsetInBlock returns the sub-block sector offset of lba, which
// translation must preserve.
func sectorOffsetInBlock(lba uint64) uint64 {
	return (lba % ZoneSectors) % BlockSectors
}

// trackPairOf returns which of the 64 track pairs a zone-relative block
// offset falls in.
func trackPairOf(blockOffset uint32) uint32 {
	return blockOffset / (TopTrackBlocks + BottomTrackBlocks)
}

// isTopHalf reports whether a zone-relative block offset lands in the
// top (narrower) track of its pair.
func isTopHalf(blockOffset uint32) bool {
	return blockOffset%(TopTrackBlocks+BottomTrackBlocks) < TopTrackBlocks
}
