// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imrsim

// AllocPhase selects one of the staged allocation strategies of
// spec.md §4.3. Phase2 is the documented default; Phase1 is an
// identity pass-through useful as a control configuration for tests
// that want to isolate RMW behavior from allocation-order effects
// (see SPEC_FULL.md's C3 note, grounded on dm-imrsim.c's
// `case 1: lba = bio->bi_iter.bi_sector; break;`).
type AllocPhase uint8

const (
	Phase1 AllocPhase = 1
	Phase2 AllocPhase = 2
	Phase3 AllocPhase = 3
)

// allocate computes the PBA block offset for the s-th (0-indexed)
// block allocated within a zone, under the given phase. s is
// z_map_size at the time of allocation, i.e. the count of blocks
// already mapped.
func allocate(phase AllocPhase, s uint32, lba uint64) (pbaOffset uint32, ok bool) {
	switch phase {
	case Phase1:
		// Identity pass-through: no relocation at all.
		return blockOffsetInZone(lba), true

	case Phase2:
		if s >= BottomCapacityPerZone+TopCapacityPerZone {
			return 0, false
		}
		if s < BottomCapacityPerZone {
			pair := s / BottomTrackBlocks
			slot := s % BottomTrackBlocks
			return pair*(TopTrackBlocks+BottomTrackBlocks) + TopTrackBlocks + slot, true
		}
		s2 := s - BottomCapacityPerZone
		pair := s2 / TopTrackBlocks
		slot := s2 % TopTrackBlocks
		return pair*(TopTrackBlocks+BottomTrackBlocks) + slot, true

	case Phase3:
		if s >= BottomCapacityPerZone+TopCapacityPerZone {
			return 0, false
		}
		if s < BottomCapacityPerZone {
			pair := s / BottomTrackBlocks
			slot := s % BottomTrackBlocks
			return pair*(TopTrackBlocks+BottomTrackBlocks) + TopTrackBlocks + slot, true
		}
		half := TopCapacityPerZone / 2
		if s < BottomCapacityPerZone+half {
			s2 := s - BottomCapacityPerZone
			pair := 2 * (s2 / TopTrackBlocks)
			slot := s2 % TopTrackBlocks
			return pair*(TopTrackBlocks+BottomTrackBlocks) + slot, true
		}
		s2 := s - BottomCapacityPerZone - half
		pair := 2*(s2/TopTrackBlocks) + 1
		slot := s2 % TopTrackBlocks
		return pair*(TopTrackBlocks+BottomTrackBlocks) + slot, true

	default:
		return 0, false
	}
}

// translateWrite implements the translation contract of spec.md §4.3.
// Callers must hold zone_lock. It returns the physical LBA to forward
// the write to, whether the slot was already mapped (an update rather
// than a new allocation), and an error if the zone's mapping table is
// saturated.
func translateWrite(cfg *DevConfig, zs *ZoneStatus, lba uint64) (pba uint64, isUpdate bool, err *SimError) {
	off := blockOffsetInZone(lba)
	subSector := sectorOffsetInBlock(lba)
	base := zoneBaseLBA(zs.Index)

	if zs.mapping[off] != unmapped {
		physBlock := uint32(zs.mapping[off])
		return base + uint64(physBlock)*BlockSectors + subSector, true, nil
	}

	pbaOffset, ok := allocate(cfg.Phase, zs.mapSize, lba)
	if !ok {
		return 0, false, newErr(CodeWriteFull)
	}

	zs.mapping[off] = int32(pbaOffset)
	zs.mapSize++

	if isTopHalf(pbaOffset) {
		pair := trackPairOf(pbaOffset)
		slot := pbaOffset % (TopTrackBlocks + BottomTrackBlocks)
		zs.isUsedBlock[pair][slot] = true
	}

	return base + uint64(pbaOffset)*BlockSectors + subSector, false, nil
}

// translateRead resolves a read LBA to its physical location. If the
// logical block was never written, it reports CodeReadPointer; callers
// decide whether to fail or apply the configured override penalty.
func translateRead(zs *ZoneStatus, lba uint64) (pba uint64, err *SimError) {
	off := blockOffsetInZone(lba)
	subSector := sectorOffsetInBlock(lba)
	base := zoneBaseLBA(zs.Index)

	if zs.mapping[off] == unmapped {
		return 0, newErr(CodeReadPointer)
	}
	physBlock := uint32(zs.mapping[off])
	return base + uint64(physBlock)*BlockSectors + subSector, nil
}
