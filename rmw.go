// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imrsim

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// topSlotFor computes the overlapping top-track slot for a bottom-track
// slot index, using the ×10,000-scaled integer rational arithmetic of
// spec.md §4.4. trackrate is folded away algebraically: both forms are
// provided so the relationship to the original fixed-point constant is
// visible, but only the simplified form's result is returned.
func topSlotFor(bottomSlot uint32) uint32 {
	const scale = 10000
	trackrate := BottomTrackBlocks * scale / TopTrackBlocks
	topSlotScaled := bottomSlot * scale / trackrate
	_ = topSlotScaled // equals (bottomSlot*TopTrackBlocks)/BottomTrackBlocks
	return (bottomSlot * TopTrackBlocks) / BottomTrackBlocks
}

// rmwNeighbor identifies one top-track location the planner must back
// up before a bottom-track write proceeds.
type rmwNeighbor struct {
	pair uint32
	slot uint32
	lba  uint64 // LBA of the top-track block, for backing-device I/O
}

// planRMW examines the two track pairs neighboring a bottom-track write
// and returns the set of top-track blocks that must be backed up and
// rewritten, per spec.md §4.4. Callers must hold zone_lock.
func planRMW(zs *ZoneStatus, pbaOffset uint32) []rmwNeighbor {
	pair := trackPairOf(pbaOffset)
	boff := pbaOffset % (TopTrackBlocks + BottomTrackBlocks)
	if boff < TopTrackBlocks {
		// Not a bottom-track offset; nothing to plan.
		return nil
	}
	boff -= TopTrackBlocks
	topSlot := topSlotFor(boff)

	var neighbors []rmwNeighbor
	base := zoneBaseLBA(zs.Index)
	for _, p := range [2]uint32{pair, pair + 1} {
		if p >= TrackPairsPerZone {
			continue
		}
		if zs.isUsedBlock[p][topSlot] {
			topPBA := p*(TopTrackBlocks+BottomTrackBlocks) + topSlot
			neighbors = append(neighbors, rmwNeighbor{
				pair: p,
				slot: topSlot,
				lba:  base + uint64(topPBA)*BlockSectors,
			})
		}
	}
	return neighbors
}

// accountRMW increments the per-zone and aggregate write counters for
// each scheduled neighbor, per spec.md §4.4 ("increment ... once per
// neighbor"), and mirrors the same per-neighbor increments into the
// Prometheus write and extra-write counters so they never drift from the
// struct fields that are the source of truth. Callers must hold zone_lock.
func accountRMW(zst *ZoneStats, agg *AggregateStats, stats *statsRegistry, neighborCount int) {
	for i := 0; i < neighborCount; i++ {
		zst.ExtraWriteTotal++
		zst.WriteTotal++
		agg.ExtraWriteTotal++
		agg.WriteTotal++
		if stats != nil {
			stats.extraWriteTotal.Inc()
			stats.writeTotal.Inc()
		}
	}
}

// rmwExecutor performs the read-backup -> primary-write -> write-back
// sequence of spec.md §4.4/§5 for a single RMW-requiring write. It is
// modeled as a fire-and-wait sub-task (per SPEC_FULL.md's C4 note):
// zone_lock is NOT held while this runs; it is released by the Gateway
// before the executor starts its own blocking I/O.
type rmwExecutor struct {
	dev     BlockDevice
	log     *zap.Logger
	primary BlockRequest
}

// run executes the RMW sequence and reports any backing-device failure.
// The caller awaits this synchronously (spec.md §5: "the Gateway awaits
// this completion before declaring the I/O submitted").
func (e *rmwExecutor) run(ctx context.Context, neighbors []rmwNeighbor) error {
	backups := make([][]byte, len(neighbors))

	for i, n := range neighbors {
		buf := make([]byte, BlockSize)
		if err := e.dev.ReadAt(ctx, buf, int64(n.lba)*SectorSize); err != nil {
			return errors.Wrapf(err, "imrsim: rmw backup read of pair %d slot %d failed", n.pair, n.slot)
		}
		backups[i] = buf
	}

	if err := e.dev.WriteAt(ctx, e.primary.Data, int64(e.primary.StartLBA)*SectorSize); err != nil {
		return errors.Wrap(err, "imrsim: rmw primary write failed")
	}

	for i, n := range neighbors {
		if err := e.dev.WriteAt(ctx, backups[i], int64(n.lba)*SectorSize); err != nil {
			if e.log != nil {
				e.log.Error("rmw write-back failed",
					zap.Uint32("pair", n.pair), zap.Uint32("slot", n.slot), zap.Error(err))
			}
			return errors.Wrapf(err, "imrsim: rmw write-back of pair %d slot %d failed", n.pair, n.slot)
		}
	}

	if e.log != nil {
		e.log.Debug("rmw completed", zap.Int("neighbors", len(neighbors)))
	}
	return nil
}
