// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imrsim

import "sync"

// ZoneCondition mirrors imrsim_zone_conditions from the original device
// mapper target.
type ZoneCondition uint16

const (
	ZoneNoWP    ZoneCondition = 0x00
	ZoneEmpty   ZoneCondition = 0x01
	ZoneClosed  ZoneCondition = 0x02
	ZoneRO      ZoneCondition = 0x0D
	ZoneFull    ZoneCondition = 0x0E
	ZoneOffline ZoneCondition = 0x0F
)

// ZoneType is always Conventional in this core; the enum is kept for
// wire-compatibility with the control surface's query records.
type ZoneType uint8

const (
	ZoneTypeReserved     ZoneType = 0x00
	ZoneTypeConventional ZoneType = 0x01
	ZoneTypeSequential   ZoneType = 0x02
	ZoneTypePreferred    ZoneType = 0x04
)

// unmapped marks a mapping-table slot that has never been allocated.
const unmapped int32 = -1

// OutOfPolicyReadStats tracks reads that crossed a zone boundary.
type OutOfPolicyReadStats struct {
	SpanZonesCount uint32
}

// OutOfPolicyWriteStats tracks writes that crossed a zone boundary or
// were misaligned.
type OutOfPolicyWriteStats struct {
	SpanZonesCount uint32
	UnalignedCount uint32
}

// ZoneStats holds the per-zone counters of spec.md §4.8.
type ZoneStats struct {
	OutOfPolicyRead  OutOfPolicyReadStats
	OutOfPolicyWrite OutOfPolicyWriteStats
	ExtraWriteTotal  uint32
	WriteTotal       uint32
}

// ZoneStatus is the in-memory representation of one zone: its status
// bits, top-track occupancy bitmaps, and logical→physical mapping
// table. It corresponds to imrsim_zone_status in imrsim_types.h.
type ZoneStatus struct {
	Index         uint32
	LengthSectors uint32
	Cond          ZoneCondition
	Type          ZoneType

	// isUsedBlock[pair][slot] records whether a top-track block has
	// ever been written. Indexed the same way the RMW planner reads
	// it: pair in [0, TrackPairsPerZone), slot in [0, TopTrackBlocks).
	isUsedBlock [TrackPairsPerZone][TopTrackBlocks]bool

	// mapping holds, for each logical block offset within the zone, the
	// PBA block offset it was assigned, or unmapped.
	mapping [ZoneBlocks]int32

	// mapSize is the count of mapped entries ("z_map_size").
	mapSize uint32
}

func newZoneStatus(idx uint32) *ZoneStatus {
	zs := &ZoneStatus{
		Index:         idx,
		LengthSectors: ZoneSectors,
		Cond:          ZoneEmpty,
		Type:          ZoneTypeConventional,
	}
	for i := range zs.mapping {
		zs.mapping[i] = unmapped
	}
	return zs
}

// MapSize returns the count of mapped logical-block slots in the zone
// ("z_map_size").
func (zs *ZoneStatus) MapSize() uint32 { return zs.mapSize }

// IsTopBlockUsed reports whether the given top-track pair/slot has ever
// been written.
func (zs *ZoneStatus) IsTopBlockUsed(pair, slot uint32) bool {
	return zs.isUsedBlock[pair][slot]
}

func (zs *ZoneStatus) reset() {
	for i := range zs.mapping {
		zs.mapping[i] = unmapped
	}
	for p := range zs.isUsedBlock {
		for s := range zs.isUsedBlock[p] {
			zs.isUsedBlock[p][s] = false
		}
	}
	zs.mapSize = 0
	zs.Cond = ZoneEmpty
}

// DevConfig holds the device-wide tunables of spec.md §3/§6.
type DevConfig struct {
	// Phase selects the allocation strategy (see alloc.go). Phase2 is
	// the documented default.
	Phase AllocPhase

	OutOfPolicyReadFlag  bool
	OutOfPolicyWriteFlag bool

	// Penalty durations, in microseconds, applied to overridden
	// out-of-policy requests.
	ReadPenaltyMicros  uint16
	WritePenaltyMicros uint16

	LogEnabled bool

	ZoneSizeDefault uint32
}

// DefaultDevConfig returns the configuration spec.md describes as the
// default (phase 2, overrides disabled, no penalty).
func DefaultDevConfig() DevConfig {
	return DevConfig{
		Phase:           Phase2,
		ZoneSizeDefault: ZoneBlocks,
	}
}

// AggregateStats holds the device-wide counters of spec.md §4.8.
type AggregateStats struct {
	IdleTimeMinSeconds uint32
	IdleTimeMaxSeconds uint32
	ExtraWriteTotal    uint64
	WriteTotal         uint64
}

// GlobalState is the full in-memory image the persistence engine
// serializes: header metadata, configuration, aggregate stats, and the
// per-zone stats/status arrays. It corresponds to imrsim_state.
type GlobalState struct {
	Version   uint32
	Config    DevConfig
	Aggregate AggregateStats
	Zones     []*ZoneStatus
	ZoneStats []ZoneStats

	lastReadErr  *SimError
	lastWriteErr *SimError
}

// ZoneStateStore is the mutex-guarded owner of GlobalState. zone_lock in
// spec.md §5 is this mutex.
type ZoneStateStore struct {
	mu    sync.Mutex
	state *GlobalState
}

// NewZoneStateStore builds a fresh store with numZones empty zones.
func NewZoneStateStore(numZones uint32) *ZoneStateStore {
	zones := make([]*ZoneStatus, numZones)
	for i := range zones {
		zones[i] = newZoneStatus(uint32(i))
	}
	return &ZoneStateStore{
		state: &GlobalState{
			Version:   1,
			Config:    DefaultDevConfig(),
			Zones:     zones,
			ZoneStats: make([]ZoneStats, numZones),
		},
	}
}

// Lock/Unlock expose zone_lock directly to callers (Gateway, control
// surface, persistence engine) that need to hold it across several
// operations, matching spec.md §5's description of a single mutex
// taken for the duration of translation and RMW scheduling.
func (s *ZoneStateStore) Lock()   { s.mu.Lock() }
func (s *ZoneStateStore) Unlock() { s.mu.Unlock() }

// State returns the guarded state. Callers must hold the lock.
func (s *ZoneStateStore) State() *GlobalState { return s.state }

// Snapshot returns a deep copy of the current state for read-only
// callers (the control surface's QUERY opcode) so that responses never
// alias live mapping-table memory across the lock boundary.
func (s *ZoneStateStore) Snapshot() *GlobalState {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := &GlobalState{
		Version:   s.state.Version,
		Config:    s.state.Config,
		Aggregate: s.state.Aggregate,
	}
	cp.Zones = make([]*ZoneStatus, len(s.state.Zones))
	for i, z := range s.state.Zones {
		zc := *z
		cp.Zones[i] = &zc
	}
	cp.ZoneStats = make([]ZoneStats, len(s.state.ZoneStats))
	copy(cp.ZoneStats, s.state.ZoneStats)
	return cp
}
