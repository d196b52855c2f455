// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imrsim

import "github.com/prometheus/client_golang/prometheus"

// statsRegistry mirrors the in-memory AggregateStats/ZoneStats counters
// into Prometheus, the way buildbarn-bb-storage's block allocators keep
// a prometheus.Counter next to a plain struct field: the struct stays
// the source of truth that gets persisted, Prometheus is purely an
// observability projection of it.
type statsRegistry struct {
	writeTotal      prometheus.Counter
	extraWriteTotal prometheus.Counter
	spanReadTotal   prometheus.Counter
	spanWriteTotal  prometheus.Counter
	unalignedTotal  prometheus.Counter
}

func newStatsRegistry(reg prometheus.Registerer) *statsRegistry {
	sr := &statsRegistry{
		writeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imrsim", Subsystem: "device", Name: "writes_total",
			Help: "Total write requests completed, including RMW-induced extra writes.",
		}),
		extraWriteTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imrsim", Subsystem: "device", Name: "extra_writes_total",
			Help: "Total extra writes performed by the RMW planner.",
		}),
		spanReadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imrsim", Subsystem: "device", Name: "out_of_policy_read_spans_total",
			Help: "Reads that spanned out of their zone.",
		}),
		spanWriteTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imrsim", Subsystem: "device", Name: "out_of_policy_write_spans_total",
			Help: "Writes that spanned out of their zone.",
		}),
		unalignedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imrsim", Subsystem: "device", Name: "unaligned_writes_total",
			Help: "Writes not aligned to a block boundary.",
		}),
	}
	if reg != nil {
		reg.MustRegister(sr.writeTotal, sr.extraWriteTotal, sr.spanReadTotal, sr.spanWriteTotal, sr.unalignedTotal)
	}
	return sr
}

// getAndClearReadError returns the last read error and clears it, the
// single-shot semantics of spec.md §4.8/§7's last-error registers.
// Callers must hold zone_lock.
func getAndClearReadError(st *GlobalState) *SimError {
	e := st.lastReadErr
	st.lastReadErr = nil
	return e
}

// getAndClearWriteError is the write-side counterpart of
// getAndClearReadError. Callers must hold zone_lock.
func getAndClearWriteError(st *GlobalState) *SimError {
	e := st.lastWriteErr
	st.lastWriteErr = nil
	return e
}

func recordReadError(st *GlobalState, err *SimError)  { st.lastReadErr = err }
func recordWriteError(st *GlobalState, err *SimError) { st.lastWriteErr = err }
