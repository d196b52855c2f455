// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imrsim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestGateway(numZones uint32) (*Gateway, *ZoneStateStore, *memDevice) {
	store := NewZoneStateStore(numZones)
	dev := newMemDevice(uint64(numZones) * ZoneSectors)
	gw := NewGateway(store, dev, nil, nil, nil)
	return gw, store, dev
}

func TestGateway_WriteThenReadRoundTrip(t *testing.T) {
	gw, _, _ := newTestGateway(2)
	ctx := context.Background()

	payload := make([]byte, BlockSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	outcome, err := gw.Submit(ctx, BlockRequest{Dir: DirWrite, StartLBA: 0, Sectors: BlockSectors, Data: payload})
	require.NoError(t, err)
	require.Equal(t, OutcomeRemapped, outcome)

	outcome, err = gw.Submit(ctx, BlockRequest{Dir: DirRead, StartLBA: 0, Sectors: BlockSectors})
	require.NoError(t, err)
	require.Equal(t, OutcomeRemapped, outcome)
}

// S6: reading an unmapped block with overrides disabled fails with
// READ_POINTER, and the error register returns-and-clears it.
func TestGateway_S6_ReadUnmappedFails(t *testing.T) {
	gw, store, _ := newTestGateway(2)
	ctx := context.Background()

	outcome, err := gw.Submit(ctx, BlockRequest{Dir: DirRead, StartLBA: 100000 * BlockSectors, Sectors: BlockSectors})
	require.Error(t, err)
	require.Equal(t, OutcomeError, outcome)
	simErr, ok := err.(*SimError)
	require.True(t, ok)
	require.Equal(t, CodeReadPointer, simErr.Code)

	ctrl := NewControlSurface(store, nil, nil)
	got := ctrl.GetLastReadError()
	require.NotNil(t, got)
	require.Equal(t, CodeReadPointer, got.Code)
	require.Nil(t, ctrl.GetLastReadError())
}

func TestGateway_OutOfRangeZone(t *testing.T) {
	gw, _, _ := newTestGateway(1)
	ctx := context.Background()
	outcome, err := gw.Submit(ctx, BlockRequest{Dir: DirRead, StartLBA: ZoneSectors * 5, Sectors: BlockSectors})
	require.Error(t, err)
	require.Equal(t, OutcomeError, outcome)
	require.Equal(t, CodeOutRange, err.(*SimError).Code)
}

func TestGateway_OfflineZoneRejectsAll(t *testing.T) {
	gw, store, _ := newTestGateway(1)
	store.Lock()
	store.state.Zones[0].Cond = ZoneOffline
	store.Unlock()

	ctx := context.Background()
	outcome, err := gw.Submit(ctx, BlockRequest{Dir: DirWrite, StartLBA: 0, Sectors: BlockSectors, Data: make([]byte, BlockSize)})
	require.Error(t, err)
	require.Equal(t, OutcomeError, outcome)
	require.Equal(t, CodeZoneOffline, err.(*SimError).Code)
}

// A write whose sector range crosses into the next zone (but no more
// than one zone beyond zi, so it passes the >2-zone check in step 3)
// must fail at step 6 with CodeWriteBorder, with the last-write-error
// register set to match, per spec.md §7 ("Gateway sets the matching
// last-error register").
func TestGateway_WriteSpanningZoneFailsWithBorderAndRecordsError(t *testing.T) {
	gw, store, _ := newTestGateway(2)
	ctx := context.Background()

	lastBlockLBA := ZoneSectors - BlockSectors
	outcome, err := gw.Submit(ctx, BlockRequest{
		Dir: DirWrite, StartLBA: lastBlockLBA, Sectors: BlockSectors * 2, Data: make([]byte, BlockSize*2),
	})
	require.Error(t, err)
	require.Equal(t, OutcomeError, outcome)
	simErr, ok := err.(*SimError)
	require.True(t, ok)
	require.Equal(t, CodeWriteBorder, simErr.Code)

	ctrl := NewControlSurface(store, nil, nil)
	got := ctrl.GetLastWriteError()
	require.NotNil(t, got)
	require.Equal(t, CodeWriteBorder, got.Code)
	require.Nil(t, ctrl.GetLastWriteError())
}

// Same scenario with the write override enabled: the request must
// succeed (penalty applied, no error) rather than fail.
func TestGateway_WriteSpanningZoneSucceedsWithOverride(t *testing.T) {
	gw, store, _ := newTestGateway(2)
	store.Lock()
	store.state.Config.OutOfPolicyWriteFlag = true
	store.Unlock()

	ctx := context.Background()
	lastBlockLBA := ZoneSectors - BlockSectors
	outcome, err := gw.Submit(ctx, BlockRequest{
		Dir: DirWrite, StartLBA: lastBlockLBA, Sectors: BlockSectors * 2, Data: make([]byte, BlockSize*2),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRemapped, outcome)
}

func TestGateway_ReadOnlyZoneRejectsWrite(t *testing.T) {
	gw, store, _ := newTestGateway(1)
	store.Lock()
	store.state.Zones[0].Cond = ZoneRO
	store.Unlock()

	ctx := context.Background()
	outcome, err := gw.Submit(ctx, BlockRequest{Dir: DirWrite, StartLBA: 0, Sectors: BlockSectors, Data: make([]byte, BlockSize)})
	require.Error(t, err)
	require.Equal(t, OutcomeError, outcome)
	require.Equal(t, CodeWriteRO, err.(*SimError).Code)
}

// S4 end-to-end through the Gateway: filling a zone's bottom tracks then
// updating the first block triggers exactly one RMW-submitted write.
func TestGateway_S4_RMWSubmitted(t *testing.T) {
	gw, _, _ := newTestGateway(1)
	ctx := context.Background()
	payload := make([]byte, BlockSize)

	for i := uint64(0); i < BottomCapacityPerZone; i++ {
		outcome, err := gw.Submit(ctx, BlockRequest{Dir: DirWrite, StartLBA: i * BlockSectors, Sectors: BlockSectors, Data: payload})
		require.NoError(t, err)
		require.Equal(t, OutcomeRemapped, outcome)
	}
	// Allocate the first top-track slot of pair 0, setting its occupancy bit.
	outcome, err := gw.Submit(ctx, BlockRequest{Dir: DirWrite, StartLBA: BottomCapacityPerZone * BlockSectors, Sectors: BlockSectors, Data: payload})
	require.NoError(t, err)
	require.Equal(t, OutcomeRemapped, outcome)

	// Update logical block 0: should trigger one RMW.
	outcome, err = gw.Submit(ctx, BlockRequest{Dir: DirWrite, StartLBA: 0, Sectors: BlockSectors, Data: payload})
	require.NoError(t, err)
	require.Equal(t, OutcomeSubmitted, outcome)
}
