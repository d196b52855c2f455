// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imrsim

import (
	"context"
	"sync"
)

// memDevice is an in-memory BlockDevice fake used by tests in place of
// a real backing file.
type memDevice struct {
	mu   sync.Mutex
	data []byte
}

func newMemDevice(sectors uint64) *memDevice {
	return &memDevice{data: make([]byte, sectors*SectorSize)}
}

func (d *memDevice) ReadAt(ctx context.Context, p []byte, offset int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(p, d.data[offset:offset+int64(len(p))])
	return nil
}

func (d *memDevice) WriteAt(ctx context.Context, p []byte, offset int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.data[offset:offset+int64(len(p))], p)
	return nil
}

func (d *memDevice) Sync(ctx context.Context) error { return nil }

func (d *memDevice) SizeSectors() uint64 { return uint64(len(d.data)) / SectorSize }
