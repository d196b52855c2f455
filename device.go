// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imrsim

import (
	"context"
	"os"

	"github.com/pkg/errors"
)

// BlockDevice is the backing-device abstraction the core consumes, in
// place of the kernel block layer's bio/submit_bio surface. It is the
// only place this module performs real I/O.
type BlockDevice interface {
	ReadAt(ctx context.Context, p []byte, offset int64) error
	WriteAt(ctx context.Context, p []byte, offset int64) error
	Sync(ctx context.Context) error
	// SizeSectors returns the device's total capacity in sectors.
	SizeSectors() uint64
}

// FileBlockDevice is a BlockDevice backed by a plain file, adapted from
// the teacher's BlockBackend (zchee-go-qcow2/block.go): an owning value
// wrapping *os.File rather than a package-level handle.
type FileBlockDevice struct {
	f    *os.File
	size uint64
}

// OpenFileBlockDevice opens (or creates) filename as a backing device of
// the given size in sectors, truncating/growing it to fit.
func OpenFileBlockDevice(filename string, sizeSectors uint64) (*FileBlockDevice, error) {
	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "imrsim: open backing file")
	}
	if err := f.Truncate(int64(sizeSectors) * SectorSize); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "imrsim: size backing file")
	}
	return &FileBlockDevice{f: f, size: sizeSectors}, nil
}

func (d *FileBlockDevice) ReadAt(ctx context.Context, p []byte, offset int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := d.f.ReadAt(p, offset)
	return errors.Wrap(err, "imrsim: backing read")
}

func (d *FileBlockDevice) WriteAt(ctx context.Context, p []byte, offset int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := d.f.WriteAt(p, offset)
	return errors.Wrap(err, "imrsim: backing write")
}

func (d *FileBlockDevice) Sync(ctx context.Context) error {
	return errors.Wrap(d.f.Sync(), "imrsim: backing sync")
}

func (d *FileBlockDevice) SizeSectors() uint64 { return d.size }

// Close releases the underlying file handle.
func (d *FileBlockDevice) Close() error {
	return d.f.Close()
}

// Direction distinguishes a read request from a write request.
type Direction uint8

const (
	DirRead Direction = iota
	DirWrite
)

// BlockRequest is the request surface of spec.md §6: direction, starting
// sector, sector count, and (for writes) the payload to forward.
type BlockRequest struct {
	Dir      Direction
	StartLBA uint64
	Sectors  uint32
	Data     []byte // write payload; nil for reads
}

// Outcome reports what the Gateway did with a request.
type Outcome uint8

const (
	OutcomeRemapped Outcome = iota
	OutcomeSubmitted
	OutcomeError
)
