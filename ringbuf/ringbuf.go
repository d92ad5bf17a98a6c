// Copyright 2025 The Ringsock Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ringbuf implements a single-producer/single-consumer byte queue
// whose readable region is always a single contiguous slice, even across
// wrap-around. On platforms with a VM-remap primitive this is done with a
// mirrored mapping (two adjacent virtual ranges aliasing the same physical
// pages); elsewhere it falls back to a split-copy at the wrap boundary. The
// two strategies present the identical Buffer contract below.
package ringbuf

import (
	"os"
	"sync"

	"github.com/ringsock/ringsock/rserr"
)

// mapping is the platform-specific storage strategy behind a Buffer. See
// mapping_linux.go for the mirrored-mmap implementation and
// mapping_fallback.go for the split-copy implementation used elsewhere.
type mapping interface {
	// Cap returns the mapping's capacity in bytes.
	Cap() int
	// WriteWindow returns an n-byte slice the caller will fill, starting
	// at logical offset off (off is already < Cap()). The mirror
	// implementation returns a zero-copy window directly into the
	// mapping; the fallback implementation may return a private scratch
	// buffer when the window wraps, which must be handed back via
	// FlushWrite once filled.
	WriteWindow(off, n int) []byte
	// FlushWrite copies a WriteWindow scratch buffer back into the
	// mapping (fallback only; a no-op for the mirror, since it already
	// wrote through). acquiredN is the n originally passed to the
	// matching WriteWindow call, which is what decided whether that call
	// wrapped and therefore returned a scratch buffer; n is the number of
	// bytes actually committed, which may be less than acquiredN (e.g. a
	// short socket read) and is what gets copied back.
	FlushWrite(off, acquiredN, n int)
	// ReadWindow returns an n-byte slice of already-written data starting
	// at logical offset off. Uses a separate scratch buffer from
	// WriteWindow so a concurrent wrapping read and wrapping write never
	// alias the same private buffer.
	ReadWindow(off, n int) []byte
	// Close releases the mapping.
	Close() error
}

func newMapping(size int) (mapping, error) {
	return newPlatformMapping(size)
}

// Buffer is the mirrored-mapping (or fallback split-copy) ring buffer
// described in spec.md section 4.A. It is safe for exactly one writer and
// one reader operating concurrently; it is not safe for multiple writers or
// multiple readers.
type Buffer struct {
	mu sync.Mutex // guards the mapping, capacity, cursors and counters

	m mapping

	capacity int
	initial  int

	writeCursor int
	readCursor  int

	// pendingWriteLen is the n passed to the most recent WriteWindow call,
	// i.e. the length AcquireWrite used to decide whether the window
	// wrapped. CommitWrite passes it through to FlushWrite so the flush
	// re-derives the same wrap decision WriteWindow made, even though the
	// number of bytes actually committed may be smaller (spec.md section
	// 4.C's read handler routinely acquires with the FIONREAD hint and
	// commits with a shorter count from a single partial socket.Read).
	pendingWriteLen int

	bytesWritten uint64
	bytesRead    uint64
}

// defaultInitialSize is used by New when the caller passes 0.
const defaultInitialSize = 1 << 20 // 1 MiB, per spec.md section 4.C connection defaults

// New returns a Buffer that lazily allocates initialSize bytes (rounded up
// to a whole number of pages) on first write. Passing 0 uses
// defaultInitialSize.
func New(initialSize int) *Buffer {
	if initialSize <= 0 {
		initialSize = defaultInitialSize
	}
	return &Buffer{initial: initialSize}
}

func roundUpToPage(n int) int {
	ps := os.Getpagesize()
	if n <= 0 {
		return ps
	}
	return (n + ps - 1) / ps * ps
}

// Available returns the number of unread bytes currently buffered.
func (b *Buffer) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.bytesWritten - b.bytesRead)
}

// FreeSpace returns capacity-Available(); zero if the buffer has not been
// allocated yet.
func (b *Buffer) FreeSpace() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity - int(b.bytesWritten-b.bytesRead)
}

// Cap returns the current backing capacity, 0 if unallocated.
func (b *Buffer) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// AcquireWrite returns a linear region of at least n bytes starting at the
// write cursor, per spec.md section 4.A's policy:
//
//	capacity == 0            -> allocate roundUpToPage(max(initial, n))
//	freeSpace >= n           -> return the current write pointer
//	available == 0           -> reallocate at roundUpToPage(n), discarding
//	otherwise                -> ErrFullNonEmpty (apply backpressure)
func (b *Buffer) AcquireWrite(n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acquireWriteLocked(n)
}

func (b *Buffer) acquireWriteLocked(n int) ([]byte, error) {
	if b.capacity == 0 {
		size := b.initial
		if n > size {
			size = n
		}
		if err := b.growLocked(roundUpToPage(size)); err != nil {
			return nil, err
		}
		return b.windowForWrite(n), nil
	}

	available := int(b.bytesWritten - b.bytesRead)
	free := b.capacity - available
	if free >= n {
		return b.windowForWrite(n), nil
	}
	if available == 0 {
		if err := b.growLocked(roundUpToPage(n)); err != nil {
			return nil, err
		}
		return b.windowForWrite(n), nil
	}
	return nil, rserr.ErrFullNonEmpty
}

// windowForWrite records n as pendingWriteLen before asking the mapping for
// the write window, so a later CommitWrite (which may commit fewer bytes
// than n) can tell FlushWrite the length that actually decided wrapping.
func (b *Buffer) windowForWrite(n int) []byte {
	b.pendingWriteLen = n
	return b.m.WriteWindow(b.writeCursor, n)
}

// growLocked (re)allocates the mapping to newCap bytes. It is only ever
// called when the buffer is logically empty (or unallocated), so no data
// needs to be preserved across the resize.
func (b *Buffer) growLocked(newCap int) error {
	if b.m != nil {
		_ = b.m.Close()
	}
	m, err := newMapping(newCap)
	if err != nil {
		return err
	}
	b.m = m
	b.capacity = newCap
	b.writeCursor = 0
	b.readCursor = 0
	return nil
}

// CommitWrite advances the write cursor and bytesWritten counter by n. The
// caller must have just filled (at least) n bytes of the slice returned by
// the matching AcquireWrite.
func (b *Buffer) CommitWrite(n int) {
	if n == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m.FlushWrite(b.writeCursor, b.pendingWriteLen, n)
	b.writeCursor = (b.writeCursor + n) % b.capacity
	b.bytesWritten += uint64(n)
}

// AcquireRead returns the current read pointer and fill level. The returned
// slice is always linearly addressable for up to `available` bytes,
// regardless of wrap.
func (b *Buffer) AcquireRead() ([]byte, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	available := int(b.bytesWritten - b.bytesRead)
	if available == 0 {
		return nil, 0
	}
	return b.m.ReadWindow(b.readCursor, available), available
}

// CommitRead advances the read cursor and bytesRead counter by n.
func (b *Buffer) CommitRead(n int) {
	if n == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readCursor = (b.readCursor + n) % b.capacity
	b.bytesRead += uint64(n)
}

// Reset zeroes cursors and counters but retains the mapping.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeCursor = 0
	b.readCursor = 0
	b.bytesWritten = 0
	b.bytesRead = 0
}

// Close releases the underlying mapping. The Buffer must not be used
// afterwards.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.m == nil {
		return nil
	}
	err := b.m.Close()
	b.m = nil
	b.capacity = 0
	return err
}

// SpliceFrom transfers all of src's available bytes into b in a single
// copy, using the mirror guarantee on both sides. It fails with
// ErrFullNonEmpty if b cannot grow to fit.
func (b *Buffer) SpliceFrom(src *Buffer) (int, error) {
	srcBuf, n := src.AcquireRead()
	if n == 0 {
		return 0, nil
	}
	dstBuf, err := b.AcquireWrite(n)
	if err != nil {
		return 0, err
	}
	copy(dstBuf[:n], srcBuf[:n])
	b.CommitWrite(n)
	src.CommitRead(n)
	return n, nil
}
