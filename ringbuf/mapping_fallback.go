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

//go:build !linux

package ringbuf

import "github.com/bytedance/gopkg/lang/mcache"

// splitCopyMapping is the fallback for hosts without an atomic VM-remap
// primitive (spec.md section 9). It keeps a single flat buffer and presents
// the same "always linear" contract as mirrorMapping by copying the wrapped
// tail into a pooled scratch buffer whenever a window crosses the boundary.
// The contiguous-view contract is identical to the mirror; only the cost of
// a wrapping access differs (one extra memcpy instead of zero).
type splitCopyMapping struct {
	buf  []byte
	size int

	// Separate scratch buffers for the write and read paths: a producer
	// filling a wrapped WriteWindow and a consumer reading a wrapped
	// ReadWindow may run concurrently (spec.md section 5), so they must
	// never share one private buffer.
	writeScratch []byte
	readScratch  []byte
}

func newPlatformMapping(size int) (mapping, error) {
	return &splitCopyMapping{buf: make([]byte, size), size: size}, nil
}

func (m *splitCopyMapping) Cap() int { return m.size }

func wrappedCopy(scratch []byte, n int, buf []byte, size, off int) []byte {
	if cap(scratch) < n {
		if scratch != nil {
			mcache.Free(scratch)
		}
		scratch = mcache.Malloc(n)
	}
	scratch = scratch[:n]
	first := size - off
	copy(scratch[:first], buf[off:size])
	copy(scratch[first:], buf[0:n-first])
	return scratch
}

func (m *splitCopyMapping) WriteWindow(off, n int) []byte {
	if off+n <= m.size {
		return m.buf[off : off+n]
	}
	m.writeScratch = wrappedCopy(m.writeScratch, n, m.buf, m.size, off)
	return m.writeScratch
}

// FlushWrite copies a wrapped write-acquisition scratch buffer back into the
// underlying flat buffer. Whether WriteWindow handed back a scratch buffer
// was decided by acquiredN (the n passed to that WriteWindow call), not by
// n (the number of bytes actually committed, which commonly ends up smaller
// than acquiredN — e.g. a short socket read off a FIONREAD-sized
// acquisition) — so the wrap test here must use acquiredN too, or a
// wrapped-but-partially-committed write would be mistaken for a
// non-wrapping one and its bytes would never make it back into buf. For
// non-wrapping windows WriteWindow already returned a slice of the real
// buffer, so this is a no-op.
func (m *splitCopyMapping) FlushWrite(off, acquiredN, n int) {
	if n == 0 {
		return
	}
	if off+acquiredN <= m.size {
		return
	}
	first := m.size - off
	if n <= first {
		copy(m.buf[off:off+n], m.writeScratch[:n])
		return
	}
	copy(m.buf[off:m.size], m.writeScratch[:first])
	copy(m.buf[0:n-first], m.writeScratch[first:n])
}

func (m *splitCopyMapping) ReadWindow(off, n int) []byte {
	if off+n <= m.size {
		return m.buf[off : off+n]
	}
	m.readScratch = wrappedCopy(m.readScratch, n, m.buf, m.size, off)
	return m.readScratch
}

func (m *splitCopyMapping) Close() error {
	if m.writeScratch != nil {
		mcache.Free(m.writeScratch)
		m.writeScratch = nil
	}
	if m.readScratch != nil {
		mcache.Free(m.readScratch)
		m.readScratch = nil
	}
	m.buf = nil
	return nil
}
