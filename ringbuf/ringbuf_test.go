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

package ringbuf

import (
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ringsock/ringsock/rserr"
)

func writeAll(t *testing.T, b *Buffer, data []byte) {
	buf, err := b.AcquireWrite(len(data))
	require.NoError(t, err)
	copy(buf, data)
	b.CommitWrite(len(data))
}

func readAll(t *testing.T, b *Buffer, n int) []byte {
	buf, avail := b.AcquireRead()
	require.GreaterOrEqual(t, avail, n)
	out := append([]byte(nil), buf[:n]...)
	b.CommitRead(n)
	return out
}

func TestBasicWriteRead(t *testing.T) {
	b := New(4096)
	writeAll(t, b, []byte("hello"))
	require.Equal(t, 5, b.Available())
	got := readAll(t, b, 5)
	require.Equal(t, "hello", string(got))
	require.Equal(t, 0, b.Available())
}

func TestWrapAroundIntegrity(t *testing.T) {
	// spec.md section 8, invariant 2: after a write that logically wraps,
	// AcquireRead's pointer plus available bytes is a linearly valid
	// memory range that reads the same content as the wrapped logical
	// region.
	pageSize := os.Getpagesize()
	b := New(pageSize)
	require.Equal(t, 0, b.Cap()) // unallocated until first write

	first := randomBytes(pageSize - 1)
	writeAll(t, b, first)
	require.Equal(t, pageSize, b.Cap())

	// Drain all but 1 byte, so the write cursor sits near the end and a
	// further write is forced to wrap across the boundary.
	readAll(t, b, pageSize-2)
	require.Equal(t, 1, b.Available())

	second := randomBytes(10)
	writeAll(t, b, second)
	require.Equal(t, 11, b.Available())

	got := readAll(t, b, 11)
	want := append(append([]byte(nil), first[pageSize-2:]...), second...)
	require.Equal(t, want, got)
}

func TestBackpressure(t *testing.T) {
	// The first allocation is rounded up to a whole page, so fill a full
	// page to leave no free space.
	pageSize := os.Getpagesize()
	b := New(16)
	_, err := b.AcquireWrite(pageSize)
	require.NoError(t, err)
	b.CommitWrite(pageSize)

	_, err = b.AcquireWrite(1)
	require.Error(t, err)
	require.True(t, rserr.Is(err, rserr.KindWriteBufferFull))

	readAll(t, b, pageSize)
	_, err = b.AcquireWrite(1)
	require.NoError(t, err)
}

func TestRandomInterleaving(t *testing.T) {
	// spec.md section 8, invariant 1: for any random interleaving of
	// acquire/commit respecting capacity, the byte stream read equals the
	// byte stream written.
	b := New(256)
	rng := rand.New(rand.NewSource(1))
	var written, read []byte

	for i := 0; i < 2000; i++ {
		if rng.Intn(2) == 0 || b.Available() == 0 {
			n := 1 + rng.Intn(64)
			data := randomBytes(n)
			buf, err := b.AcquireWrite(n)
			if err != nil {
				continue // ErrFullNonEmpty: backpressure, try again next iteration
			}
			copy(buf, data)
			b.CommitWrite(n)
			written = append(written, data...)
		} else {
			avail := b.Available()
			n := 1 + rng.Intn(avail)
			buf, a := b.AcquireRead()
			require.Equal(t, avail, a)
			read = append(read, buf[:n]...)
			b.CommitRead(n)
		}
	}
	// drain remainder
	for b.Available() > 0 {
		buf, a := b.AcquireRead()
		read = append(read, buf[:a]...)
		b.CommitRead(a)
	}

	require.Equal(t, written, read)
}

func TestSpliceFrom(t *testing.T) {
	src := New(4096)
	dst := New(4096)
	writeAll(t, src, []byte("splice-me"))

	n, err := dst.SpliceFrom(src)
	require.NoError(t, err)
	require.Equal(t, 9, n)
	require.Equal(t, 0, src.Available())
	require.Equal(t, "splice-me", string(readAll(t, dst, 9)))
}

func TestReset(t *testing.T) {
	b := New(4096)
	writeAll(t, b, []byte("abc"))
	b.Reset()
	require.Equal(t, 0, b.Available())
	writeAll(t, b, []byte("xyz"))
	require.Equal(t, "xyz", string(readAll(t, b, 3)))
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	rand.Read(buf)
	return buf
}
