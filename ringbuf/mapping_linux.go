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

//go:build linux

package ringbuf

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ringsock/ringsock/rserr"
)

// mirrorMapping is the "magic ring buffer" trick: reserve a PROT_NONE region
// of 2*size, then map the same anonymous-memory file descriptor twice, fixed,
// into the lower and upper half. Any linear window of up to `size` bytes
// starting anywhere in [0, size) is then valid address space, because the
// upper half aliases the same physical pages as the lower half.
//
// Grounded on pault.ag/go/go-diskring's ring.go/alloc.go/syscall.go, which
// does the same double-MAP_FIXED dance against a real file; here the backing
// store is an anonymous memfd_create(2) region instead, since this is a pure
// in-memory SPSC queue rather than a persisted buffer.
type mirrorMapping struct {
	fd   int
	base uintptr
	size int
	mem  []byte
}

func newPlatformMapping(size int) (mapping, error) {
	fd, err := unix.MemfdCreate("ringsock-ringbuf", 0)
	if err != nil {
		return nil, rserr.NewOp(rserr.KindKernel, "memfd_create", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, rserr.NewOp(rserr.KindKernel, "ftruncate", err)
	}

	base, _, errno := unix.Syscall6(unix.SYS_MMAP, 0, uintptr(size*2),
		unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE, ^uintptr(0), 0)
	if errno != 0 {
		unix.Close(fd)
		return nil, rserr.NewOp(rserr.KindKernel, "mmap.reserve", errno)
	}

	lower, _, errno := unix.Syscall6(unix.SYS_MMAP, base, uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_FIXED|unix.MAP_SHARED, uintptr(fd), 0)
	if errno != 0 {
		unmapRaw(base, uintptr(size*2))
		unix.Close(fd)
		return nil, rserr.NewOp(rserr.KindKernel, "mmap.lower", errno)
	}
	if lower != base {
		unmapRaw(base, uintptr(size*2))
		unix.Close(fd)
		return nil, rserr.NewOp(rserr.KindKernel, "mmap.lower", unix.EINVAL)
	}

	upper, _, errno := unix.Syscall6(unix.SYS_MMAP, base+uintptr(size), uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_FIXED|unix.MAP_SHARED, uintptr(fd), 0)
	if errno != 0 {
		unmapRaw(base, uintptr(size*2))
		unix.Close(fd)
		return nil, rserr.NewOp(rserr.KindKernel, "mmap.upper", errno)
	}
	if upper != base+uintptr(size) {
		unmapRaw(base, uintptr(size*2))
		unix.Close(fd)
		return nil, rserr.NewOp(rserr.KindKernel, "mmap.upper", unix.EINVAL)
	}

	mem := unsafe.Slice((*byte)(unsafe.Pointer(base)), size*2)
	return &mirrorMapping{fd: fd, base: base, size: size, mem: mem}, nil
}

func unmapRaw(addr, length uintptr) {
	unix.Syscall(unix.SYS_MUNMAP, addr, length, 0)
}

func (m *mirrorMapping) Cap() int { return m.size }

// window returns the n-byte slice starting at logical offset off; off < m.size
// always holds by construction (cursors are modulo capacity), and the
// mirror guarantees [off, off+n) is valid address space for any n <= m.size.
func (m *mirrorMapping) window(off, n int) []byte {
	return m.mem[off : off+n]
}

func (m *mirrorMapping) WriteWindow(off, n int) []byte { return m.window(off, n) }

func (m *mirrorMapping) FlushWrite(off, acquiredN, n int) {
	// no-op: WriteWindow already wrote through the mapping directly.
}

func (m *mirrorMapping) ReadWindow(off, n int) []byte { return m.window(off, n) }

func (m *mirrorMapping) Close() error {
	unmapRaw(m.base, uintptr(m.size*2))
	return unix.Close(m.fd)
}
