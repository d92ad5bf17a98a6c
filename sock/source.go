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

package sock

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ringsock/ringsock/internal/epoll"
	"github.com/ringsock/ringsock/internal/queue"
)

type sourceKind int

const (
	kindRead sourceKind = iota
	kindWrite
)

// fdReg is the shared epoll/kqueue registration for one descriptor: a read
// Source and a write Source both hang off the same kernel registration,
// since spec.md section 4.C tracks one sourceRefCount per connection rather
// than per direction.
type fdReg struct {
	mu     sync.Mutex
	poller *epoll.Poller
	read   *Source
	write  *Source
}

func (r *fdReg) onReadable() {
	r.mu.Lock()
	s := r.read
	r.mu.Unlock()
	s.fire()
}

func (r *fdReg) onWritable() {
	r.mu.Lock()
	s := r.write
	r.mu.Unlock()
	s.fire()
}

func (r *fdReg) onHangup() {
	r.mu.Lock()
	rs, ws := r.read, r.write
	r.mu.Unlock()
	if rs != nil {
		rs.fire()
	}
	if ws != nil {
		ws.fire()
	}
}

var (
	regMu sync.Mutex
	regs  = map[int]*fdReg{}
)

// Source is one direction (read or write) of readiness for a socket
// descriptor, modeled on a GCD dispatch source: the owner sets an event
// handler and a cancel handler, then drives it with Resume/Suspend/Cancel.
// Resume and Suspend must be balanced by the caller (spec.md section 4.C's
// writeSourceRunning flag exists precisely to enforce that at the
// conn.Connection layer); Source itself only collapses repeated
// arm/disarm calls into the single flag the kernel poller wants.
type Source struct {
	fd    int
	kind  sourceKind
	queue *queue.Serial
	reg   *fdReg

	mu        sync.Mutex
	armed     bool
	cancelled bool
	onEvent   func()
	onCancel  func()
}

// newSource returns the Source for (fd, kind), creating and registering the
// shared fdReg on first use for this descriptor.
func newSource(fd int, kind sourceKind, q *queue.Serial) (*Source, error) {
	poller, err := epoll.Default()
	if err != nil {
		return nil, err
	}

	regMu.Lock()
	reg, ok := regs[fd]
	if !ok {
		reg = &fdReg{poller: poller}
		regs[fd] = reg
	}
	regMu.Unlock()

	src := &Source{fd: fd, kind: kind, queue: q, reg: reg}

	reg.mu.Lock()
	firstRegistration := reg.read == nil && reg.write == nil
	if kind == kindRead {
		reg.read = src
	} else {
		reg.write = src
	}
	reg.mu.Unlock()

	if firstRegistration {
		if err := poller.Register(fd, reg.onReadable, reg.onWritable, reg.onHangup); err != nil {
			return nil, err
		}
	}
	return src, nil
}

// SetEventHandler installs fn to run (on the owning Serial queue) whenever
// the source is armed and the descriptor becomes ready in this direction.
func (s *Source) SetEventHandler(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = fn
}

// SetCancelHandler installs fn to run exactly once, after Cancel.
func (s *Source) SetCancelHandler(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCancel = fn
}

func (s *Source) fire() {
	s.mu.Lock()
	fn := s.onEvent
	armed := s.armed
	s.mu.Unlock()
	if armed && fn != nil {
		s.queue.Async(fn)
	}
}

// Resume arms the direction. Idempotent.
func (s *Source) Resume() error {
	s.mu.Lock()
	if s.cancelled || s.armed {
		s.mu.Unlock()
		return nil
	}
	s.armed = true
	s.mu.Unlock()
	return s.setArmed(true)
}

// Suspend disarms the direction. Idempotent.
func (s *Source) Suspend() error {
	s.mu.Lock()
	if s.cancelled || !s.armed {
		s.mu.Unlock()
		return nil
	}
	s.armed = false
	s.mu.Unlock()
	return s.setArmed(false)
}

func (s *Source) setArmed(armed bool) error {
	if s.kind == kindRead {
		if armed {
			return s.reg.poller.ArmRead(s.fd)
		}
		return s.reg.poller.DisarmRead(s.fd)
	}
	if armed {
		return s.reg.poller.ArmWrite(s.fd)
	}
	return s.reg.poller.DisarmWrite(s.fd)
}

// Cancel disarms the direction, deregisters the shared fd registration once
// both directions have cancelled, and invokes the cancel handler exactly
// once on the owning queue (spec.md section 4.C: sourceRefCount reaching
// zero is what allows the connection to close its socket).
func (s *Source) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	wasArmed := s.armed
	s.armed = false
	cancelFn := s.onCancel
	s.mu.Unlock()

	if wasArmed {
		_ = s.setArmed(false)
	}

	s.reg.mu.Lock()
	if s.kind == kindRead {
		s.reg.read = nil
	} else {
		s.reg.write = nil
	}
	bothGone := s.reg.read == nil && s.reg.write == nil
	s.reg.mu.Unlock()

	if bothGone {
		regMu.Lock()
		delete(regs, s.fd)
		regMu.Unlock()
		_ = s.reg.poller.Remove(s.fd)
	}

	if cancelFn != nil {
		s.queue.Async(cancelFn)
	}
}

// Data reports a best-effort byte count for the direction: bytes readable
// (FIONREAD) for a read source, zero for a write source. It is authoritative
// for a connected stream socket's read path (spec.md section 4.C's avail =
// source.data); callers must not rely on it for a listening socket's pending
// connection count (spec.md section 9), since Linux's epoll exposes no
// equivalent of kqueue's EVFILT_READ data field for that case.
func (s *Source) Data() int {
	if s.kind != kindRead {
		return 0
	}
	n, err := unix.IoctlGetInt(s.fd, unix.FIONREAD)
	if err != nil {
		return 0
	}
	return n
}
