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

// Package epoll is the OS-level readiness-event primitive behind
// sock.Source: a single background poller shared by every registered file
// descriptor, reporting read/write readiness independently per fd.
//
// Grounded on the teacher's connstate package (connstate/poll.go,
// poll_linux.go, poll_bsd.go): a package-level poller created once via
// sync.Once and driven by one dedicated goroutine running its wait loop,
// same shape as connstate.createPoller/poller.wait. Unlike connstate (which
// only needs to detect EOF/error on an otherwise idle fd), this poller must
// also arm/disarm read and write interest independently per spec.md section
// 4.C's write-source suspend/resume discipline, so the platform backends
// track an interest bitmask per fd instead of a fixed EPOLLHUP|EPOLLRDHUP
// mask.
package epoll

import (
	"fmt"
	"sync"
)

// sysPoller is implemented once per platform (poll_linux.go, poll_bsd.go).
type sysPoller interface {
	add(fd int) error
	modify(fd int, readArmed, writeArmed bool) error
	remove(fd int) error
	// wait blocks processing readiness events until close() is called. For
	// each event it invokes cb with the fd and which directions fired.
	wait(cb func(fd int, readable, writable, hup bool)) error
	close() error
}

// entry is the bookkeeping kept per registered fd.
type entry struct {
	fd         int
	readArmed  bool
	writeArmed bool
	onReadable func()
	onWritable func()
	onHangup   func()
	registered bool
}

// Poller multiplexes readiness events for many file descriptors onto one
// background goroutine.
type Poller struct {
	sys sysPoller

	mu      sync.Mutex
	entries map[int]*entry
}

var (
	defaultOnce sync.Once
	defaultP    *Poller
	defaultErr  error
)

// Default returns the process-wide poller, creating it (and its background
// wait goroutine) on first use. This mirrors connstate's lazily-created
// package-level poller: the OS event-multiplexer is shared infrastructure,
// not application configuration, so it is not threaded through as a
// parameter the way the logger/debug-flag design note in spec.md section 9
// requires for actual behavioral knobs.
func Default() (*Poller, error) {
	defaultOnce.Do(func() {
		defaultP, defaultErr = newPoller()
		if defaultErr == nil {
			go func() {
				_ = defaultP.run()
			}()
		}
	})
	return defaultP, defaultErr
}

func newPoller() (*Poller, error) {
	sys, err := openSysPoller()
	if err != nil {
		return nil, fmt.Errorf("epoll: open: %w", err)
	}
	return &Poller{sys: sys, entries: make(map[int]*entry)}, nil
}

// Register adds fd to the poller with both directions initially disarmed.
// onReadable/onWritable are invoked (on the poller's background goroutine)
// whenever the corresponding armed direction becomes ready; onHangup is
// invoked, instead of either of them, for every event that reports a
// hangup or error on fd.
func (p *Poller) Register(fd int, onReadable, onWritable, onHangup func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[fd]; ok {
		return fmt.Errorf("epoll: fd %d already registered", fd)
	}
	e := &entry{fd: fd, onReadable: onReadable, onWritable: onWritable, onHangup: onHangup}
	if err := p.sys.add(fd); err != nil {
		return err
	}
	e.registered = true
	p.entries[fd] = e
	return nil
}

// ArmRead/DisarmRead/ArmWrite/DisarmWrite update interest for fd. They are
// idempotent in effect: arming an already-armed direction (or disarming an
// already disarmed one) re-applies the same interest mask, though the
// modify syscall is still issued each time. sock.Source keeps its own
// armed flag and skips redundant calls; this layer just reflects the
// requested state into the kernel.
func (p *Poller) ArmRead(fd int) error  { return p.setInterest(fd, boolPtr(true), nil) }
func (p *Poller) DisarmRead(fd int) error { return p.setInterest(fd, boolPtr(false), nil) }
func (p *Poller) ArmWrite(fd int) error { return p.setInterest(fd, nil, boolPtr(true)) }
func (p *Poller) DisarmWrite(fd int) error { return p.setInterest(fd, nil, boolPtr(false)) }

func boolPtr(b bool) *bool { return &b }

func (p *Poller) setInterest(fd int, read, write *bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[fd]
	if !ok {
		return fmt.Errorf("epoll: fd %d not registered", fd)
	}
	if read != nil {
		e.readArmed = *read
	}
	if write != nil {
		e.writeArmed = *write
	}
	return p.sys.modify(fd, e.readArmed, e.writeArmed)
}

// Remove deregisters fd. Safe to call even if Register failed partway.
func (p *Poller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[fd]
	if !ok {
		return nil
	}
	delete(p.entries, fd)
	if !e.registered {
		return nil
	}
	return p.sys.remove(fd)
}

func (p *Poller) run() error {
	return p.sys.wait(func(fd int, readable, writable, hup bool) {
		p.mu.Lock()
		e, ok := p.entries[fd]
		p.mu.Unlock()
		if !ok {
			return
		}
		if hup && e.onHangup != nil {
			e.onHangup()
			return
		}
		if readable && e.readArmed && e.onReadable != nil {
			e.onReadable()
		}
		if writable && e.writeArmed && e.onWritable != nil {
			e.onWritable()
		}
	})
}

// Close shuts the poller down. Nothing in this module calls it: the default
// poller stays alive for the lifetime of the process.
func (p *Poller) Close() error {
	return p.sys.close()
}
