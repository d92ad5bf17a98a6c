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

//go:build darwin || netbsd || freebsd || openbsd || dragonfly

package epoll

import (
	"golang.org/x/sys/unix"
)

// kq is grounded on connstate/poll_bsd.go's kqueue type: a EVFILT_USER event
// is registered at open time purely so close() has something to trigger to
// unblock a pending Kevent call, the same trick connstate uses.
type kq struct {
	fd int
}

func openSysPoller() (sysPoller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	_, err = unix.Kevent(fd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &kq{fd: fd}, nil
}

func (p *kq) add(fd int) error {
	// Registration happens lazily in modify: kqueue has independent
	// per-filter registrations (EVFILT_READ / EVFILT_WRITE) rather than
	// epoll's single mutable-mask fd entry, so "add" with no interest
	// armed yet is a no-op.
	return nil
}

func (p *kq) modify(fd int, readArmed, writeArmed bool) error {
	changes := make([]unix.Kevent_t, 0, 2)
	changes = append(changes, readEvent(fd, readArmed), writeEvent(fd, writeArmed))
	_, err := unix.Kevent(p.fd, changes, nil, nil)
	return err
}

func readEvent(fd int, armed bool) unix.Kevent_t {
	ev := unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ}
	if armed {
		ev.Flags = unix.EV_ADD | unix.EV_ENABLE | unix.EV_CLEAR
	} else {
		ev.Flags = unix.EV_DELETE
	}
	return ev
}

func writeEvent(fd int, armed bool) unix.Kevent_t {
	ev := unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE}
	if armed {
		ev.Flags = unix.EV_ADD | unix.EV_ENABLE | unix.EV_CLEAR
	} else {
		ev.Flags = unix.EV_DELETE
	}
	return ev
}

func (p *kq) remove(fd int) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	// best-effort: either filter may not have been registered
	unix.Kevent(p.fd, changes, nil, nil)
	return nil
}

func (p *kq) wait(cb func(fd int, readable, writable, hup bool)) error {
	events := make([]unix.Kevent_t, 256)
	for {
		n, err := unix.Kevent(p.fd, nil, events, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			if ev.Filter == unix.EVFILT_USER {
				return nil // close() requested shutdown
			}
			fd := int(ev.Ident)
			hup := ev.Flags&unix.EV_EOF != 0
			cb(fd, ev.Filter == unix.EVFILT_READ, ev.Filter == unix.EVFILT_WRITE, hup)
		}
	}
}

func (p *kq) close() error {
	unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}}, nil, nil)
	return unix.Close(p.fd)
}
