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

package epoll

import (
	"golang.org/x/sys/unix"
)

// epoller is grounded on connstate/poll_linux.go's epoller type, reworked
// from cgo + a single fixed EPOLLHUP|EPOLLRDHUP|EPOLLERR mask into a plain
// golang.org/x/sys/unix epoll_wait loop with a per-fd, mutable interest
// mask (EPOLLIN / EPOLLOUT chosen by modify), since this poller must
// support independently suspending/resuming read and write interest.
type epoller struct {
	epfd int
	wake int // eventfd used to unblock a pending epoll_wait on close
}

func openSysPoller() (sysPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wake, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wake)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wake, &ev); err != nil {
		unix.Close(wake)
		unix.Close(epfd)
		return nil, err
	}
	return &epoller{epfd: epfd, wake: wake}, nil
}

func (p *epoller) add(fd int) error {
	ev := unix.EpollEvent{Events: 0, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epoller) modify(fd int, readArmed, writeArmed bool) error {
	var events uint32
	if readArmed {
		events |= unix.EPOLLIN
	}
	if writeArmed {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epoller) remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epoller) wait(cb func(fd int, readable, writable, hup bool)) error {
	events := make([]unix.EpollEvent, 256)
	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == p.wake {
				return nil // close() requested shutdown
			}
			readable := ev.Events&unix.EPOLLIN != 0
			writable := ev.Events&unix.EPOLLOUT != 0
			hup := ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0
			cb(fd, readable, writable, hup)
		}
	}
}

func (p *epoller) close() error {
	var b [8]byte
	b[0] = 1
	unix.Write(p.wake, b[:])
	unix.Close(p.wake)
	return unix.Close(p.epfd)
}
