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

// Package sock is a thin typed wrapper over a non-blocking POSIX socket
// descriptor, plus the two independent readiness sources (Source, in
// source.go) that conn.Connection arms and suspends.
//
// Raw socket-option plumbing goes through golang.org/x/sys/unix rather than
// the standard library's net package, because net.Conn hides the
// descriptor the readiness sources need to register with internal/epoll.
// Address resolution and interface/route enumeration are explicitly out of
// scope (spec.md section 1): resolution is delegated to net.DefaultResolver,
// a thin external collaborator, not reimplemented here.
package sock

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ringsock/ringsock/internal/queue"
	"github.com/ringsock/ringsock/rserr"
)

// Family selects the address family.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

// Proto selects the transport protocol.
type Proto int

const (
	ProtoTCP Proto = iota
	ProtoUDP
)

// Socket is a non-blocking POSIX socket with lazily-opened descriptor.
type Socket struct {
	fd     int
	opened bool

	family Family
	proto  Proto

	nonblocking bool
	isConnected bool

	remoteAddr  net.Addr
	readTimeout *time.Duration
}

const unset = -1

// New returns a Socket for the given family/protocol; the descriptor is
// opened lazily on first use (spec.md section 3).
func New(family Family, proto Proto) *Socket {
	return &Socket{fd: unset, family: family, proto: proto}
}

// adopt wraps an already-open, already-connected descriptor, as returned by
// Accept (spec.md section 3: "adopted from an accept result"). It applies
// the same "prevent pipe signal" option ensureOpen sets for a dialed
// descriptor: on BSD/darwin an accepted descriptor does not inherit
// SO_NOSIGPIPE from the listening socket, so it must be set again here
// (spec.md section 4.B requires it "at descriptor creation time" for every
// socket, accepted ones included).
func adopt(fd int, family Family, proto Proto, remote net.Addr) (*Socket, error) {
	if err := applyNoSigPipe(fd); err != nil {
		return nil, rserr.New(rserr.KindPOSIX, err)
	}
	return &Socket{fd: fd, opened: true, family: family, proto: proto, isConnected: true, remoteAddr: remote}, nil
}

func domain(f Family) int {
	if f == FamilyIPv6 {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

func sockType(p Proto) int {
	if p == ProtoUDP {
		return unix.SOCK_DGRAM
	}
	return unix.SOCK_STREAM
}

// ensureOpen lazily creates the descriptor and applies the options spec.md
// section 4.B always wants set at creation time.
func (s *Socket) ensureOpen() error {
	if s.opened {
		return nil
	}
	fd, err := unix.Socket(domain(s.family), sockType(s.proto), 0)
	if err != nil {
		return rserr.New(rserr.KindPOSIX, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return rserr.New(rserr.KindPOSIX, err)
	}
	s.nonblocking = true
	if err := applyNoSigPipe(fd); err != nil {
		unix.Close(fd)
		return rserr.New(rserr.KindPOSIX, err)
	}
	s.fd = fd
	s.opened = true
	return nil
}

// Bind always sets SO_REUSEADDR first, and for IPv6 clears IPV6_V6ONLY so a
// single bind can serve both families (spec.md section 4.B).
func (s *Socket) Bind(port int, ip string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return rserr.New(rserr.KindPOSIX, err)
	}
	if s.family == FamilyIPv6 {
		if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			return rserr.New(rserr.KindPOSIX, err)
		}
	}
	sa, err := toSockaddr(s.family, ip, port)
	if err != nil {
		return rserr.New(rserr.KindAddressResolution, err)
	}
	if err := unix.Bind(s.fd, sa); err != nil {
		return rserr.NewOp(rserr.KindCantStartListener, "bind", err)
	}
	return nil
}

// Listen backlogs pending connections. backlog <= 0 means unix.SOMAXCONN.
func (s *Socket) Listen(backlog int) error {
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		return rserr.NewOp(rserr.KindCantStartListener, "listen", err)
	}
	return nil
}

// Accept adopts one pending connection. Returns (nil, err) with err
// satisfying errors.Is(err, unix.EAGAIN) when none is pending and the
// listening socket is non-blocking.
func (s *Socket) Accept(nonblocking bool) (*Socket, error) {
	flags := 0
	if nonblocking {
		flags |= unix.SOCK_NONBLOCK
	}
	nfd, sa, err := unix.Accept4(s.fd, flags)
	if err != nil {
		return nil, err // caller checks errors.Is(err, unix.EAGAIN)
	}
	remote := sockaddrToNetAddr(sa)
	adopted, err := adopt(nfd, s.family, s.proto, remote)
	if err != nil {
		unix.Close(nfd)
		return nil, err
	}
	return adopted, nil
}

// Connect resolves host (external collaborator: net.DefaultResolver) then
// connects. A non-blocking connect that returns EINPROGRESS is treated as
// connected: readiness sources surface the eventual completion or failure,
// per spec.md section 4.B.
func (s *Socket) Connect(ctx context.Context, host string, port int, nonblocking bool) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	ip, err := resolve(ctx, s.family, host)
	if err != nil {
		return rserr.New(rserr.KindAddressResolution, err)
	}
	sa, err := toSockaddrIP(s.family, ip, port)
	if err != nil {
		return rserr.New(rserr.KindAddressResolution, err)
	}
	if !nonblocking {
		if err := unix.SetNonblock(s.fd, false); err != nil {
			return rserr.New(rserr.KindPOSIX, err)
		}
		s.nonblocking = false
	}
	err = unix.Connect(s.fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		return rserr.New(rserr.KindPOSIX, err)
	}
	s.isConnected = true
	s.remoteAddr = &net.TCPAddr{IP: ip, Port: port}
	return nil
}

func resolve(ctx context.Context, family Family, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	network := "ip4"
	if family == FamilyIPv6 {
		network = "ip6"
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, network, host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	return ips[0], nil
}

// Read follows spec.md section 4.B: zero is only returned for EAGAIN/
// timeout on a non-blocking descriptor; an OS-level zero-byte read
// (orderly shutdown) is surfaced as CONNECTION_RESET.
func (s *Socket) Read(buf []byte) (int, error) {
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, rserr.New(rserr.KindPOSIX, err)
	}
	if n == 0 && len(buf) > 0 {
		return 0, rserr.New(rserr.KindConnectionReset, nil)
	}
	return n, nil
}

// Write follows the same zero-return rule as Read. MSG_NOSIGNAL (Linux) or
// SO_NOSIGPIPE (BSD, set at creation) prevents a SIGPIPE from killing the
// process when the peer has gone away (spec.md section 4.B, "prevent pipe
// signal").
func (s *Socket) Write(buf []byte) (int, error) {
	n, err := rawWrite(s.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		if err == unix.EPIPE {
			return 0, rserr.New(rserr.KindConnectionReset, err)
		}
		return 0, rserr.New(rserr.KindPOSIX, err)
	}
	return n, nil
}

// RecvFrom/SendTo serve the connectionless (UDP) protocols.
func (s *Socket) RecvFrom(buf []byte) (int, net.Addr, error) {
	n, sa, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil, nil
		}
		return 0, nil, rserr.New(rserr.KindPOSIX, err)
	}
	return n, sockaddrToNetAddr(sa), nil
}

func (s *Socket) SendTo(addr net.Addr, data []byte) (int, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("sock: SendTo requires *net.UDPAddr, got %T", addr)
	}
	sa, err := toSockaddrIP(s.family, udpAddr.IP, udpAddr.Port)
	if err != nil {
		return 0, rserr.New(rserr.KindAddressResolution, err)
	}
	if err := unix.Sendto(s.fd, data, 0, sa); err != nil {
		return 0, rserr.New(rserr.KindPOSIX, err)
	}
	return len(data), nil
}

// MakeReadSource/MakeWriteSource return readiness-source handles bound to
// queue (spec.md section 4.B). Both sources share one epoll/kqueue
// registration for the fd (see source.go).
func (s *Socket) MakeReadSource(q *queue.Serial) (*Source, error) {
	return newSource(s.fd, kindRead, q)
}

func (s *Socket) MakeWriteSource(q *queue.Serial) (*Source, error) {
	return newSource(s.fd, kindWrite, q)
}

// SetReadTimeout is memoized; a no-op if unchanged.
func (s *Socket) SetReadTimeout(d time.Duration) error {
	if s.readTimeout != nil && *s.readTimeout == d {
		return nil
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return rserr.New(rserr.KindPOSIX, err)
	}
	s.readTimeout = &d
	return nil
}

// SendBufferSize queries the socket's SO_SNDBUF value; conn.Connection caches
// it to size each write-handler iteration (spec.md section 4.C).
func (s *Socket) SendBufferSize() (int, error) {
	n, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_SNDBUF)
	if err != nil {
		return 0, rserr.New(rserr.KindPOSIX, err)
	}
	return n, nil
}

// Fd exposes the raw descriptor for internal/epoll registration and for
// connstate-style external consumers; not part of the public read/write
// path (spec.md: "user code never touches it").
func (s *Socket) Fd() int { return s.fd }

// ConnectError reads and clears SO_ERROR, the mechanism a non-blocking
// connect's eventual completion is checked with once the write source
// reports the descriptor writable (spec.md section 4.B: "readiness sources
// will surface the eventual completion or failure").
func (s *Socket) ConnectError() error {
	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return rserr.New(rserr.KindPOSIX, err)
	}
	if errno != 0 {
		return rserr.New(rserr.KindPOSIX, unix.Errno(errno))
	}
	return nil
}

// IsConnected reports spec.md section 3's isConnected flag.
func (s *Socket) IsConnected() bool { return s.isConnected }

// LocalPort returns the port the kernel assigned this socket, for callers
// that bound to port 0 and need to tell a dialer where to connect.
func (s *Socket) LocalPort() (int, error) {
	return unixGetsockname(s.fd)
}

// RemoteAddr returns the cached peer address, if any.
func (s *Socket) RemoteAddr() net.Addr { return s.remoteAddr }

// Close closes the descriptor, clears isConnected and the cached timeout.
// Idempotent.
func (s *Socket) Close() error {
	if !s.opened {
		return nil
	}
	fd := s.fd
	s.fd = unset
	s.opened = false
	s.isConnected = false
	s.readTimeout = nil
	return unix.Close(fd)
}
