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
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// toSockaddr builds a unix.Sockaddr for bind(), resolving the literal ip
// string (empty means INADDR_ANY / in6addr_any).
func toSockaddr(family Family, ip string, port int) (unix.Sockaddr, error) {
	var parsed net.IP
	if ip != "" {
		parsed = net.ParseIP(ip)
		if parsed == nil {
			return nil, fmt.Errorf("sock: invalid ip %q", ip)
		}
	}
	return toSockaddrIP(family, parsed, port)
}

func toSockaddrIP(family Family, ip net.IP, port int) (unix.Sockaddr, error) {
	if family == FamilyIPv6 {
		var addr [16]byte
		if ip != nil {
			ip16 := ip.To16()
			if ip16 == nil {
				return nil, fmt.Errorf("sock: %v is not a valid IPv6 address", ip)
			}
			copy(addr[:], ip16)
		}
		return &unix.SockaddrInet6{Port: port, Addr: addr}, nil
	}
	var addr [4]byte
	if ip != nil {
		ip4 := ip.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("sock: %v is not a valid IPv4 address", ip)
		}
		copy(addr[:], ip4)
	}
	return &unix.SockaddrInet4{Port: port, Addr: addr}, nil
}

// sockaddrToNetAddr converts the kernel's peer address (from accept/recvfrom)
// into a net.Addr for cached/observable use; it never influences wire
// behavior.
func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	default:
		return nil
	}
}

// unixGetsockname returns the ephemeral port the kernel assigned an
// INADDR_ANY/port-0 bind, for tests that need to dial a listener back.
func unixGetsockname(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return v.Port, nil
	case *unix.SockaddrInet6:
		return v.Port, nil
	default:
		return 0, fmt.Errorf("sock: unexpected sockaddr %T", sa)
	}
}
