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

package sock

import "golang.org/x/sys/unix"

// applyNoSigPipe sets SO_NOSIGPIPE at descriptor-creation time, per
// spec.md section 4.B: "writes to a closed peer raise an error code rather
// than a process-level signal."
func applyNoSigPipe(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
}

func rawWrite(fd int, buf []byte) (int, error) {
	return unix.Write(fd, buf)
}
