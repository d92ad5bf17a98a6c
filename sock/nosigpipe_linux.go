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

package sock

import "golang.org/x/sys/unix"

// applyNoSigPipe is a no-op on Linux: there is no SO_NOSIGPIPE socket
// option. Write instead passes MSG_NOSIGNAL per-call (see rawWrite
// below), and the Go runtime itself ignores SIGPIPE for any fd
// that isn't stdout/stderr, so a write to a closed peer only ever
// surfaces as an EPIPE return value either way.
func applyNoSigPipe(fd int) error {
	return nil
}

func rawWrite(fd int, buf []byte) (int, error) {
	return unix.Send(fd, buf, unix.MSG_NOSIGNAL)
}
