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

//go:build !linux

package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSplitCopyMappingFlushWriteUsesAcquiredLength reproduces the partial
// commit after a wrapping acquisition: conn's read handler routinely
// acquires a write window sized to FIONREAD's hint, then commits fewer
// bytes than that once socket.Read returns a short count. WriteWindow's
// decision to hand back writeScratch depends on the acquired length; if
// FlushWrite re-derived that decision from the (shorter) committed length
// it could wrongly treat a wrapped, scratch-backed write as already having
// landed in buf directly, dropping the committed bytes.
func TestSplitCopyMappingFlushWriteUsesAcquiredLength(t *testing.T) {
	m, err := newPlatformMapping(16)
	require.NoError(t, err)
	sc := m.(*splitCopyMapping)

	const off = 10
	const acquiredN = 10 // off+acquiredN = 20 > 16: this acquisition wraps
	const committedN = 4 // off+committedN = 14 <= 16: would look non-wrapping

	w := sc.WriteWindow(off, acquiredN)
	require.Same(t, &sc.writeScratch[0], &w[0], "wrapping acquisition must return the scratch buffer")
	copy(w[:committedN], []byte("WXYZ"))

	sc.FlushWrite(off, acquiredN, committedN)

	got := sc.ReadWindow(off, committedN)
	require.Equal(t, "WXYZ", string(got))
}
