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

package conn

import (
	"bytes"
	"unicode/utf8"

	"github.com/ringsock/ringsock/rserr"
)

// WriteString is the NOT_UTF8-checked string overload of Write (spec.md
// section 6).
func (c *Connection) WriteString(s string) (int, error) {
	if !utf8.ValidString(s) {
		return 0, rserr.New(rserr.KindNotUTF8, nil)
	}
	return c.Write([]byte(s))
}

// WriteLine writes s + "\r\n".
func (c *Connection) WriteLine(s string) (int, error) {
	return c.WriteString(s + "\r\n")
}

// ReadLine consumes up to and including the first LF byte, stripping a
// trailing CR when present. Returns ("", false) if no LF is buffered yet.
// Grounded on bufiox.Reader's single contiguous-slice contract: the rx ring
// buffer's mirror guarantee lets this scan with one linear bytes.IndexByte
// over AcquireRead's slice.
func (c *Connection) ReadLine() (string, bool) {
	buf, avail := c.rx.AcquireRead()
	if avail == 0 {
		return "", false
	}
	idx := bytes.IndexByte(buf[:avail], '\n')
	if idx < 0 {
		return "", false
	}
	line := buf[:idx]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	s := string(line)
	c.rx.CommitRead(idx + 1)
	return s, true
}

// ReadToken consumes up through the first occurrence of sep, also
// coalescing any run of additional sep bytes that immediately follows.
// Returns ("", false) if sep is not yet buffered.
func (c *Connection) ReadToken(sep byte) (string, bool) {
	buf, avail := c.rx.AcquireRead()
	if avail == 0 {
		return "", false
	}
	idx := bytes.IndexByte(buf[:avail], sep)
	if idx < 0 {
		return "", false
	}
	token := string(buf[:idx])
	consumed := idx + 1
	for consumed < avail && buf[consumed] == sep {
		consumed++
	}
	c.rx.CommitRead(consumed)
	return token, true
}

// Peek returns the first n bytes without consuming them; ("", false) if
// fewer than n bytes are currently buffered.
func (c *Connection) Peek(n int) (string, bool) {
	buf, avail := c.rx.AcquireRead()
	if avail < n {
		return "", false
	}
	return string(buf[:n]), true
}

// Read returns up to n bytes from the rx buffer, never more than
// available; may return an empty slice.
func (c *Connection) Read(n int) []byte {
	buf, avail := c.rx.AcquireRead()
	if avail == 0 {
		return nil
	}
	if n > avail {
		n = avail
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	c.rx.CommitRead(n)
	return out
}

// ReadAllData drains the entire rx buffer.
func (c *Connection) ReadAllData() []byte {
	buf, avail := c.rx.AcquireRead()
	if avail == 0 {
		return nil
	}
	out := make([]byte, avail)
	copy(out, buf[:avail])
	c.rx.CommitRead(avail)
	return out
}
