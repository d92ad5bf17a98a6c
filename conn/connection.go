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

// Package conn implements the Connection state machine: one Socket, two
// ringbuf.Buffers (rx, tx), two readiness sources, driven entirely from a
// single internal/queue.Serial so that every field below except the tx
// buffer's write side is touched from exactly one goroutine.
package conn

import (
	"sync"
	"sync/atomic"

	"github.com/ringsock/ringsock/internal/queue"
	"github.com/ringsock/ringsock/ringbuf"
	"github.com/ringsock/ringsock/rserr"
	"github.com/ringsock/ringsock/sock"
)

// state is the CREATED -> RUNNING -> CLOSING -> CLOSED machine from
// spec.md section 4.C.
type state int32

const (
	stateCreated state = iota
	stateRunning
	stateClosing
	stateClosed
)

// Delegate is the owner-facing notification seam: server.Server and
// client.Dialer each implement it, adapting OnData/OnDisconnected onto
// their own public (and differently-named) delegate interfaces. Connection
// holds only this non-owning handle, never a pointer back into the owner's
// connection list, breaking the cyclic-ownership spec.md section 9 calls
// out (ownership flows owner -> Connection only).
type Delegate interface {
	OnData(c *Connection)
	OnDisconnected(c *Connection)
}

// Connection owns one Socket and its rx/tx ring buffers, per spec.md
// section 3.
type Connection struct {
	socket *sock.Socket
	queue  *queue.Serial

	rx *ringbuf.Buffer
	tx *ringbuf.Buffer

	readSrc  *sock.Source
	writeSrc *sock.Source

	delegate Delegate

	host string

	sendBufferSize int

	state atomic.Int32

	mu                 sync.Mutex
	sourceRefCount     int
	writeSourceRunning bool
	lastErr            error
	context            string
}

// bufferSize is the per-direction ring buffer initial capacity spec.md
// section 4.C fixes at 1 MiB.
const bufferSize = 1 << 20

// New constructs a Connection over an already-connected non-blocking
// socket. The read source is armed later by Start, so a delegate can be
// attached first.
func New(socket *sock.Socket, host string, q *queue.Serial, delegate Delegate) (*Connection, error) {
	sendBufSize, err := socket.SendBufferSize()
	if err != nil {
		sendBufSize = bufferSize
	}

	c := &Connection{
		socket:         socket,
		queue:          q,
		rx:             ringbuf.New(bufferSize),
		tx:             ringbuf.New(bufferSize),
		delegate:       delegate,
		host:           host,
		sendBufferSize: sendBufSize,
		sourceRefCount: 2,
	}
	c.state.Store(int32(stateCreated))

	readSrc, err := socket.MakeReadSource(q)
	if err != nil {
		return nil, err
	}
	writeSrc, err := socket.MakeWriteSource(q)
	if err != nil {
		return nil, err
	}
	c.readSrc = readSrc
	c.writeSrc = writeSrc

	readSrc.SetEventHandler(c.handleReadable)
	readSrc.SetCancelHandler(c.handleSourceCancelled)
	writeSrc.SetEventHandler(c.handleWritable)
	writeSrc.SetCancelHandler(c.handleSourceCancelled)

	return c, nil
}

// Start transitions CREATED -> RUNNING by resuming the read source.
func (c *Connection) Start() {
	if !c.state.CompareAndSwap(int32(stateCreated), int32(stateRunning)) {
		return
	}
	_ = c.readSrc.Resume()
}

// handleReadable is the read handler from spec.md section 4.C, run on the
// queue whenever the read source fires.
func (c *Connection) handleReadable() {
	avail := c.readSrc.Data()
	if avail == 0 {
		c.asyncDisconnect(rserr.New(rserr.KindConnectionReset, nil))
		return
	}

	buf, err := c.rx.AcquireWrite(avail)
	if err != nil {
		c.asyncDisconnect(rserr.New(rserr.KindConnectionReset, err))
		return
	}

	n, err := c.socket.Read(buf[:avail])
	if err != nil {
		c.asyncDisconnect(err)
		return
	}
	c.rx.CommitWrite(n)

	if c.delegate != nil {
		c.delegate.OnData(c)
	}
}

// handleWritable is the write handler from spec.md section 4.C.
func (c *Connection) handleWritable() {
	for {
		n := c.tx.Available()
		if n > c.sendBufferSize {
			n = c.sendBufferSize
		}
		if n == 0 {
			c.setWriteSourceRunning(false)
			_ = c.writeSrc.Suspend()
			return
		}
		ptr, avail := c.tx.AcquireRead()
		if avail < n {
			n = avail
		}
		written, err := c.socket.Write(ptr[:n])
		if err != nil {
			c.asyncDisconnect(err)
			return
		}
		if written == 0 {
			// would block; stay armed for the next writable event.
			return
		}
		c.tx.CommitRead(written)
	}
}

// setWriteSourceRunning serializes resume/suspend calls so each resume is
// matched by exactly one later suspend (spec.md section 4.C: "the
// underlying dispatch primitive... forbids unbalanced suspend").
func (c *Connection) setWriteSourceRunning(running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeSourceRunning = running
}

func (c *Connection) writeSourceIsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeSourceRunning
}

// Write is the user write path (spec.md section 4.C): append to tx, then
// dispatch a task onto the queue that arms the write source if it is
// currently suspended. May be called from any goroutine.
func (c *Connection) Write(data []byte) (int, error) {
	buf, err := c.tx.AcquireWrite(len(data))
	if err != nil {
		return 0, err
	}
	n := copy(buf, data)
	c.tx.CommitWrite(n)

	c.queue.Async(func() {
		if c.writeSourceIsRunning() {
			return
		}
		c.setWriteSourceRunning(true)
		_ = c.writeSrc.Resume()
	})
	return n, nil
}

// asyncDisconnect transitions RUNNING -> CLOSING: records err, cancels both
// sources (resuming the write source first if suspended, since cancellation
// delivery requires the source not be suspended), and is idempotent.
func (c *Connection) asyncDisconnect(err error) {
	if !c.state.CompareAndSwap(int32(stateRunning), int32(stateClosing)) &&
		!c.state.CompareAndSwap(int32(stateCreated), int32(stateClosing)) {
		return
	}

	c.mu.Lock()
	if c.lastErr == nil {
		c.lastErr = err
	}
	c.mu.Unlock()

	if !c.writeSourceIsRunning() {
		c.setWriteSourceRunning(true)
		_ = c.writeSrc.Resume()
	}
	c.writeSrc.Cancel()
	c.readSrc.Cancel()
}

// handleSourceCancelled is shared by both sources' cancel handlers. When
// sourceRefCount reaches 0 the socket is closed exactly once and the
// delegate is notified (the single CLOSING -> CLOSED transition).
func (c *Connection) handleSourceCancelled() {
	c.mu.Lock()
	c.sourceRefCount--
	remaining := c.sourceRefCount
	c.mu.Unlock()

	if remaining > 0 {
		return
	}

	c.state.Store(int32(stateClosed))
	_ = c.socket.Close()
	_ = c.rx.Close()
	_ = c.tx.Close()

	if c.delegate != nil {
		c.delegate.OnDisconnected(c)
	}
}

// CopyAllFrom splices other's rx buffer into self's tx buffer and arms the
// write source if bytes were moved (spec.md section 4.C: proxy-style relay
// without double buffering).
func (c *Connection) CopyAllFrom(other *Connection) (int, error) {
	n, err := c.tx.SpliceFrom(other.rx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.queue.Async(func() {
			if c.writeSourceIsRunning() {
				return
			}
			c.setWriteSourceRunning(true)
			_ = c.writeSrc.Resume()
		})
	}
	return n, nil
}

// Err returns the last fatal error recorded on this connection, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Host returns the remote host label the connection was constructed with.
func (c *Connection) Host() string { return c.host }

// Context returns the user-assignable lookup tag (spec.md section 6).
func (c *Connection) Context() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.context
}

// SetContext sets the user-assignable lookup tag.
func (c *Connection) SetContext(ctx string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.context = ctx
}

// Disconnect requests an orderly close with no recorded error.
func (c *Connection) Disconnect() {
	c.asyncDisconnect(nil)
}
