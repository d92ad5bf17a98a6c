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

// Package client implements the Dialer described in spec.md section 4.E:
// outbound connections with an optional deadline timer, sharing the
// serial-queue and conn.Connection construction plumbing server.Server
// uses.
package client

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ringsock/ringsock/conn"
	"github.com/ringsock/ringsock/internal/queue"
	"github.com/ringsock/ringsock/rserr"
	"github.com/ringsock/ringsock/sock"
)

// Delegate receives the four client-side callbacks from spec.md section 6.
// connected/disconnected/hasData/connectionFailed are invoked on a
// caller-designated queue; here that is the Dialer's own serial queue,
// since the library has no main/UI queue of its own to default to. The one
// exception is the PROTOCOL_NOT_SUPPORTED failure, which Connect reports
// synchronously on the caller's goroutine.
type Delegate interface {
	Connected(c *conn.Connection)
	Disconnected(c *conn.Connection)
	HasData(c *conn.Connection)
	ConnectionFailed(host string, port int, family sock.Family, proto sock.Proto, err error)
}

// Logger matches internal/queue.Logger.
type Logger interface {
	Printf(format string, args ...interface{})
}

type stdLogger struct{ *log.Logger }

func defaultLogger() Logger {
	return stdLogger{log.New(os.Stderr, "ringsock/client: ", log.LstdFlags)}
}

// Option configures a Dialer.
type Option struct {
	Logger Logger
}

// DefaultOption returns the Option Dialer uses when none is supplied.
func DefaultOption() *Option {
	return &Option{Logger: defaultLogger()}
}

// Dialer is the Client of spec.md section 2.E.
type Dialer struct {
	delegate Delegate
	opt      *Option
	queue    *queue.Serial

	mu          sync.Mutex
	connections map[*conn.Connection]struct{}
}

// New constructs a Dialer with its own serial dispatch queue.
func New(delegate Delegate, opt *Option) *Dialer {
	if opt == nil {
		opt = DefaultOption()
	}
	if opt.Logger == nil {
		opt.Logger = defaultLogger()
	}
	return &Dialer{
		delegate:    delegate,
		opt:         opt,
		queue:       queue.New("ringsock-client", opt.Logger),
		connections: make(map[*conn.Connection]struct{}),
	}
}

// Connect dials host:port over proto (TCP or UDP only; anything else fails
// synchronously with PROTOCOL_NOT_SUPPORTED). If timeout > 0, a one-shot
// timer closes the socket on expiry, translating the resulting connect
// failure to TIMED_OUT.
func (d *Dialer) Connect(ctx context.Context, host string, port int, family sock.Family, proto sock.Proto, timeout time.Duration) {
	if proto != sock.ProtoTCP && proto != sock.ProtoUDP {
		if d.delegate != nil {
			d.delegate.ConnectionFailed(host, port, family, proto, rserr.New(rserr.KindProtocolNotSupported, nil))
		}
		return
	}

	d.queue.Async(func() {
		d.connectOnQueue(ctx, host, port, family, proto, timeout)
	})
}

// connectOnQueue starts a non-blocking connect and watches its completion
// via the write-readiness source, per spec.md section 4.B: a non-blocking
// connect returning EINPROGRESS is treated as connected immediately, and it
// is the eventual writable event (checked against SO_ERROR) that reports
// success or failure. This lets the deadline timer run on the same serial
// queue as the connect attempt without the two deadlocking each other, the
// way a literally-blocking connect() call on a single-worker queue would.
func (d *Dialer) connectOnQueue(ctx context.Context, host string, port int, family sock.Family, proto sock.Proto, timeout time.Duration) {
	s := sock.New(family, proto)

	if err := s.Connect(ctx, host, port, true); err != nil {
		if d.delegate != nil {
			d.delegate.ConnectionFailed(host, port, family, proto, err)
		}
		return
	}

	connectSrc, err := s.MakeWriteSource(d.queue)
	if err != nil {
		_ = s.Close()
		if d.delegate != nil {
			d.delegate.ConnectionFailed(host, port, family, proto, err)
		}
		return
	}

	// done guards against the deadline timer and the writable event both
	// racing to finish the same connect attempt; both always run on d.queue,
	// so a plain bool (no mutex) is enough to make only the first one count.
	var done bool
	var cancelTimer func()
	if timeout > 0 {
		cancelTimer = d.queue.AsyncAfter(timeout, func() {
			if done {
				return
			}
			done = true
			connectSrc.Cancel()
			_ = s.Close()
			if d.delegate != nil {
				d.delegate.ConnectionFailed(host, port, family, proto, rserr.New(rserr.KindTimedOut, nil))
			}
		})
	}

	connectSrc.SetEventHandler(func() {
		if done {
			return
		}
		done = true
		if cancelTimer != nil {
			cancelTimer()
		}
		connectSrc.Cancel()

		if err := s.ConnectError(); err != nil {
			if d.delegate != nil {
				d.delegate.ConnectionFailed(host, port, family, proto, err)
			}
			return
		}

		c, err := conn.New(s, host, d.queue, d)
		if err != nil {
			if d.delegate != nil {
				d.delegate.ConnectionFailed(host, port, family, proto, err)
			}
			return
		}

		d.mu.Lock()
		d.connections[c] = struct{}{}
		d.mu.Unlock()

		if d.delegate != nil {
			d.delegate.Connected(c)
		}
		c.Start()
	})
	_ = connectSrc.Resume()
}

// OnData implements conn.Delegate.
func (d *Dialer) OnData(c *conn.Connection) {
	if d.delegate != nil {
		d.delegate.HasData(c)
	}
}

// OnDisconnected implements conn.Delegate.
func (d *Dialer) OnDisconnected(c *conn.Connection) {
	if d.delegate != nil {
		d.delegate.Disconnected(c)
	}
	d.mu.Lock()
	delete(d.connections, c)
	d.mu.Unlock()
}

// DisconnectAll posts a single task that calls Disconnect on every live
// connection; because it runs on the dialer's queue, no concurrent
// OnDisconnected callback can modify the set underneath it.
func (d *Dialer) DisconnectAll() {
	d.queue.Async(func() {
		d.mu.Lock()
		var live []*conn.Connection
		for c := range d.connections {
			live = append(live, c)
		}
		d.mu.Unlock()
		for _, c := range live {
			c.Disconnect()
		}
	})
}

// Stop releases the dialer's background queue goroutine. Call after
// DisconnectAll's task has had a chance to run. Must not be called from a
// callback running on the dialer's own queue.
func (d *Dialer) Stop() {
	d.queue.Stop()
}
