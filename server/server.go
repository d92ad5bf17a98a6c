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

// Package server implements the Acceptor described in spec.md section 4.D:
// a listening Socket plus an accept-readiness source, draining pending
// connections onto its own serial dispatch queue.
package server

import (
	"errors"
	"log"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ringsock/ringsock/conn"
	"github.com/ringsock/ringsock/internal/queue"
	"github.com/ringsock/ringsock/sock"
)

// Delegate receives the four server-side callbacks from spec.md section 6,
// all invoked on the server's async queue.
type Delegate interface {
	AsyncConnected(c *conn.Connection)
	AsyncDisconnected(c *conn.Connection)
	AsyncHasData(c *conn.Connection)
	AsyncStopped()
}

// Logger matches internal/queue.Logger so callers can share one
// implementation across server and client, following concurrency/gopool's
// injectable-panic-handler idiom rather than a process-wide singleton
// (spec.md section 9).
type Logger interface {
	Printf(format string, args ...interface{})
}

type stdLogger struct{ *log.Logger }

func defaultLogger() Logger {
	return stdLogger{log.New(os.Stderr, "ringsock/server: ", log.LstdFlags)}
}

// Option configures a Server, matching concurrency/gopool.Option's plain
// struct-of-knobs shape rather than functional options.
type Option struct {
	Backlog int
	Logger  Logger
}

// DefaultOption returns the Option Server uses when none is supplied.
func DefaultOption() *Option {
	return &Option{Backlog: 0, Logger: defaultLogger()}
}

// Server is the Acceptor of spec.md section 2.D.
type Server struct {
	port   int
	family sock.Family
	opt    *Option

	delegate Delegate

	listener  *sock.Socket
	acceptSrc *sock.Source
	queue     *queue.Serial

	mu          sync.Mutex
	started     bool
	connections map[*conn.Connection]struct{}
	userObject  interface{}
}

// New constructs a Server bound to port (0 = ephemeral) for the given
// family. The listening socket is not opened until Start.
func New(port int, family sock.Family, delegate Delegate, opt *Option) *Server {
	if opt == nil {
		opt = DefaultOption()
	}
	if opt.Logger == nil {
		opt.Logger = defaultLogger()
	}
	return &Server{
		port:        port,
		family:      family,
		opt:         opt,
		delegate:    delegate,
		connections: make(map[*conn.Connection]struct{}),
	}
}

// Start binds, listens, and arms the accept source. Bind/listen failures
// surface synchronously, per spec.md section 7.
func (s *Server) Start() error {
	listener := sock.New(s.family, sock.ProtoTCP)
	if err := listener.Bind(s.port, ""); err != nil {
		return err
	}
	if err := listener.Listen(s.opt.Backlog); err != nil {
		return err
	}

	q := queue.New("ringsock-server", s.opt.Logger)
	acceptSrc, err := listener.MakeReadSource(q)
	if err != nil {
		_ = listener.Close()
		q.Stop()
		return err
	}
	acceptSrc.SetEventHandler(func() { s.handleAcceptable() })

	s.mu.Lock()
	s.listener = listener
	s.acceptSrc = acceptSrc
	s.queue = q
	s.started = true
	s.mu.Unlock()

	_ = acceptSrc.Resume()
	return nil
}

// handleAcceptable loops accept(nonblocking=true) until EAGAIN, rather than
// trusting the accept source's pending-count hint, resolving spec.md
// section 9's open question: stale kernel pending counts just mean one
// extra accept call that returns EAGAIN and is dropped silently.
func (s *Server) handleAcceptable() {
	for {
		accepted, err := s.listener.Accept(true)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			s.opt.Logger.Printf("ringsock/server: accept: %v", err)
			return
		}

		c, err := conn.New(accepted, accepted.RemoteAddr().String(), s.queue, s)
		if err != nil {
			s.opt.Logger.Printf("ringsock/server: new connection: %v", err)
			_ = accepted.Close()
			continue
		}

		s.mu.Lock()
		s.connections[c] = struct{}{}
		s.mu.Unlock()

		c.Start()
		if s.delegate != nil {
			s.delegate.AsyncConnected(c)
		}
	}
}

// OnData implements conn.Delegate.
func (s *Server) OnData(c *conn.Connection) {
	if s.delegate != nil {
		s.delegate.AsyncHasData(c)
	}
}

// OnDisconnected implements conn.Delegate. The server-facing
// AsyncDisconnected fires before the connection is removed from the set,
// so user code can still look it up by context during the callback
// (spec.md section 4.D).
func (s *Server) OnDisconnected(c *conn.Connection) {
	if s.delegate != nil {
		s.delegate.AsyncDisconnected(c)
	}

	s.mu.Lock()
	delete(s.connections, c)
	s.mu.Unlock()
}

// Stop disconnects every live connection, then cancels the accept source;
// its cancel handler clears the listener and notifies AsyncStopped.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	q := s.queue
	acceptSrc := s.acceptSrc
	var live []*conn.Connection
	for c := range s.connections {
		live = append(live, c)
	}
	s.mu.Unlock()

	q.Async(func() {
		for _, c := range live {
			c.Disconnect()
		}
		acceptSrc.SetCancelHandler(func() {
			_ = s.listener.Close()
			if s.delegate != nil {
				s.delegate.AsyncStopped()
			}
			// Stop blocks until the queue's goroutine exits, so it cannot
			// be called from a task running on that same queue.
			go q.Stop()
		})
		acceptSrc.Cancel()
	})
}

// Disconnect requests an orderly close of one connection owned by this
// server.
func (s *Server) Disconnect(c *conn.Connection) {
	c.Disconnect()
}

// ConnectionWithContext looks up a live connection by its user-assigned
// context tag.
func (s *Server) ConnectionWithContext(ctx string) (*conn.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.connections {
		if c.Context() == ctx {
			return c, true
		}
	}
	return nil, false
}

// Started reports whether Start has succeeded and Stop has not been called
// since; it turns false as soon as Stop is called, before AsyncStopped.
func (s *Server) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// UserObject returns the opaque tag set by SetUserObject.
func (s *Server) UserObject() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userObject
}

// SetUserObject sets an opaque tag for caller use; the library never reads
// it.
func (s *Server) SetUserObject(v interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userObject = v
}
