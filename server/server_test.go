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

package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ringsock/ringsock/conn"
	"github.com/ringsock/ringsock/sock"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (s *Server) listenerPortForTest() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener.LocalPort()
}

type recordingDelegate struct {
	mu          sync.Mutex
	connected   []*conn.Connection
	dataEvents  int
	disconn     int
	stopped     chan struct{}
	connectedCh chan *conn.Connection
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		stopped:     make(chan struct{}),
		connectedCh: make(chan *conn.Connection, 64),
	}
}

func (d *recordingDelegate) AsyncConnected(c *conn.Connection) {
	d.mu.Lock()
	d.connected = append(d.connected, c)
	d.mu.Unlock()
	d.connectedCh <- c
}

func (d *recordingDelegate) AsyncDisconnected(c *conn.Connection) {
	d.mu.Lock()
	d.disconn++
	d.mu.Unlock()
}

func (d *recordingDelegate) AsyncHasData(c *conn.Connection) {
	d.mu.Lock()
	d.dataEvents++
	d.mu.Unlock()
}

func (d *recordingDelegate) AsyncStopped() {
	close(d.stopped)
}

func TestServerAcceptsConnection(t *testing.T) {
	delegate := newRecordingDelegate()
	srv := New(0, sock.FamilyIPv4, delegate, nil)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	require.True(t, srv.Started())

	port, err := srv.listenerPortForTest()
	require.NoError(t, err)

	client := sock.New(sock.FamilyIPv4, sock.ProtoTCP)
	require.NoError(t, client.Connect(testContext(t), "127.0.0.1", port, true))
	defer client.Close()

	var accepted *conn.Connection
	select {
	case accepted = <-delegate.connectedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server never reported AsyncConnected")
	}
	require.NotNil(t, accepted)
}

func TestServerBurstAccept(t *testing.T) {
	delegate := newRecordingDelegate()
	srv := New(0, sock.FamilyIPv4, delegate, nil)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	port, err := srv.listenerPortForTest()
	require.NoError(t, err)

	const n = 32
	dialers := make([]*sock.Socket, n)
	for i := 0; i < n; i++ {
		d := sock.New(sock.FamilyIPv4, sock.ProtoTCP)
		require.NoError(t, d.Connect(testContext(t), "127.0.0.1", port, true))
		dialers[i] = d
	}
	defer func() {
		for _, d := range dialers {
			d.Close()
		}
	}()

	require.Eventually(t, func() bool {
		delegate.mu.Lock()
		defer delegate.mu.Unlock()
		return len(delegate.connected) == n
	}, 2*time.Second, time.Millisecond)
}
