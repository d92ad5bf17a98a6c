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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ringsock/ringsock/internal/queue"
	"github.com/ringsock/ringsock/sock"
)

type recordingDelegate struct {
	mu           sync.Mutex
	dataEvents   int
	disconnected bool
	disconnectCh chan struct{}
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{disconnectCh: make(chan struct{})}
}

func (d *recordingDelegate) OnData(c *Connection) {
	d.mu.Lock()
	d.dataEvents++
	d.mu.Unlock()
}

func (d *recordingDelegate) OnDisconnected(c *Connection) {
	d.mu.Lock()
	d.disconnected = true
	d.mu.Unlock()
	close(d.disconnectCh)
}

// connectedPair dials a loopback listener and returns both raw, already
// non-blocking, connected sockets.
func connectedPair(t *testing.T) (client, server *sock.Socket) {
	t.Helper()
	listener := sock.New(sock.FamilyIPv4, sock.ProtoTCP)
	require.NoError(t, listener.Bind(0, "127.0.0.1"))
	require.NoError(t, listener.Listen(16))
	defer listener.Close()

	addr, err := listener.LocalPort()
	require.NoError(t, err)

	dialer := sock.New(sock.FamilyIPv4, sock.ProtoTCP)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, dialer.Connect(ctx, "127.0.0.1", addr, true))

	var accepted *sock.Socket
	require.Eventually(t, func() bool {
		s, err := listener.Accept(true)
		if err != nil {
			return false
		}
		accepted = s
		return true
	}, 2*time.Second, time.Millisecond)

	return dialer, accepted
}

func TestConnectionEchoRoundTrip(t *testing.T) {
	clientSock, serverSock := connectedPair(t)

	q := queue.New("TestConnection", nil)
	defer q.Stop()

	clientDelegate := newRecordingDelegate()
	serverDelegate := newRecordingDelegate()

	clientConn, err := New(clientSock, "127.0.0.1", q, clientDelegate)
	require.NoError(t, err)
	serverConn, err := New(serverSock, "127.0.0.1", q, serverDelegate)
	require.NoError(t, err)

	clientConn.Start()
	serverConn.Start()

	_, err = clientConn.WriteLine("hello")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		line, ok := serverConn.ReadLine()
		if !ok {
			return false
		}
		require.Equal(t, "hello", line)
		return true
	}, 2*time.Second, time.Millisecond)

	_, err = serverConn.WriteLine("hello")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		line, ok := clientConn.ReadLine()
		if !ok {
			return false
		}
		require.Equal(t, "hello", line)
		return true
	}, 2*time.Second, time.Millisecond)
}

func TestConnectionBackpressure(t *testing.T) {
	clientSock, serverSock := connectedPair(t)

	q := queue.New("TestBackpressure", nil)
	defer q.Stop()

	clientConn, err := New(clientSock, "127.0.0.1", q, newRecordingDelegate())
	require.NoError(t, err)
	serverConn, err := New(serverSock, "127.0.0.1", q, newRecordingDelegate())
	require.NoError(t, err)
	clientConn.Start()
	serverConn.Start()

	// Hold the queue so the write source cannot drain tx, then leave a byte
	// in tx: an empty tx buffer would simply be reallocated to fit.
	release := make(chan struct{})
	q.Async(func() { <-release })
	defer close(release)
	_, err = clientConn.Write([]byte("x"))
	require.NoError(t, err)

	big := make([]byte, bufferSize+1)
	_, err = clientConn.Write(big)
	require.Error(t, err)
}

func TestConnectionGracefulPeerClose(t *testing.T) {
	clientSock, serverSock := connectedPair(t)

	q := queue.New("TestPeerClose", nil)
	defer q.Stop()

	serverDelegate := newRecordingDelegate()
	serverConn, err := New(serverSock, "127.0.0.1", q, serverDelegate)
	require.NoError(t, err)
	serverConn.Start()

	_, err = clientSock.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, clientSock.Close())

	select {
	case <-serverDelegate.disconnectCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server connection never disconnected after peer close")
	}
}
