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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ringsock/ringsock/internal/queue"
)

func TestListenAcceptConnect(t *testing.T) {
	listener := New(FamilyIPv4, ProtoTCP)
	require.NoError(t, listener.Bind(0, "127.0.0.1"))
	require.NoError(t, listener.Listen(16))

	port := listenerPort(t, listener)

	dialer := New(FamilyIPv4, ProtoTCP)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, dialer.Connect(ctx, "127.0.0.1", port, true))

	var accepted *Socket
	require.Eventually(t, func() bool {
		s, err := listener.Accept(true)
		if err != nil {
			return false
		}
		accepted = s
		return true
	}, 2*time.Second, time.Millisecond)

	require.NotNil(t, accepted)
	require.True(t, accepted.IsConnected())
	defer accepted.Close()
	defer dialer.Close()
	defer listener.Close()
}

func TestAcceptEAGAINWhenNoneQueued(t *testing.T) {
	listener := New(FamilyIPv4, ProtoTCP)
	require.NoError(t, listener.Bind(0, "127.0.0.1"))
	require.NoError(t, listener.Listen(16))
	defer listener.Close()

	_, err := listener.Accept(true)
	require.Error(t, err)
}

func TestReadWriteRoundTrip(t *testing.T) {
	listener := New(FamilyIPv4, ProtoTCP)
	require.NoError(t, listener.Bind(0, "127.0.0.1"))
	require.NoError(t, listener.Listen(16))
	defer listener.Close()

	port := listenerPort(t, listener)

	dialer := New(FamilyIPv4, ProtoTCP)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, dialer.Connect(ctx, "127.0.0.1", port, true))
	defer dialer.Close()

	var accepted *Socket
	require.Eventually(t, func() bool {
		s, err := listener.Accept(true)
		if err != nil {
			return false
		}
		accepted = s
		return true
	}, 2*time.Second, time.Millisecond)
	defer accepted.Close()

	msg := []byte("hello ringsock")
	require.Eventually(t, func() bool {
		n, err := dialer.Write(msg)
		return err == nil && n == len(msg)
	}, 2*time.Second, time.Millisecond)

	buf := make([]byte, 64)
	var n int
	require.Eventually(t, func() bool {
		var err error
		n, err = accepted.Read(buf)
		return err == nil && n > 0
	}, 2*time.Second, time.Millisecond)
	require.Equal(t, msg, buf[:n])
}

func TestSourceResumeFiresOnReadable(t *testing.T) {
	listener := New(FamilyIPv4, ProtoTCP)
	require.NoError(t, listener.Bind(0, "127.0.0.1"))
	require.NoError(t, listener.Listen(16))
	defer listener.Close()

	port := listenerPort(t, listener)

	dialer := New(FamilyIPv4, ProtoTCP)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, dialer.Connect(ctx, "127.0.0.1", port, true))
	defer dialer.Close()

	var accepted *Socket
	require.Eventually(t, func() bool {
		s, err := listener.Accept(true)
		if err != nil {
			return false
		}
		accepted = s
		return true
	}, 2*time.Second, time.Millisecond)
	defer accepted.Close()

	q := queue.New("TestSource", nil)
	defer q.Stop()

	src, err := accepted.MakeReadSource(q)
	require.NoError(t, err)
	defer src.Cancel()

	fired := make(chan struct{}, 1)
	src.SetEventHandler(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	require.NoError(t, src.Resume())

	_, err = dialer.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("read source never fired")
	}
}

func listenerPort(t *testing.T, s *Socket) int {
	t.Helper()
	addr, err := unixGetsockname(s.Fd())
	require.NoError(t, err)
	return addr
}
