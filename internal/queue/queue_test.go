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

package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeLogger struct {
	mu   sync.Mutex
	logs []string
}

func (f *fakeLogger) Printf(format string, args ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, format)
}

func TestSerialFIFOOrdering(t *testing.T) {
	q := New("TestSerial", nil)
	defer q.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		i := i
		q.Async(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestSerialRecoversPanics(t *testing.T) {
	lg := &fakeLogger{}
	q := New("TestPanic", lg)
	defer q.Stop()

	done := make(chan struct{})
	q.Async(func() { panic("boom") })
	q.Async(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue stalled after a panicking task")
	}

	lg.mu.Lock()
	defer lg.mu.Unlock()
	require.Len(t, lg.logs, 1)
}

func TestAsyncAfterCancel(t *testing.T) {
	q := New("TestTimer", nil)
	defer q.Stop()

	fired := make(chan struct{})
	cancel := q.AsyncAfter(10*time.Millisecond, func() { close(fired) })
	cancel()

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(50 * time.Millisecond):
	}
}
