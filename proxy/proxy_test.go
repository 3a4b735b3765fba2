// Copyright (c) 2025 Bob Vawter (bob@vawter.org)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//
// SPDX-License-Identifier: MIT

package proxy

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jlu-xiurui/rdma-go/echolog"
	"github.com/stretchr/testify/require"
)

// newTestProxy builds a Proxy exercising only the queue/closing state
// machine: no CM id, PD, or allocators are attached, so tests here must
// not call any method that touches p.id, p.pd, or the allocators (that
// is Close, Disconnect, SendMessage, postRecv and friends). They cover
// RecvMessage/IsActive/waitTimeout, which is pure Go concurrency logic
// grounded on RDMAProxy::RecvMessage and RDMAProxy::PollCQ's condition
// variable handshake.
func newTestProxy(t *testing.T) *Proxy {
	t.Helper()
	log, err := echolog.New(filepath.Join(t.TempDir(), "proxy.log"), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	p := &Proxy{log: log}
	p.cond = sync.NewCond(&p.mu.Mutex)
	return p
}

func TestRecvMessageDrainsQueueBeforeClosing(t *testing.T) {
	p := newTestProxy(t)

	p.mu.Lock()
	p.mu.queue = append(p.mu.queue, []byte("first"), []byte("second"))
	p.mu.Unlock()
	p.markClosing()

	msg, err := p.RecvMessage()
	require.NoError(t, err)
	require.Equal(t, "first", string(msg))

	msg, err = p.RecvMessage()
	require.NoError(t, err)
	require.Equal(t, "second", string(msg))

	_, err = p.RecvMessage()
	require.ErrorIs(t, err, ErrClosed)
}

func TestRecvMessageBlocksUntilMessageArrives(t *testing.T) {
	p := newTestProxy(t)

	const delay = 50 * time.Millisecond
	go func() {
		time.Sleep(delay)
		p.mu.Lock()
		p.mu.queue = append(p.mu.queue, []byte("hello"))
		p.cond.Broadcast()
		p.mu.Unlock()
	}()

	start := time.Now()
	msg, err := p.RecvMessage()
	require.NoError(t, err)
	require.Equal(t, "hello", string(msg))
	require.GreaterOrEqual(t, time.Since(start), delay)
}

func TestRecvMessageUnblocksOnClose(t *testing.T) {
	p := newTestProxy(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := p.RecvMessage()
		require.ErrorIs(t, err, ErrClosed)
	}()

	time.Sleep(20 * time.Millisecond)
	p.markClosing()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RecvMessage did not unblock after markClosing")
	}
}

func TestIsActiveReflectsClosingState(t *testing.T) {
	p := newTestProxy(t)
	require.True(t, p.IsActive())
	p.markClosing()
	require.False(t, p.IsActive())
}

func TestWaitTimeoutReturnsAfterDuration(t *testing.T) {
	p := newTestProxy(t)

	const d = 30 * time.Millisecond
	p.mu.Lock()
	start := time.Now()
	p.waitTimeout(d)
	elapsed := time.Since(start)
	p.mu.Unlock()

	require.GreaterOrEqual(t, elapsed, d)
}

func TestWaitTimeoutWakesEarlyOnBroadcast(t *testing.T) {
	p := newTestProxy(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	}()

	p.mu.Lock()
	start := time.Now()
	p.waitTimeout(time.Second)
	elapsed := time.Since(start)
	p.mu.Unlock()

	require.Less(t, elapsed, 500*time.Millisecond)
}
