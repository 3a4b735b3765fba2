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
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jlu-xiurui/rdma-go/echolog"
	"github.com/jlu-xiurui/rdma-go/internal/rdmatest"
	"github.com/stretchr/testify/require"
	"vawter.tech/stopper"
)

// skipWithoutRDMA skips the calling test unless at least one RDMA device
// (real hardware, or a Soft-RoCE loopback device registered by the
// rdma_rxe kernel module) is present. There is no software/mock verbs
// backend in this tree — internal/ibverbs binds concrete cgo types, not
// interfaces that a fake could implement (see DESIGN.md) — so exercising
// Proxy end to end genuinely needs a device.
func skipWithoutRDMA(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir("/sys/class/infiniband")
	if err != nil || len(entries) == 0 {
		t.Skip("no RDMA device present (load rdma_rxe for a Soft-RoCE loopback device, or run on RDMA-capable hardware)")
	}
}

// TestLoopbackSingleEcho is scenario P1 from spec.md §8: a client connects,
// sends one message, and the server's RecvMessage returns it with the
// trailing NUL terminator stripped. It runs under rdmatest so a goroutine
// leaked by either side's pollCQ or waitDisconnected fails the test.
func TestLoopbackSingleEcho(t *testing.T) {
	skipWithoutRDMA(t)
	ctx := rdmatest.NewStopperForTest(t)

	log, err := echolog.New(filepath.Join(t.TempDir(), "integration.log"), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	cfg := DefaultConfig()
	srv := NewServer(cfg, log)
	port := uint16(20000 + os.Getpid()%10000)
	require.NoError(t, srv.BindAndListen(port))
	t.Cleanup(func() { _ = srv.Close() })

	accepted := make(chan *Proxy, 1)
	acceptErr := make(chan error, 1)
	ctx.Go(func(ctx *stopper.Context) error {
		p, err := srv.Accept(ctx)
		if err != nil {
			acceptErr <- err
			return nil
		}
		accepted <- p
		return nil
	})

	cl := NewClient(cfg, log)
	clientProxy, err := cl.Connect(ctx, fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientProxy.Close() })

	var serverProxy *Proxy
	select {
	case serverProxy = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("accept failed: %v", err)
	}
	t.Cleanup(func() { _ = serverProxy.Close() })

	require.NoError(t, clientProxy.SendMessage([]byte("hello")))

	msg, err := serverProxy.RecvMessage()
	require.NoError(t, err)
	require.Equal(t, "hello", string(msg))
}
