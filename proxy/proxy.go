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

// Package proxy implements a connection-oriented, bidirectional messaging
// channel over a single RDMA Reliable-Connection queue pair. A Proxy is
// constructed from an already address-and-route-resolved CM id by either
// Client.Connect (active side) or Server.Accept (passive side); from that
// point the two sides are symmetric.
package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jlu-xiurui/rdma-go/echolog"
	"github.com/jlu-xiurui/rdma-go/internal/ibverbs"
	"github.com/jlu-xiurui/rdma-go/mralloc"
	"github.com/jlu-xiurui/rdma-go/wr"
	"vawter.tech/stopper"
)

// ErrClosed is returned by RecvMessage when the connection has been
// disconnected and the receive queue has been fully drained.
var ErrClosed = errors.New("proxy: connection closed")

// Proxy is one end of an established RDMA RC connection. All exported
// methods are safe for concurrent use; SendMessage in particular is
// expected to be called from multiple goroutines at once.
type Proxy struct {
	id        *ibverbs.ID
	pd        *ibverbs.PD
	sendCQ    *ibverbs.CQ
	recvCQ    *ibverbs.CQ
	sendAlloc *mralloc.Allocator
	recvAlloc *mralloc.Allocator
	log       *echolog.Sink
	cfg       *Config

	requestID atomic.Uint64
	inFlight  atomic.Int64
	closing   atomic.Bool

	mu struct {
		sync.Mutex
		queue [][]byte
	}
	cond *sync.Cond
}

// newFromID performs the RDMA setup common to both the client and server
// paths: allocate a protection domain, create completion queues, register
// the send and receive memory regions, create the queue pair, start the
// completion poller, and prime the receive queue with credits. It
// corresponds to GenerateProxy plus the RDMAProxy constructor in the
// reference implementation.
func newFromID(ctx *stopper.Context, id *ibverbs.ID, cfg *Config, log *echolog.Sink) (*Proxy, error) {
	pd, err := id.AllocPD()
	if err != nil {
		return nil, fmt.Errorf("proxy: alloc pd: %w", err)
	}
	sendCQ, err := id.CreateCQ(cfg.MaxSendCQE)
	if err != nil {
		_ = pd.Dealloc()
		return nil, fmt.Errorf("proxy: create send cq: %w", err)
	}
	recvCQ, err := id.CreateCQ(cfg.MaxRecvCQE)
	if err != nil {
		_ = sendCQ.Destroy()
		_ = pd.Dealloc()
		return nil, fmt.Errorf("proxy: create recv cq: %w", err)
	}

	sendAlloc := mralloc.New()
	if err := sendAlloc.Register(pd, make([]byte, cfg.RDMABufferSize)); err != nil {
		return nil, fmt.Errorf("proxy: register send mr: %w", err)
	}
	recvAlloc := mralloc.New()
	if err := recvAlloc.Register(pd, make([]byte, cfg.RDMABufferSize)); err != nil {
		_ = sendAlloc.Deregister()
		return nil, fmt.Errorf("proxy: register recv mr: %w", err)
	}

	if err := id.CreateQP(pd, ibverbs.QPConfig{
		SendCQ:     sendCQ,
		RecvCQ:     recvCQ,
		MaxSendWR:  cfg.MaxSendWR,
		MaxRecvWR:  cfg.MaxRecvWR,
		MaxSendSGE: 1,
		MaxRecvSGE: 1,
	}); err != nil {
		return nil, fmt.Errorf("proxy: create qp: %w", err)
	}

	p := &Proxy{
		id:        id,
		pd:        pd,
		sendCQ:    sendCQ,
		recvCQ:    recvCQ,
		sendAlloc: sendAlloc,
		recvAlloc: recvAlloc,
		log:       log,
		cfg:       cfg,
	}
	p.cond = sync.NewCond(&p.mu.Mutex)

	ctx.Go(func(ctx *stopper.Context) error {
		p.pollCQ(ctx)
		return nil
	})

	for i := 0; i < cfg.MaxRecvCQE; i++ {
		if err := p.postRecv(); err != nil {
			log.Log("PostRecv priming (%d): AllocateWR Fail", cfg.RecvSlotSize)
			break
		}
	}

	return p, nil
}

// SendMessage asynchronously submits payload as a signalled SEND work
// request. It returns once the request has been posted, not once it has
// completed; a failed transfer surfaces only as a logged completion error,
// matching the reference implementation's fire-and-forget SendMessage.
func (p *Proxy) SendMessage(payload []byte) error {
	wrID := p.requestID.Add(1) - 1
	p.log.Log("SEND Msg(%d)  : %s", wrID, payload)

	sendWR, err := p.sendAlloc.AllocateSend(wrID, payload)
	if err != nil {
		p.log.Log("SendMessage(%s): AllocateWR Fail", payload)
		return fmt.Errorf("proxy: send message: %w", err)
	}
	if err := p.id.PostSend(sendWR); err != nil {
		p.log.Log("ibv_post_send msg Fail(%s) : %s", err, payload)
		p.sendAlloc.Release(wrID)
		return fmt.Errorf("proxy: post send: %w", err)
	}
	p.inFlight.Add(1)
	return nil
}

// RecvMessage returns the next message delivered over the connection,
// blocking while the queue is empty and the connection is still active. It
// returns ErrClosed once the connection has been disconnected and every
// already-received message has been drained.
func (p *Proxy) RecvMessage() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.mu.queue) == 0 && p.IsActive() {
		p.waitTimeout(time.Second)
	}
	if len(p.mu.queue) == 0 {
		p.log.Log("RecvMessage: Proxy Closing")
		return nil, ErrClosed
	}
	msg := p.mu.queue[0]
	p.mu.queue = p.mu.queue[1:]
	return msg, nil
}

// waitTimeout blocks on p.cond for at most d, re-evaluating the loop
// condition in RecvMessage either when woken by a completion or when the
// timer fires, matching the reference implementation's 1000ms
// condition_variable::wait_for re-check loop. p.mu must be held on entry;
// it is released while waiting and re-acquired before returning.
func (p *Proxy) waitTimeout(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()
	p.cond.Wait()
}

// Disconnect actively tears down the connection. Safe to call more than
// once. The RDMA-level teardown completes asynchronously; callers that
// need to wait for it should watch IsActive or wait on the stopper.Context
// the Proxy was constructed with.
func (p *Proxy) Disconnect() error {
	p.log.Log("Disconnect")
	p.closing.Store(true)
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
	if err := p.id.Disconnect(); err != nil {
		return fmt.Errorf("proxy: disconnect: %w", err)
	}
	return nil
}

// IsActive reports whether the connection has not yet begun closing.
func (p *Proxy) IsActive() bool {
	return !p.closing.Load()
}

// Stats reports the current send/recv allocator utilization.
type Stats struct {
	Send mralloc.Stats
	Recv mralloc.Stats
}

// Stats returns a snapshot of both memory allocators' utilization.
func (p *Proxy) Stats() Stats {
	return Stats{Send: p.sendAlloc.Stats(), Recv: p.recvAlloc.Stats()}
}

// postRecv posts one more receive work request sized to cfg.RecvSlotSize,
// bumping the in-flight counter so the poller knows to keep running.
func (p *Proxy) postRecv() error {
	wrID := p.requestID.Add(1) - 1
	recvWR, err := p.recvAlloc.AllocateRecv(wrID, p.cfg.RecvSlotSize)
	if err != nil {
		p.log.Log("PostRecv(%d): AllocateWR Fail", p.cfg.RecvSlotSize)
		return err
	}
	if err := p.id.PostRecv(recvWR); err != nil {
		p.log.Log("ibv_post_recv Fail (%s)", err)
		p.recvAlloc.Release(wrID)
		return err
	}
	p.inFlight.Add(1)
	p.log.Log("ibv_post_recv (%d)", wrID)
	return nil
}

// pollCQ drains both completion queues until the connection has begun
// closing and every outstanding work request has completed, mirroring
// RDMAProxy::PollCQ's "in_flight_tasks_ > 0 || !closing" exit condition
// verbatim: a connection that starts closing while requests are still
// outstanding keeps polling until they drain.
func (p *Proxy) pollCQ(ctx *stopper.Context) {
	for p.inFlight.Load() > 0 || !p.closing.Load() {
		for {
			wc, ok, err := ibverbs.PollCQ(p.sendCQ)
			if err != nil {
				slog.ErrorContext(ctx, "poll send cq", "error", err)
				break
			}
			if !ok {
				break
			}
			p.handleWorkComplete(wc)
		}
		for {
			wc, ok, err := ibverbs.PollCQ(p.recvCQ)
			if err != nil {
				slog.ErrorContext(ctx, "poll recv cq", "error", err)
				break
			}
			if !ok {
				break
			}
			p.handleWorkComplete(wc)
		}
		select {
		case <-ctx.Stopping():
			// Keep looping; the exit condition above still governs, but
			// there is no point waiting a full tick once told to drain.
		case <-time.After(3 * time.Millisecond):
		}
	}
	p.log.Log("PollCQ() Exit")
}

// handleWorkComplete applies one completion to the allocator and, for
// receives, the message queue. It corresponds directly to
// RDMAProxy::HandleWorkComplete.
func (p *Proxy) handleWorkComplete(wc ibverbs.WC) {
	p.inFlight.Add(-1)
	if wc.Status != 0 {
		if !p.closing.Load() {
			p.log.Log("HandleWorkComplete WorkRequest(%d) Fail(status:%d, opcode:%d)", wc.ID, wc.Status, wc.Opcode)
		}
		return
	}

	switch wc.Opcode {
	case ibverbs.OpcodeRecv:
		msg, err := p.recvAlloc.Bytes(wc.ID, wc.ByteLen)
		if err != nil {
			p.log.Log("HandleWorkComplete recv(%d): %s", wc.ID, err)
			return
		}
		// SendMessage always appends a NUL terminator; strip it so the
		// application never sees it.
		if n := len(msg); n > 0 && msg[n-1] == 0 {
			msg = msg[:n-1]
		}
		p.mu.Lock()
		p.mu.queue = append(p.mu.queue, msg)
		p.mu.Unlock()
		p.log.Log("RECV Msg(%d) : %s", wc.ID, msg)
		p.recvAlloc.Release(wc.ID)
		if !p.closing.Load() {
			_ = p.postRecv()
		}
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	case ibverbs.OpcodeSend:
		p.log.Log("SEND Msg(%d) SUCCESS", wc.ID)
		p.sendAlloc.Release(wc.ID)
	default:
		p.log.Log("Unknown opcode WC id : %d", wc.ID)
	}
}

// detach hands the CM id off to a dedicated event channel (or, if keepEC
// is true, adopts the channel it already has) and starts the goroutine
// that waits for the peer- or self-initiated DISCONNECTED event. It
// corresponds to RDMAProxy::Detach.
func (p *Proxy) detach(ctx *stopper.Context, ec *ibverbs.EventChannel, keepEC bool) error {
	if !keepEC {
		var err error
		ec, err = ibverbs.CreateEventChannel()
		if err != nil {
			return fmt.Errorf("proxy: detach: create event channel: %w", err)
		}
		if err := p.id.MigrateID(ec); err != nil {
			return fmt.Errorf("proxy: detach: migrate id: %w", err)
		}
	}

	ctx.Go(func(ctx *stopper.Context) error {
		p.waitDisconnected(ec)
		return nil
	})
	p.log.Log("RDMAProxy Detach")
	return nil
}

// waitDisconnected blocks for the terminal DISCONNECTED CM event and marks
// the proxy as closing once it (or any unexpected event, or an error)
// arrives. It corresponds to RDMAProxy::WaitDisconnected.
func (p *Proxy) waitDisconnected(ec *ibverbs.EventChannel) {
	event, err := ec.GetEvent()
	if err != nil {
		p.log.Log("WaitDisconnect: get event Fail(%s)", err)
		p.markClosing()
		return
	}
	if event.Kind() != ibverbs.Disconnected {
		p.log.Log("WaitDisconnect Don't get Disconnect Event %d", event.Kind())
		p.markClosing()
		return
	}
	_ = event.Ack()
	p.markClosing()
	p.log.Log("RDMAProxy Disconnected")
}

func (p *Proxy) markClosing() {
	p.closing.Store(true)
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Close releases every RDMA resource the Proxy owns. Disconnect is always
// issued first, even if the connection has already begun closing, matching
// the reference implementation's destructor, which treats a
// disconnect-on-teardown as mandatory rather than optional.
func (p *Proxy) Close() error {
	_ = p.Disconnect()

	p.id.DestroyQP()
	err := p.sendAlloc.Deregister()
	err = firstErr(err, p.recvAlloc.Deregister())
	err = firstErr(err, p.pd.Dealloc())
	err = firstErr(err, p.id.Destroy())
	p.log.Log("~RDMAProxy() Done")
	return err
}

func firstErr(first, second error) error {
	if first != nil {
		return first
	}
	return second
}
