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
	"net/netip"
	"sync"
	"time"

	"github.com/jlu-xiurui/rdma-go/echolog"
	"github.com/jlu-xiurui/rdma-go/internal/ibverbs"
	"vawter.tech/stopper"
)

// Server is the passive side of an RDMA RC connection: it binds and
// listens on a local port, then accepts one connection at a time. It
// corresponds to RDMAServer.
type Server struct {
	Config *Config
	Log    *echolog.Sink

	ec       *ibverbs.EventChannel
	listener *ibverbs.ID

	mu struct {
		sync.Mutex
		proxies map[*Proxy]struct{}
	}
}

// NewServer constructs a Server. BindAndListen must be called before
// Accept.
func NewServer(cfg *Config, log *echolog.Sink) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{Config: cfg, Log: log}
	s.mu.proxies = make(map[*Proxy]struct{})
	return s
}

// BindAndListen binds a CM id to port on every local interface and begins
// listening for connection requests. It corresponds to
// RDMAServer::BindAndListen.
func (s *Server) BindAndListen(port uint16) error {
	s.Log.Log("Listening on port %d", port)

	ec, err := ibverbs.CreateEventChannel()
	if err != nil {
		s.Log.Log("RDMAServer Listening: rdma_create_event_channel Fail(%s)", err)
		return fmt.Errorf("proxy: create event channel: %w", err)
	}
	id, err := ibverbs.CreateID(ec)
	if err != nil {
		ec.Destroy()
		s.Log.Log("RDMAServer Listening: create_id %d Fail(%s)", port, err)
		return fmt.Errorf("proxy: create id: %w", err)
	}
	addr := netip.AddrPortFrom(netip.IPv4Unspecified(), port)
	if err := id.Bind(addr); err != nil {
		s.Log.Log("rdma_bind_addr in port:%d Fail(%s)", port, err)
		return fmt.Errorf("proxy: bind: %w", err)
	}
	if err := id.Listen(s.Config.ListenBacklog); err != nil {
		s.Log.Log("rdma_listen in port:%d Fail(%s)", port, err)
		return fmt.Errorf("proxy: listen: %w", err)
	}

	s.ec = ec
	s.listener = id
	s.Log.Log("RDMAServer BindAndListen Success")
	return nil
}

// Accept blocks for the next connection request, establishes it, and
// returns an active Proxy. It corresponds to RDMAServer::Accept: wait for
// the CONNECT_REQUEST event, generate the proxy, accept, then detach onto
// a fresh event channel so the listener's channel remains free for the
// next connection request.
func (s *Server) Accept(ctx *stopper.Context) (*Proxy, error) {
	id, err := s.waitListen()
	if err != nil {
		s.Log.Log("RDMAServer WaitListen Fail(%s)", err)
		return nil, err
	}

	proxy, err := newFromID(ctx, id, s.Config, s.Log)
	if err != nil {
		s.Log.Log("GenerateProxy Fail(%s)", err)
		return nil, err
	}

	if err := s.waitAccept(id); err != nil {
		s.Log.Log("RDMAServer WaitAccept Fail(%s)", err)
		return nil, err
	}
	if err := proxy.detach(ctx, nil, false); err != nil {
		s.Log.Log("RDMAServer Accept: Detach Fail(%s)", err)
		return nil, err
	}

	s.mu.Lock()
	s.mu.proxies[proxy] = struct{}{}
	s.mu.Unlock()
	return proxy, nil
}

// Drain waits up to timeout for every Proxy this Server has accepted to
// become inactive (disconnected), sweeping the registry at a fixed
// interval, the same recheck-on-a-tick idiom the teacher's own config
// reload loop uses. It returns once the registry is empty or once timeout
// elapses, whichever comes first; it does not itself call Disconnect on
// the proxies still outstanding.
func (s *Server) Drain(timeout time.Duration) {
	const tick = 100 * time.Millisecond
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		for p := range s.mu.proxies {
			if !p.IsActive() {
				delete(s.mu.proxies, p)
			}
		}
		empty := len(s.mu.proxies) == 0
		s.mu.Unlock()
		if empty || time.Now().After(deadline) {
			return
		}
		time.Sleep(tick)
	}
}

// Close releases the listening id and its event channel.
func (s *Server) Close() error {
	if s.listener != nil {
		if err := s.listener.Destroy(); err != nil {
			return err
		}
	}
	s.ec.Destroy()
	return nil
}

func (s *Server) waitListen() (*ibverbs.ID, error) {
	event, err := s.ec.GetEvent()
	if err != nil {
		return nil, fmt.Errorf("proxy: listen get event: %w", err)
	}
	defer event.Ack()
	if event.Kind() != ibverbs.ConnectRequest {
		return nil, fmt.Errorf("proxy: accept: unexpected event kind %d", event.Kind())
	}
	s.Log.Log("RDMAServer Receive Connect Request")
	return event.ID(), nil
}

func (s *Server) waitAccept(id *ibverbs.ID) error {
	if err := id.Accept(); err != nil {
		return fmt.Errorf("proxy: accept: %w", err)
	}
	event, err := s.ec.GetEvent()
	if err != nil {
		return fmt.Errorf("proxy: accept get event: %w", err)
	}
	defer event.Ack()
	if event.Kind() != ibverbs.Established {
		return fmt.Errorf("proxy: accept: unexpected event kind %d", event.Kind())
	}
	s.Log.Log("RDMAServer Accept Success")
	return nil
}
