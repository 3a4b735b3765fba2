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
	"net"
	"net/netip"

	"github.com/jlu-xiurui/rdma-go/echolog"
	"github.com/jlu-xiurui/rdma-go/internal/ibverbs"
	"vawter.tech/stopper"
)

// Client is the active side of an RDMA RC connection: it resolves a peer
// address and route, then dials. It corresponds to RDMAClient.
type Client struct {
	Config *Config
	Log    *echolog.Sink
}

// NewClient constructs a Client. log must not be nil: every connection
// step writes its trace to it.
func NewClient(cfg *Config, log *echolog.Sink) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Client{Config: cfg, Log: log}
}

// Connect resolves addr (host:port) and establishes an RDMA RC connection
// to it, returning an active Proxy. It corresponds to RDMAClient::Connect:
// resolve address, resolve route, generate the proxy (PD/CQ/MR/QP setup),
// connect, then detach onto the id's own event channel.
func (c *Client) Connect(ctx *stopper.Context, addr string) (*Proxy, error) {
	target, err := resolveAddrPort(addr)
	if err != nil {
		c.Log.Log("RDMAClient Connecting: resolve %s Fail(%s)", addr, err)
		return nil, fmt.Errorf("proxy: resolve %s: %w", addr, err)
	}

	ec, err := ibverbs.CreateEventChannel()
	if err != nil {
		c.Log.Log("RDMAClient Connecting: create_event_channel %s Fail(%s)", addr, err)
		return nil, fmt.Errorf("proxy: create event channel: %w", err)
	}
	id, err := ibverbs.CreateID(ec)
	if err != nil {
		ec.Destroy()
		c.Log.Log("RDMAClient Connecting: create_id %s Fail(%s)", addr, err)
		return nil, fmt.Errorf("proxy: create id: %w", err)
	}

	if err := c.waitResolveAddr(ec, id, target); err != nil {
		c.Log.Log("RDMAClient Connecting: WaitResolveAddr %s Fail(%s)", addr, err)
		return nil, err
	}
	if err := c.waitResolveRoute(ec, id); err != nil {
		c.Log.Log("RDMAClient Connecting: WaitResolveRoute %s Fail(%s)", addr, err)
		return nil, err
	}

	proxy, err := newFromID(ctx, id, c.Config, c.Log)
	if err != nil {
		c.Log.Log("GenerateProxy %s Fail(%s)", addr, err)
		return nil, err
	}

	if err := c.waitConnected(ec, id); err != nil {
		c.Log.Log("RDMAClient Connecting: WaitConnected %s Fail(%s)", addr, err)
		return nil, err
	}
	if err := proxy.detach(ctx, ec, true); err != nil {
		c.Log.Log("RDMAClient Connecting: Detach Fail(%s)", err)
		return nil, err
	}
	return proxy, nil
}

func (c *Client) waitResolveAddr(ec *ibverbs.EventChannel, id *ibverbs.ID, target netip.AddrPort) error {
	if err := id.ResolveAddr(target, c.Config.ResolveTimeout); err != nil {
		return fmt.Errorf("proxy: resolve_addr: %w", err)
	}
	event, err := ec.GetEvent()
	if err != nil {
		return fmt.Errorf("proxy: resolve_addr get event: %w", err)
	}
	defer event.Ack()
	if event.Kind() != ibverbs.AddrResolved {
		return fmt.Errorf("proxy: resolve_addr: unexpected event kind %d", event.Kind())
	}
	c.Log.Log("RDMAClient Connecting: ResolveAddr Success")
	return nil
}

func (c *Client) waitResolveRoute(ec *ibverbs.EventChannel, id *ibverbs.ID) error {
	if err := id.ResolveRoute(c.Config.ResolveTimeout); err != nil {
		return fmt.Errorf("proxy: resolve_route: %w", err)
	}
	event, err := ec.GetEvent()
	if err != nil {
		return fmt.Errorf("proxy: resolve_route get event: %w", err)
	}
	defer event.Ack()
	if event.Kind() != ibverbs.RouteResolved {
		return fmt.Errorf("proxy: resolve_route: unexpected event kind %d", event.Kind())
	}
	c.Log.Log("RDMAClient Connecting: ResolveRoute Success")
	return nil
}

func (c *Client) waitConnected(ec *ibverbs.EventChannel, id *ibverbs.ID) error {
	if err := id.Connect(); err != nil {
		return fmt.Errorf("proxy: connect: %w", err)
	}
	event, err := ec.GetEvent()
	if err != nil {
		return fmt.Errorf("proxy: connect get event: %w", err)
	}
	defer event.Ack()
	if event.Kind() != ibverbs.Established {
		return fmt.Errorf("proxy: connect: unexpected event kind %d", event.Kind())
	}
	c.Log.Log("RDMAClient Connect Success")
	return nil
}

// resolveAddrPort resolves a host:port string (hostname or literal
// address) to a concrete IPv4 endpoint, the way getaddrinfo does for the
// reference client before it calls rdma_resolve_addr.
func resolveAddrPort(addr string) (netip.AddrPort, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ip, ok := netip.AddrFromSlice(tcpAddr.IP.To4())
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("proxy: %s did not resolve to an IPv4 address", addr)
	}
	return netip.AddrPortFrom(ip, uint16(tcpAddr.Port)), nil
}
