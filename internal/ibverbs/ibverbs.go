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

//go:build linux

package ibverbs

/*
#cgo LDFLAGS: -libverbs -lrdmacm

#include <arpa/inet.h>
#include <errno.h>
#include <netinet/in.h>
#include <stdlib.h>
#include <string.h>

#include <infiniband/verbs.h>
#include <rdma/rdma_cma.h>
*/
import "C"

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
	"unsafe"
)

// EventChannel is an rdma_event_channel. A Proxy's disconnect watcher and a
// Server's accept loop each own exactly one.
type EventChannel struct {
	ptr *C.struct_rdma_event_channel
}

// CreateEventChannel allocates a new CM event channel.
func CreateEventChannel() (*EventChannel, error) {
	ptr := C.rdma_create_event_channel()
	if ptr == nil {
		return nil, fmt.Errorf("rdma_create_event_channel: %w", lastError())
	}
	return &EventChannel{ptr: ptr}, nil
}

// Destroy releases the event channel. Safe to call at most once.
func (ec *EventChannel) Destroy() {
	if ec == nil || ec.ptr == nil {
		return
	}
	C.rdma_destroy_event_channel(ec.ptr)
	ec.ptr = nil
}

// ID is an rdma_cm_id bound to the reliable-connected (RC) port space.
type ID struct {
	ptr *C.struct_rdma_cm_id
}

// CreateID allocates a new CM id bound to ec, using the TCP (reliable
// connected) port space as spec'd.
func CreateID(ec *EventChannel) (*ID, error) {
	var ptr *C.struct_rdma_cm_id
	if C.rdma_create_id(ec.ptr, &ptr, nil, C.RDMA_PS_TCP) != 0 {
		return nil, fmt.Errorf("rdma_create_id: %w", lastError())
	}
	return &ID{ptr: ptr}, nil
}

// Channel returns the event channel this id is currently bound to.
func (id *ID) Channel() *EventChannel {
	return &EventChannel{ptr: id.ptr.channel}
}

// Bind binds the id to a local address; used by the server listener.
func (id *ID) Bind(addr netip.AddrPort) error {
	sa, saLen := sockaddrIn(addr)
	if C.rdma_bind_addr(id.ptr, (*C.struct_sockaddr)(unsafe.Pointer(&sa))) != 0 {
		return fmt.Errorf("rdma_bind_addr: %w", lastError())
	}
	_ = saLen
	return nil
}

// Listen marks the id as a passive listener with the given backlog.
func (id *ID) Listen(backlog int) error {
	if C.rdma_listen(id.ptr, C.int(backlog)) != 0 {
		return fmt.Errorf("rdma_listen: %w", lastError())
	}
	return nil
}

// ResolveAddr begins address resolution toward addr. The caller must consume
// a matching ADDR_RESOLVED event from the id's channel.
func (id *ID) ResolveAddr(addr netip.AddrPort, timeout time.Duration) error {
	sa, _ := sockaddrIn(addr)
	ms := C.int(timeout.Milliseconds())
	if C.rdma_resolve_addr(id.ptr, nil, (*C.struct_sockaddr)(unsafe.Pointer(&sa)), ms) != 0 {
		return fmt.Errorf("rdma_resolve_addr: %w", lastError())
	}
	return nil
}

// ResolveRoute begins route resolution over the already-resolved address.
// The caller must consume a matching ROUTE_RESOLVED event.
func (id *ID) ResolveRoute(timeout time.Duration) error {
	ms := C.int(timeout.Milliseconds())
	if C.rdma_resolve_route(id.ptr, ms) != 0 {
		return fmt.Errorf("rdma_resolve_route: %w", lastError())
	}
	return nil
}

// Connect issues an active connection request with empty connection
// parameters. The caller must consume a matching ESTABLISHED event.
func (id *ID) Connect() error {
	var params C.struct_rdma_conn_param
	C.memset(unsafe.Pointer(&params), 0, C.sizeof_struct_rdma_conn_param)
	if C.rdma_connect(id.ptr, &params) != 0 {
		return fmt.Errorf("rdma_connect: %w", lastError())
	}
	return nil
}

// Accept completes a passive connection with empty connection parameters.
// The caller must consume a matching ESTABLISHED event.
func (id *ID) Accept() error {
	var params C.struct_rdma_conn_param
	C.memset(unsafe.Pointer(&params), 0, C.sizeof_struct_rdma_conn_param)
	if C.rdma_accept(id.ptr, &params) != 0 {
		return fmt.Errorf("rdma_accept: %w", lastError())
	}
	return nil
}

// Disconnect tears down an established connection. Safe to call more than
// once; idempotent in effect at the RDMA CM level.
func (id *ID) Disconnect() error {
	if C.rdma_disconnect(id.ptr) != 0 {
		return fmt.Errorf("rdma_disconnect: %w", lastError())
	}
	return nil
}

// MigrateID moves the id onto a different event channel. Used by the server
// side of Detach so the listener's channel stays dedicated to new connect
// requests.
func (id *ID) MigrateID(ec *EventChannel) error {
	if C.rdma_migrate_id(id.ptr, ec.ptr) != 0 {
		return fmt.Errorf("rdma_migrate_id: %w", lastError())
	}
	return nil
}

// Destroy releases the CM id. Safe to call at most once.
func (id *ID) Destroy() error {
	if id == nil || id.ptr == nil {
		return nil
	}
	if C.rdma_destroy_id(id.ptr) != 0 {
		return fmt.Errorf("rdma_destroy_id: %w", lastError())
	}
	id.ptr = nil
	return nil
}

func sockaddrIn(addr netip.AddrPort) (C.struct_sockaddr_in, int) {
	var sa C.struct_sockaddr_in
	sa.sin_family = C.AF_INET
	sa.sin_port = C.htons(C.uint16_t(addr.Port()))
	a4 := addr.Addr().As4()
	C.memcpy(unsafe.Pointer(&sa.sin_addr), unsafe.Pointer(&a4[0]), 4)
	return sa, int(unsafe.Sizeof(sa))
}

func lastError() error {
	e := C.errno
	if e == 0 {
		return errors.New("unknown error")
	}
	return errors.New(C.GoString(C.strerror(e)))
}
