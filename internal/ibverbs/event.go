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
#include <rdma/rdma_cma.h>
*/
import "C"

import "fmt"

// EventKind classifies a CM event down to the handful this library acts on.
// Every other rdma_cm_event_type collapses to Other.
type EventKind int

const (
	Other EventKind = iota
	AddrResolved
	RouteResolved
	Established
	ConnectRequest
	Disconnected
)

func eventKind(t C.enum_rdma_cm_event_type) EventKind {
	switch t {
	case C.RDMA_CM_EVENT_ADDR_RESOLVED:
		return AddrResolved
	case C.RDMA_CM_EVENT_ROUTE_RESOLVED:
		return RouteResolved
	case C.RDMA_CM_EVENT_ESTABLISHED:
		return Established
	case C.RDMA_CM_EVENT_CONNECT_REQUEST:
		return ConnectRequest
	case C.RDMA_CM_EVENT_DISCONNECTED:
		return Disconnected
	default:
		return Other
	}
}

// CMEvent is a single event pulled off an EventChannel. It must be
// acknowledged via Ack exactly once, which releases the event struct. The
// *ID returned by ID stays usable after Ack: for ConnectRequest, the new
// per-connection id lives on until it is destroyed.
type CMEvent struct {
	ptr  *C.struct_rdma_cm_event
	kind EventKind
	id   *ID
}

// Kind reports which of the small set of CM events this handshake cares
// about occurred.
func (e *CMEvent) Kind() EventKind {
	return e.kind
}

// ID returns the CM id the event pertains to. For ConnectRequest, this is
// the newly-created per-connection id, distinct from the listener's id.
func (e *CMEvent) ID() *ID {
	return e.id
}

// GetEvent blocks until a CM event is available on ec and returns it
// unacknowledged.
func (ec *EventChannel) GetEvent() (*CMEvent, error) {
	var ptr *C.struct_rdma_cm_event
	if C.rdma_get_cm_event(ec.ptr, &ptr) != 0 {
		return nil, fmt.Errorf("rdma_get_cm_event: %w", lastError())
	}
	return &CMEvent{
		ptr:  ptr,
		kind: eventKind(ptr.event),
		id:   &ID{ptr: ptr.id},
	}, nil
}

// Ack acknowledges and releases the event. Must be called exactly once per
// event returned by GetEvent, and before the corresponding id is destroyed.
func (e *CMEvent) Ack() error {
	if e == nil || e.ptr == nil {
		return nil
	}
	if C.rdma_ack_cm_event(e.ptr) != 0 {
		return fmt.Errorf("rdma_ack_cm_event: %w", lastError())
	}
	e.ptr = nil
	return nil
}
