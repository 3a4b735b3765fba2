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
#include <infiniband/verbs.h>
#include <rdma/rdma_cma.h>
#include <stdlib.h>
#include <string.h>

static struct ibv_send_wr *alloc_send_wr(void) {
	return calloc(1, sizeof(struct ibv_send_wr));
}

static struct ibv_recv_wr *alloc_recv_wr(void) {
	return calloc(1, sizeof(struct ibv_recv_wr));
}

static struct ibv_sge *alloc_sge(void) {
	return calloc(1, sizeof(struct ibv_sge));
}
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/jlu-xiurui/rdma-go/wr"
)

// PD is a protection domain. One per Proxy; every registered MR and created
// QP belongs to it.
type PD struct {
	ptr *C.struct_ibv_pd
}

// AllocPD allocates a protection domain over the verbs context backing id.
func (id *ID) AllocPD() (*PD, error) {
	ptr := C.ibv_alloc_pd(id.ptr.verbs)
	if ptr == nil {
		return nil, fmt.Errorf("ibv_alloc_pd: %w", lastError())
	}
	return &PD{ptr: ptr}, nil
}

// Dealloc releases the protection domain. Safe to call at most once.
func (pd *PD) Dealloc() error {
	if pd == nil || pd.ptr == nil {
		return nil
	}
	if C.ibv_dealloc_pd(pd.ptr) != 0 {
		return fmt.Errorf("ibv_dealloc_pd: %w", lastError())
	}
	pd.ptr = nil
	return nil
}

// MR is a registered, pinned memory region.
type MR struct {
	ptr *C.struct_ibv_mr
}

// RegMR pins and registers buf for local write and remote write access. The
// caller (mralloc.Allocator) owns buf's lifetime; the MR must be
// deregistered before buf is released or reused.
func (pd *PD) RegMR(buf []byte) (*MR, error) {
	if len(buf) == 0 {
		return nil, errors.New("ibverbs: cannot register empty buffer")
	}
	access := C.IBV_ACCESS_LOCAL_WRITE | C.IBV_ACCESS_REMOTE_WRITE
	ptr := C.ibv_reg_mr(pd.ptr, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), C.int(access))
	if ptr == nil {
		return nil, fmt.Errorf("ibv_reg_mr: %w", lastError())
	}
	return &MR{ptr: ptr}, nil
}

// Dereg releases the memory region. Safe to call at most once.
func (mr *MR) Dereg() error {
	if mr == nil || mr.ptr == nil {
		return nil
	}
	if C.ibv_dereg_mr(mr.ptr) != 0 {
		return fmt.Errorf("ibv_dereg_mr: %w", lastError())
	}
	mr.ptr = nil
	return nil
}

// LKey returns the region's local key, used to populate outgoing SGEs.
func (mr *MR) LKey() uint32 {
	return uint32(mr.ptr.lkey)
}

// CQ is a completion queue.
type CQ struct {
	ptr *C.struct_ibv_cq
}

// CreateCQ creates a completion queue of the given depth over the verbs
// context backing id.
func (id *ID) CreateCQ(depth int) (*CQ, error) {
	ptr := C.ibv_create_cq(id.ptr.verbs, C.int(depth), nil, nil, 0)
	if ptr == nil {
		return nil, fmt.Errorf("ibv_create_cq: %w", lastError())
	}
	return &CQ{ptr: ptr}, nil
}

// Destroy releases the completion queue. Safe to call at most once.
func (cq *CQ) Destroy() error {
	if cq == nil || cq.ptr == nil {
		return nil
	}
	if C.ibv_destroy_cq(cq.ptr) != 0 {
		return fmt.Errorf("ibv_destroy_cq: %w", lastError())
	}
	cq.ptr = nil
	return nil
}

// QPConfig bounds the work-request and scatter-gather capacity of a queue
// pair, mirroring proxy.Config's RDMA tunables.
type QPConfig struct {
	SendCQ, RecvCQ         *CQ
	MaxSendWR, MaxRecvWR   uint32
	MaxSendSGE, MaxRecvSGE uint32
}

// CreateQP creates an RC queue pair for id via the CM helper, which also
// associates it with id for the lifetime of the connection.
func (id *ID) CreateQP(pd *PD, cfg QPConfig) error {
	var attr C.struct_ibv_qp_init_attr
	C.memset(unsafe.Pointer(&attr), 0, C.sizeof_struct_ibv_qp_init_attr)
	attr.qp_type = C.IBV_QPT_RC
	attr.send_cq = cfg.SendCQ.ptr
	attr.recv_cq = cfg.RecvCQ.ptr
	attr.cap.max_send_wr = C.uint32_t(cfg.MaxSendWR)
	attr.cap.max_recv_wr = C.uint32_t(cfg.MaxRecvWR)
	attr.cap.max_send_sge = C.uint32_t(cfg.MaxSendSGE)
	attr.cap.max_recv_sge = C.uint32_t(cfg.MaxRecvSGE)
	if C.rdma_create_qp(id.ptr, pd.ptr, &attr) != 0 {
		return fmt.Errorf("rdma_create_qp: %w", lastError())
	}
	return nil
}

// DestroyQP tears down the queue pair associated with id.
func (id *ID) DestroyQP() {
	if id == nil || id.ptr == nil || id.ptr.qp == nil {
		return
	}
	C.rdma_destroy_qp(id.ptr)
}

// PostSend submits a signalled SEND work request over a single SGE.
func (id *ID) PostSend(w wr.Send) error {
	sge := C.struct_ibv_sge{
		addr:   C.uint64_t(w.SGE.Addr),
		length: C.uint32_t(w.SGE.Length),
		lkey:   C.uint32_t(w.SGE.LKey),
	}
	var cwr C.struct_ibv_send_wr
	C.memset(unsafe.Pointer(&cwr), 0, C.sizeof_struct_ibv_send_wr)
	cwr.wr_id = C.uint64_t(w.ID)
	cwr.sg_list = &sge
	cwr.num_sge = 1
	cwr.opcode = C.IBV_WR_SEND
	cwr.send_flags = C.IBV_SEND_SIGNALED

	var bad *C.struct_ibv_send_wr
	if C.ibv_post_send(id.ptr.qp, &cwr, &bad) != 0 {
		return fmt.Errorf("ibv_post_send: %w", lastError())
	}
	return nil
}

// PostRecv submits a receive work request over a single SGE.
func (id *ID) PostRecv(w wr.Recv) error {
	sge := C.struct_ibv_sge{
		addr:   C.uint64_t(w.SGE.Addr),
		length: C.uint32_t(w.SGE.Length),
		lkey:   C.uint32_t(w.SGE.LKey),
	}
	var cwr C.struct_ibv_recv_wr
	C.memset(unsafe.Pointer(&cwr), 0, C.sizeof_struct_ibv_recv_wr)
	cwr.wr_id = C.uint64_t(w.ID)
	cwr.sg_list = &sge
	cwr.num_sge = 1

	var bad *C.struct_ibv_recv_wr
	if C.ibv_post_recv(id.ptr.qp, &cwr, &bad) != 0 {
		return fmt.Errorf("ibv_post_recv: %w", lastError())
	}
	return nil
}

// Opcode reports whether a completion corresponds to a SEND or a RECV.
type Opcode int

const (
	OpcodeSend Opcode = iota
	OpcodeRecv
)

// Status is a non-zero ibv_wc_status value on a failed completion.
type Status uint32

// Error reports a human-readable form of the completion status.
func (s Status) Error() string {
	return C.GoString(C.ibv_wc_status_str(C.enum_ibv_wc_status(s)))
}

// WC is a single work completion.
type WC struct {
	ID      uint64
	Opcode  Opcode
	Status  Status
	ByteLen uint32 // valid for Opcode == OpcodeRecv
}

// PollCQ retrieves at most one completion from cq. ok is false when the
// queue is empty; err is non-nil only on a polling error distinct from an
// empty queue.
func PollCQ(cq *CQ) (WC, bool, error) {
	var c C.struct_ibv_wc
	n := C.ibv_poll_cq(cq.ptr, 1, &c)
	if n < 0 {
		return WC{}, false, fmt.Errorf("ibv_poll_cq: %w", lastError())
	}
	if n == 0 {
		return WC{}, false, nil
	}
	op := OpcodeSend
	if c.opcode == C.IBV_WC_RECV {
		op = OpcodeRecv
	}
	return WC{
		ID:      uint64(c.wr_id),
		Opcode:  op,
		Status:  Status(c.status),
		ByteLen: uint32(c.byte_len),
	}, true, nil
}
