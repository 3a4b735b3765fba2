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

// Package mralloc is a first-fit, coalescing allocator over a single pinned
// memory region. It hands out byte ranges for outgoing and incoming RDMA
// work requests and merges them back into the free list on release, the way
// a slab of registered memory must be managed once registration (and the
// lkey it produces) is too expensive to do per-message.
package mralloc

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/jlu-xiurui/rdma-go/internal/ibverbs"
	"github.com/jlu-xiurui/rdma-go/wr"
)

// ErrAlreadyRegistered is returned by Register when called on an allocator
// that already owns a memory region.
var ErrAlreadyRegistered = errors.New("mralloc: already registered")

// ErrNotRegistered is returned by operations that require a registered
// region when none is present.
var ErrNotRegistered = errors.New("mralloc: not registered")

// ErrOutOfMemory is returned when no free block is large enough to satisfy
// a request. The caller decides whether that means backpressure (recv
// credits) or a hard failure (oversized send payload).
var ErrOutOfMemory = errors.New("mralloc: no free block large enough")

// block is a node in one of the allocator's two doubly-linked lists: the
// free list (address-ordered, eligible for coalescing) or the used list
// (address-ordered, one node per outstanding wr_id).
type block struct {
	addr       uintptr
	size       uint32
	prev, next *block
}

// Allocator is a sub-allocator over a single ibv_reg_mr'd buffer. All
// exported methods are safe for concurrent use.
type Allocator struct {
	mu struct {
		sync.Mutex
		buffer []byte
		base   uintptr
		mr     *ibverbs.MR
		lkey   uint32

		free *block // sentinel head; free.next is the first real free block
		used *block // sentinel head; used.next is the first real used block
		byID map[uint64]*block
	}
}

// New constructs an unregistered Allocator. Register must be called before
// any allocation.
func New() *Allocator {
	a := &Allocator{}
	a.mu.free = &block{}
	a.mu.used = &block{}
	a.mu.byID = make(map[uint64]*block)
	return a
}

// Register pins buffer via pd and seeds the free list with a single block
// spanning it. buffer's backing array must not be resized or moved for the
// lifetime of the registration.
func (a *Allocator) Register(pd *ibverbs.PD, buffer []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mu.mr != nil {
		return ErrAlreadyRegistered
	}
	mr, err := pd.RegMR(buffer)
	if err != nil {
		return fmt.Errorf("mralloc: register: %w", err)
	}

	a.mu.buffer = buffer
	a.mu.base = uintptr(unsafe.Pointer(&buffer[0]))
	a.mu.mr = mr
	a.mu.lkey = mr.LKey()
	a.mu.free.next = &block{addr: 0, size: uint32(len(buffer))}
	a.mu.free.next.prev = a.mu.free
	a.mu.used.next = nil
	return nil
}

// Deregister releases the underlying memory region. The Allocator may be
// Register'd again afterward with a fresh buffer.
func (a *Allocator) Deregister() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mu.mr == nil {
		return ErrNotRegistered
	}
	err := a.mu.mr.Dereg()
	a.mu.mr = nil
	a.mu.buffer = nil
	a.mu.free.next = nil
	a.mu.used.next = nil
	a.mu.byID = make(map[uint64]*block)
	return err
}

// AllocateSend reserves len(payload)+1 bytes, copies payload followed by a
// trailing NUL terminator into the reserved extent, and returns a Send
// descriptor referencing the whole extent (including the terminator). The
// caller must Release(wrID) once the matching send completion arrives.
func (a *Allocator) AllocateSend(wrID uint64, payload []byte) (wr.Send, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := uint32(len(payload)) + 1
	b, err := a.allocateLocked(wrID, size)
	if err != nil {
		return wr.Send{}, err
	}
	n := copy(a.mu.buffer[b.addr:b.addr+uintptr(b.size)], payload)
	a.mu.buffer[b.addr+uintptr(n)] = 0
	return wr.NewSend(wrID, a.mu.base+b.addr, b.size, a.mu.lkey), nil
}

// AllocateRecv reserves a free block of the given size and returns a Recv
// descriptor referencing it. The caller must Release(wrID) once the
// matching receive completion has been consumed.
func (a *Allocator) AllocateRecv(wrID uint64, size uint32) (wr.Recv, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, err := a.allocateLocked(wrID, size)
	if err != nil {
		return wr.Recv{}, err
	}
	return wr.NewRecv(wrID, a.mu.base+b.addr, b.size, a.mu.lkey), nil
}

// Bytes returns the slice backing a previously-allocated recv block, so the
// caller can read the payload a completion reports as received.
func (a *Allocator) Bytes(wrID uint64, length uint32) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.mu.byID[wrID]
	if !ok {
		return nil, fmt.Errorf("mralloc: unknown wr_id %d", wrID)
	}
	if length > b.size {
		return nil, fmt.Errorf("mralloc: completion length %d exceeds block size %d", length, b.size)
	}
	out := make([]byte, length)
	copy(out, a.mu.buffer[b.addr:b.addr+uintptr(length)])
	return out, nil
}

func (a *Allocator) allocateLocked(wrID uint64, size uint32) (*block, error) {
	if a.mu.mr == nil {
		return nil, ErrNotRegistered
	}
	for cur := a.mu.free.next; cur != nil; cur = cur.next {
		if cur.size < size {
			continue
		}
		used := &block{addr: cur.addr, size: size}
		a.insertUsed(used)
		a.mu.byID[wrID] = used

		if cur.size > size {
			cur.addr += uintptr(size)
			cur.size -= size
		} else {
			a.unlink(cur)
		}
		return used, nil
	}
	return nil, ErrOutOfMemory
}

// Release returns the block allocated under wrID to the free list,
// coalescing it with any adjacent free neighbors.
func (a *Allocator) Release(wrID uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.mu.byID[wrID]
	if !ok {
		return
	}
	delete(a.mu.byID, wrID)
	a.unlink(b)
	a.insertFreeCoalescing(b)
}

// Stats reports the allocator's current free and used byte totals and
// block counts.
type Stats struct {
	FreeBytes, UsedBytes uint64
	FreeBlocks, UsedBlocks int
}

// Stats returns a snapshot of the allocator's free/used accounting.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var s Stats
	for cur := a.mu.free.next; cur != nil; cur = cur.next {
		s.FreeBytes += uint64(cur.size)
		s.FreeBlocks++
	}
	for cur := a.mu.used.next; cur != nil; cur = cur.next {
		s.UsedBytes += uint64(cur.size)
		s.UsedBlocks++
	}
	return s
}

// unlink removes b from whichever list it currently belongs to.
func (a *Allocator) unlink(b *block) {
	if b.prev != nil {
		b.prev.next = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	}
	b.prev, b.next = nil, nil
}

// insertUsed inserts b into the used list in address order.
func (a *Allocator) insertUsed(b *block) {
	prev := a.mu.used
	for cur := a.mu.used.next; cur != nil; cur = cur.next {
		if b.addr < cur.addr {
			break
		}
		prev = cur
	}
	b.next = prev.next
	b.prev = prev
	if prev.next != nil {
		prev.next.prev = b
	}
	prev.next = b
}

// insertFreeCoalescing inserts b into the free list in address order,
// merging it with the immediately preceding and following free blocks when
// their address ranges are contiguous with b's.
func (a *Allocator) insertFreeCoalescing(b *block) {
	prev := a.mu.free
	for cur := a.mu.free.next; cur != nil; cur = cur.next {
		if b.addr < cur.addr {
			break
		}
		prev = cur
	}
	next := prev.next

	// Merge backward: prev is a real block (not the sentinel) abutting b.
	for prev != a.mu.free && prev.addr+uintptr(prev.size) == b.addr {
		b.addr = prev.addr
		b.size += prev.size
		dead := prev
		prev = dead.prev
		a.unlink(dead)
	}
	// Merge forward: next abuts the end of b.
	for next != nil && b.addr+uintptr(b.size) == next.addr {
		b.size += next.size
		dead := next
		next = dead.next
		a.unlink(dead)
	}

	b.next = next
	b.prev = prev
	if next != nil {
		next.prev = b
	}
	prev.next = b
}
