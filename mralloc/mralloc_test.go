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

package mralloc

import (
	"testing"

	"github.com/jlu-xiurui/rdma-go/internal/ibverbs"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// newTestAllocator seeds an Allocator exactly as Register would, without
// requiring a real protection domain: a single free block spanning buf.
// Its base stays zero, so the SGE addresses it hands out equal offsets
// into buf.
func newTestAllocator(t *testing.T, buf []byte) *Allocator {
	t.Helper()
	a := New()
	a.mu.buffer = buf
	a.mu.mr = &ibverbs.MR{}
	a.mu.lkey = 0xdead
	a.mu.free.next = &block{addr: 0, size: uint32(len(buf))}
	a.mu.free.next.prev = a.mu.free
	return a
}

func (a *Allocator) freeBlocks() []block {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []block
	for cur := a.mu.free.next; cur != nil; cur = cur.next {
		out = append(out, *cur)
	}
	return out
}

func (a *Allocator) usedBlocks() []block {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []block
	for cur := a.mu.used.next; cur != nil; cur = cur.next {
		out = append(out, *cur)
	}
	return out
}

// A1: sequential fill. Ten allocate_send(i, "aaaaaaaaa") calls (9-byte
// payload, spec.md §8) should each reserve 10 bytes (payload + NUL
// terminator) and land at consecutive addresses, leaving a single free
// block for the remainder.
func TestSequentialFill(t *testing.T) {
	a := newTestAllocator(t, make([]byte, 1024))
	payload := []byte("aaaaaaaaa")

	for i := uint64(0); i < 10; i++ {
		send, err := a.AllocateSend(i, payload)
		require.NoError(t, err)
		require.Equal(t, uintptr(i)*10, send.SGE.Addr)
		require.Equal(t, uint32(10), send.SGE.Length)
		require.Equal(t, byte(0), a.mu.buffer[send.SGE.Addr+9], "trailing NUL terminator must be written")
	}

	used := a.usedBlocks()
	require.Len(t, used, 10)
	for i, b := range used {
		require.Equal(t, uintptr(i)*10, b.addr)
		require.Equal(t, uint32(10), b.size)
	}

	free := a.freeBlocks()
	require.Len(t, free, 1)
	require.Equal(t, uintptr(100), free[0].addr)
	require.Equal(t, uint32(924), free[0].size)
}

// A2: full cycle. Allocating and then releasing every block returns the
// allocator to a single free block spanning the whole buffer.
func TestFullCycleCoalesces(t *testing.T) {
	a := newTestAllocator(t, make([]byte, 1024))
	payload := []byte("aaaaaaaaa")

	for i := uint64(0); i < 10; i++ {
		_, err := a.AllocateSend(i, payload)
		require.NoError(t, err)
	}
	for i := uint64(0); i < 10; i++ {
		a.Release(i)
	}

	free := a.freeBlocks()
	require.Len(t, free, 1)
	require.Equal(t, uintptr(0), free[0].addr)
	require.Equal(t, uint32(1024), free[0].size)
	require.Empty(t, a.usedBlocks())
}

// A3: fragmentation then repair. Releasing a middle block first leaves a
// hole; releasing its neighbors afterward must coalesce across it rather
// than leaving three disjoint free blocks.
func TestFragmentationRepair(t *testing.T) {
	a := newTestAllocator(t, make([]byte, 100))

	_, err := a.AllocateRecv(0, 10) // [0,10)
	require.NoError(t, err)
	_, err = a.AllocateRecv(1, 20) // [10,30)
	require.NoError(t, err)
	_, err = a.AllocateRecv(2, 30) // [30,60)
	require.NoError(t, err)

	a.Release(1) // hole in the middle: one free block [10,30), one [60,100)
	free := a.freeBlocks()
	require.Len(t, free, 2)

	a.Release(0) // merges forward into the [10,30) hole -> [0,30)
	free = a.freeBlocks()
	require.Len(t, free, 2)
	require.Equal(t, uintptr(0), free[0].addr)
	require.Equal(t, uint32(30), free[0].size)

	a.Release(2) // merges backward into [0,30) and forward into [60,100)
	free = a.freeBlocks()
	require.Len(t, free, 1)
	require.Equal(t, uintptr(0), free[0].addr)
	require.Equal(t, uint32(100), free[0].size)
}

func TestOutOfMemory(t *testing.T) {
	a := newTestAllocator(t, make([]byte, 8))
	_, err := a.AllocateRecv(0, 16)
	require.ErrorIs(t, err, ErrOutOfMemory)
}

func TestReleaseUnknownIDIsNoop(t *testing.T) {
	a := newTestAllocator(t, make([]byte, 8))
	a.Release(12345) // must not panic
	require.Len(t, a.freeBlocks(), 1)
}

// TestAllocatorInvariants drives random sequences of allocate/release
// calls and checks, after every step, that the free list never contains
// two blocks that should have coalesced, that both lists stay address
// ordered, and that free and used space always add up to the full
// buffer — the properties the first-fit/coalescing design exists to
// guarantee.
func TestAllocatorInvariants(t *testing.T) {
	const bufSize = 256

	rapid.Check(t, func(rt *rapid.T) {
		a := newTestAllocator(t, make([]byte, bufSize))
		live := map[uint64]uint32{}
		nextID := uint64(0)

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if len(live) == 0 || rapid.Bool().Draw(rt, "allocate") {
				size := uint32(rapid.IntRange(1, bufSize/4).Draw(rt, "size"))
				id := nextID
				nextID++
				if _, err := a.AllocateRecv(id, size); err == nil {
					live[id] = size
				}
			} else {
				var victim uint64
				for k := range live {
					victim = k
					break
				}
				a.Release(victim)
				delete(live, victim)
			}

			checkInvariants(rt, a, bufSize)
		}
	})
}

func checkInvariants(rt *rapid.T, a *Allocator, bufSize int) {
	free := a.freeBlocks()
	used := a.usedBlocks()

	var freeBytes, usedBytes uint64
	var lastAddr uintptr
	for i, b := range free {
		if i > 0 && b.addr <= lastAddr {
			rt.Fatalf("free list out of order or overlapping at %d: %+v", i, b)
		}
		lastAddr = b.addr
		freeBytes += uint64(b.size)
	}
	// No two adjacent free blocks should ever coexist uncoalesced.
	for i := 1; i < len(free); i++ {
		if free[i-1].addr+uintptr(free[i-1].size) == free[i].addr {
			rt.Fatalf("adjacent free blocks failed to coalesce: %+v, %+v", free[i-1], free[i])
		}
	}

	lastAddr = 0
	for i, b := range used {
		if i > 0 && b.addr <= lastAddr {
			rt.Fatalf("used list out of order or overlapping at %d: %+v", i, b)
		}
		lastAddr = b.addr
		usedBytes += uint64(b.size)
	}

	if freeBytes+usedBytes != uint64(bufSize) {
		rt.Fatalf("coverage violated: free=%d used=%d total=%d", freeBytes, usedBytes, bufSize)
	}
}
