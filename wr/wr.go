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

// Package wr builds Send and Recv work-request descriptors over a single
// scatter-gather entry. Builders are pure: they own their SGE until a caller
// submits them to a queue pair, at which point ownership of the underlying
// memory passes to whichever side is waiting on the matching completion.
package wr

// SGE is a scatter-gather entry naming a byte range of a registered memory
// region: a local address, its length, and the region's local key.
type SGE struct {
	Addr   uintptr
	Length uint32
	LKey   uint32
}

// Send is a signalled SEND work request over a single SGE.
type Send struct {
	ID  uint64
	SGE SGE
}

// Recv is a receive work request over a single SGE. It carries no opcode or
// signalling flags of its own; the adapter posting it fills those in, and the
// completion that eventually arrives reports the actual opcode.
type Recv struct {
	ID  uint64
	SGE SGE
}

// NewSend builds a Send descriptor referencing the given extent of a
// registered region.
func NewSend(id uint64, addr uintptr, length, lkey uint32) Send {
	return Send{ID: id, SGE: SGE{Addr: addr, Length: length, LKey: lkey}}
}

// NewRecv builds a Recv descriptor referencing the given extent of a
// registered region.
func NewRecv(id uint64, addr uintptr, length, lkey uint32) Recv {
	return Recv{ID: id, SGE: SGE{Addr: addr, Length: length, LKey: lkey}}
}
