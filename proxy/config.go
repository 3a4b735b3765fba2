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

import "time"

// Config tunes a Proxy's buffer sizes, queue depths, and connection-setup
// timeouts. It is held in a notify.Var so a running server can pick up
// changes to buffer sizes, queue depths or timeouts for connections it
// accepts after a reload, without restarting the process.
type Config struct {
	// RDMABufferSize is the size, in bytes, of each of the send and recv
	// pinned buffers a Proxy registers.
	RDMABufferSize int `json:"rdmaBufferSize"`

	// MaxSendCQE and MaxRecvCQE bound the depth of the send and recv
	// completion queues.
	MaxSendCQE int `json:"maxSendCQE"`
	MaxRecvCQE int `json:"maxRecvCQE"`

	// MaxSendWR and MaxRecvWR bound the queue pair's outstanding work
	// request capacity.
	MaxSendWR uint32 `json:"maxSendWR"`
	MaxRecvWR uint32 `json:"maxRecvWR"`

	// RecvSlotSize is the fixed size of each posted receive buffer. A
	// message larger than this is not delivered: its receive completes
	// with an error status, which the Proxy logs and drops. This is the
	// one recv-side constant the reference implementation hard-coded at
	// 50 bytes and which this configuration exposes as a tunable.
	RecvSlotSize uint32 `json:"recvSlotSize"`

	// ResolveTimeout bounds each of the address- and route-resolution
	// steps of an active (client) connect.
	ResolveTimeout time.Duration `json:"resolveTimeout"`

	// ListenBacklog bounds the server's pending-connection backlog.
	ListenBacklog int `json:"listenBacklog"`

	// LogPath is decoded from the configuration file but not read by this
	// module: the client and server commands take the path of the
	// fixed-format diagnostic trace (see package echolog) from their --log
	// flag, and an empty value does not disable the trace.
	LogPath string `json:"logPath"`

	// LogMirrorStdout additionally writes every diagnostic line to
	// stdout, matching the reference implementation's default behavior.
	LogMirrorStdout bool `json:"logMirrorStdout"`
}

// DefaultConfig returns the reference implementation's constants: a 4 KiB
// buffer, 30-deep completion and work queues, and a 500 ms resolve timeout.
func DefaultConfig() *Config {
	return &Config{
		RDMABufferSize:  4096,
		MaxSendCQE:      30,
		MaxRecvCQE:      30,
		MaxSendWR:       30,
		MaxRecvWR:       30,
		RecvSlotSize:    50,
		ResolveTimeout:  500 * time.Millisecond,
		ListenBacklog:   10,
		LogMirrorStdout: true,
	}
}
