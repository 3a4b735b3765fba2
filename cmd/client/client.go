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

package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/jlu-xiurui/rdma-go/echolog"
	"github.com/jlu-xiurui/rdma-go/proxy"
	"github.com/spf13/cobra"
	"vawter.tech/stopper"
)

// Command is the entrypoint for the demo client: connect to an echo
// server and fire three concurrent sender goroutines of ten messages
// each, mirroring the reference client's SendThread/main.
func Command() *cobra.Command {
	var addr string
	var logPath string
	var senders int
	var perSender int
	cmd := &cobra.Command{
		Args:  cobra.NoArgs,
		Use:   "client",
		Short: "Connect to an RDMA RC echo server and send demo traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := stopper.From(cmd.Context())

			if logPath == "" {
				logPath = "client.log"
			}
			cfg := proxy.DefaultConfig()
			log, err := echolog.New(logPath, cfg.LogMirrorStdout)
			if err != nil {
				return fmt.Errorf("open log: %w", err)
			}

			cl := proxy.NewClient(cfg, log)
			p, err := cl.Connect(ctx, addr)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", addr, err)
			}

			var wg sync.WaitGroup
			for t := 0; t < senders; t++ {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					for i := 0; i < perSender; i++ {
						msg := fmt.Sprintf("thread %d : %d", id, i)
						if err := p.SendMessage([]byte(msg)); err != nil {
							log.Log("thread %d send %d failed: %s", id, i, err)
						}
					}
					log.Log("thread %d done", id)
				}(t)
			}
			wg.Wait()

			time.Sleep(3 * time.Second)
			if err := p.Disconnect(); err != nil {
				return err
			}
			return p.Close()
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:22222", "server address")
	cmd.Flags().StringVarP(&logPath, "log", "l", "", "diagnostic log path (default client.log)")
	cmd.Flags().IntVar(&senders, "senders", 3, "number of concurrent sender goroutines")
	cmd.Flags().IntVar(&perSender, "per-sender", 10, "messages sent by each sender goroutine")
	return cmd
}
