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

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jlu-xiurui/rdma-go/echolog"
	"github.com/jlu-xiurui/rdma-go/proxy"
	"github.com/spf13/cobra"
	"vawter.tech/notify"
	"vawter.tech/stopper"
)

// drainTimeout bounds how long the server waits for in-flight proxies to
// disconnect on their own before forcing the listener closed.
const drainTimeout = 5 * time.Second

// Command is the entrypoint for running the echo server: bind a port,
// accept connections one at a time, and log every message received on
// each, matching the reference server's accept/RecvMessage loop.
func Command() *cobra.Command {
	var cfgPath string
	var port uint16
	var logPath string
	cmd := &cobra.Command{
		Args:  cobra.NoArgs,
		Use:   "server",
		Short: "Run the RDMA RC echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := stopper.From(cmd.Context())

			var cfg notify.Var[*proxy.Config]
			cfg.Set(proxy.DefaultConfig())

			if cfgPath != "" {
				ctx.Go(func(ctx *stopper.Context) error {
					return watchConfig(ctx, cfgPath, &cfg)
				})
			}

			current, _ := cfg.Get()
			if logPath == "" {
				logPath = "server.log"
			}
			log, err := echolog.New(logPath, current.LogMirrorStdout)
			if err != nil {
				return fmt.Errorf("open log: %w", err)
			}

			srv := proxy.NewServer(current, log)
			if err := srv.BindAndListen(port); err != nil {
				return err
			}

			ctx.Go(func(ctx *stopper.Context) error {
				<-ctx.Stopping()
				srv.Drain(drainTimeout)
				return srv.Close()
			})

			for {
				select {
				case <-ctx.Stopping():
					return ctx.Wait()
				default:
				}

				srv.Config, _ = cfg.Get()
				p, err := srv.Accept(ctx)
				if err != nil {
					slog.ErrorContext(ctx, "accept failed", slog.Any("error", err))
					continue
				}
				ctx.Go(func(ctx *stopper.Context) error {
					for p.IsActive() {
						msg, err := p.RecvMessage()
						if err != nil {
							break
						}
						slog.InfoContext(ctx, "received message", slog.String("message", string(msg)))
					}
					return p.Close()
				})
			}
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "configuration file")
	cmd.Flags().Uint16VarP(&port, "port", "p", 22222, "listen port")
	cmd.Flags().StringVarP(&logPath, "log", "l", "", "diagnostic log path (default server.log)")
	return cmd
}

// watchConfig polls cfgPath for changes and publishes decoded updates to
// cfg, the way the reference proxy process hot-reloads its JSON config.
func watchConfig(ctx *stopper.Context, cfgPath string, cfg *notify.Var[*proxy.Config]) error {
	after := time.After(0)
	var lastModTime time.Time

	for {
		select {
		case <-after:
			after = time.After(time.Second)

			info, err := os.Stat(cfgPath)
			if err != nil {
				return err
			}
			if mod := info.ModTime(); !mod.After(lastModTime) {
				continue
			}
			lastModTime = mod

			nextCfg := proxy.DefaultConfig()
			f, err := os.Open(cfgPath)
			if err != nil {
				if lastModTime.IsZero() {
					return fmt.Errorf("could not open configuration file %s: %w", cfgPath, err)
				}
				continue
			}

			dec := json.NewDecoder(f)
			dec.DisallowUnknownFields()
			if err := dec.Decode(nextCfg); err != nil && !errors.Is(err, os.ErrClosed) {
				slog.ErrorContext(ctx, "could not decode configuration file",
					slog.String("path", cfgPath), slog.Any("error", err))
				continue
			}
			_ = f.Close()

			slog.DebugContext(ctx, "loaded new configuration")
			cfg.Set(nextCfg)

		case <-ctx.Stopping():
			return nil
		}
	}
}
