// Copyright (C) 2026 The Dagmaster Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dagflow/dagmaster/internal/config"
	"github.com/dagflow/dagmaster/internal/logger"
	"github.com/dagflow/dagmaster/internal/master"
)

func createRunCommand() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run <dag-file.yaml>",
		Short: "submit a DAG and wait for it to resolve",
		Long:  `dagmaster run [--addr=":50051"] [--timeout=5m] <dag-file.yaml>`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDAG(args[0], addr, timeout)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":50051", "task-attempt listener bind address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the DAG to resolve")
	return cmd
}

// runDAG wires one Master, submits the DAG described by path, and blocks
// until it resolves, a SIGINT/SIGTERM arrives, or timeout elapses.
func runDAG(path, addr string, timeout time.Duration) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var logOpts []logger.Option
	if quiet {
		logOpts = append(logOpts, logger.WithQuiet())
	}
	if debug {
		logOpts = append(logOpts, logger.WithDebug())
	}
	log := logger.New(logOpts...)

	sub, err := loadSubmission(path)
	if err != nil {
		return err
	}

	m := master.New(time.Now().UnixNano(), master.WithLogger(log), master.WithConfig(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listenForShutdown(cancel)

	serveErr := make(chan error, 1)
	go func() { serveErr <- m.Run(ctx, addr) }()

	dagID, err := m.Submit(sub)
	if err != nil {
		cancel()
		return fmt.Errorf("submit dag: %w", err)
	}
	log.Infof("dagmaster: submitted %s as %s", sub.Name, dagID.String())

	deadline := time.After(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if out, ok := m.Outcome(dagID); ok {
				fmt.Printf("%s %s\n", dagID.String(), out.State)
				cancel()
				<-serveErr
				if out.State.String() != "SUCCEEDED" {
					return fmt.Errorf("dag %s resolved %s: %s", dagID.String(), out.State, out.Diag)
				}
				return nil
			}
		case <-deadline:
			cancel()
			<-serveErr
			return fmt.Errorf("dag %s did not resolve within %s", dagID.String(), timeout)
		case <-ctx.Done():
			<-serveErr
			return ctx.Err()
		}
	}
}

func listenForShutdown(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()
}
