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

// Command dagmaster is the smoke CLI front-end for internal/master: it runs
// one application master process in-process, submits a DAG described by a
// YAML file, and waits for it to resolve.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	quiet   bool
	debug   bool

	// version is set at build time via -ldflags.
	version = "0.0.0"
)

func main() {
	root := &cobra.Command{
		Use:   "dagmaster",
		Short: "DAG application master",
		Long:  "dagmaster runs a DAG execution engine control plane and submits DAGs to it.",
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults + DAGMASTER_ env vars)")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "discard log output")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug-level logging")

	registerCommands(root)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
