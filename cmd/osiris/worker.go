package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/osiris-etl/osiris/internal/drivers"
	"github.com/osiris-etl/osiris/internal/remote"
)

// stdio joins the process's stdin/stdout into the worker transport. All
// human-facing output goes to stderr; stdout belongs to the frame protocol.
type stdio struct {
	io.Reader
	io.Writer
}

func (a *app) workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run as a sandboxed execution worker (internal)",
		Hidden: true,
		Args:   exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := &remote.Worker{Drivers: drivers.BuiltinRegistry()}
			return w.Serve(cmd.Context(), stdio{os.Stdin, os.Stdout})
		},
	}
}
