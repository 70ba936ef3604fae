package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/osiris-etl/osiris/internal/drivers"
	"github.com/osiris-etl/osiris/internal/remote"
	"github.com/osiris-etl/osiris/internal/runner"
)

func (a *app) runCmd() *cobra.Command {
	var lastCompile bool
	var remoteRun bool
	var stream bool
	cmd := &cobra.Command{
		Use:   "run [<manifest>]",
		Short: "Execute a compiled manifest",
		Args:  maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := a.open()
			if err != nil {
				return err
			}
			manifestPath, err := resolveManifestArg(args, lastCompile, ws.Contract.LastCompilePath())
			if err != nil {
				return err
			}

			var streamOut *os.File
			if stream {
				streamOut = os.Stdout
			}
			local := &runner.Local{
				Registry:    ws.Registry,
				Connections: ws.Store,
				Drivers:     drivers.BuiltinRegistry(),
				Contract:    ws.Contract,
			}
			if streamOut != nil {
				local.Stream = streamOut
			}
			var adapter runner.Adapter = local
			if remoteRun {
				bin, err := os.Executable()
				if err != nil {
					return err
				}
				proxy := &remote.Proxy{
					Registry:    ws.Registry,
					Connections: ws.Store,
					Contract:    ws.Contract,
					Sandbox:     &remote.Subprocess{Binary: bin, Args: []string{"worker"}},
				}
				if streamOut != nil {
					proxy.Stream = streamOut
				}
				adapter = proxy
			}

			collected, err := (&runner.Runner{Adapter: adapter}).Run(cmd.Context(), manifestPath)
			if err != nil {
				return err
			}
			rec := collected.Record
			a.logger.Info("run finished",
				zap.String("run_id", rec.RunID),
				zap.String("status", rec.Status),
				zap.Int64("total_rows", rec.TotalRows),
				zap.Int64("duration_ms", rec.DurationMS))
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\trows=%d\t%dms\n",
				rec.RunID, rec.Status, rec.TotalRows, rec.DurationMS)

			if rec.Status != runner.StatusCompleted {
				code := exitInternal
				if strings.Contains(collected.Failure, "RemoteTimeout") ||
					strings.Contains(collected.Failure, "RemoteTransportLost") {
					code = exitRemote
				}
				return &exitError{code: code, err: fmt.Errorf("run %s failed: %s", rec.RunID, collected.Failure)}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&lastCompile, "last-compile", false, "run the most recently compiled manifest")
	cmd.Flags().BoolVar(&remoteRun, "remote", false, "execute in a sandboxed worker subprocess")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream session events to stdout")
	return cmd
}

func resolveManifestArg(args []string, lastCompile bool, pointerPath string) (string, error) {
	switch {
	case lastCompile && len(args) > 0:
		return "", usageError("run: --last-compile and an explicit manifest are mutually exclusive")
	case lastCompile:
		b, err := os.ReadFile(pointerPath)
		if err != nil {
			return "", fmt.Errorf("no previous compile recorded: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	case len(args) == 1:
		return args[0], nil
	default:
		return "", usageError("run: a manifest path or --last-compile is required")
	}
}
