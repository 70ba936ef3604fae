package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/osiris-etl/osiris/internal/workspace"
)

type app struct {
	cfgPath string
	logger  *zap.Logger

	ws *workspace.Workspace
}

func newApp() *app {
	return &app{logger: newLogger()}
}

func (a *app) close() {
	_ = a.logger.Sync()
}

// open loads osiris.yaml and assembles the workspace singletons once.
func (a *app) open() (*workspace.Workspace, error) {
	if a.ws != nil {
		return a.ws, nil
	}
	f, err := workspace.Load(a.cfgPath)
	if err != nil {
		return nil, err
	}
	ws, err := workspace.Open(f)
	if err != nil {
		return nil, err
	}
	a.ws = ws
	return ws, nil
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "osiris",
		Short:         "Deterministic pipeline engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "osiris.yaml", "workspace config file")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError("%v", err)
	})
	root.AddCommand(
		a.compileCmd(),
		a.validateCmd(),
		a.runCmd(),
		a.indexCmd(),
		a.aiopCmd(),
		a.workerCmd(),
	)
	return root
}

// exactArgs is cobra.ExactArgs with the usage exit code attached.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError("%s: expected %d argument(s), got %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}

func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) > n {
			return usageError("%s: expected at most %d argument(s), got %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}
