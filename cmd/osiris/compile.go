package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/osiris-etl/osiris/internal/compile"
	"github.com/osiris-etl/osiris/internal/oml"
)

func (a *app) compileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compile <oml-file>",
		Short: "Compile an OML document into a content-addressed manifest",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := a.open()
			if err != nil {
				return err
			}
			doc, err := a.parseOML(args[0])
			if err != nil {
				return err
			}
			res := oml.Validate(doc, ws.Registry, ws.Store)
			printDiagnostics(cmd, res.Errors, res.Warnings)
			if !res.OK {
				return &exitError{code: exitValidation, err: res.Err()}
			}

			c := &compile.Compiler{
				Registry:    ws.Registry,
				Connections: ws.Store,
				Contract:    ws.Contract,
				Profile:     ws.File.Profile,
			}
			out, err := c.Compile(doc)
			if err != nil {
				return err
			}
			if err := writeLastCompile(ws.Contract.LastCompilePath(), out.ManifestPath); err != nil {
				return err
			}
			a.logger.Info("compiled",
				zap.String("pipeline", out.Manifest.Pipeline.ID),
				zap.String("manifest_hash", out.Manifest.Meta.ManifestHash),
				zap.String("path", out.ManifestPath))
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", out.Manifest.Meta.ManifestHash, out.ManifestPath)
			return nil
		},
	}
}

func (a *app) parseOML(path string) (*oml.Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := oml.Parse(b)
	if err != nil {
		return nil, &exitError{code: exitValidation, err: err}
	}
	return doc, nil
}

func printDiagnostics(cmd *cobra.Command, errs, warns []oml.Diagnostic) {
	for _, d := range errs {
		fmt.Fprintf(cmd.ErrOrStderr(), "error [%s]: %s\n", d.Rule, d.Message)
	}
	for _, d := range warns {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning [%s]: %s\n", d.Rule, d.Message)
	}
}

func writeLastCompile(pointerPath, manifestPath string) error {
	if err := os.MkdirAll(filepath.Dir(pointerPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(pointerPath, []byte(manifestPath+"\n"), 0o644)
}
