package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/osiris-etl/osiris/internal/oml"
)

func (a *app) validateCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate <oml-file>",
		Short: "Validate an OML document without compiling",
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
			if asJSON {
				b, err := json.MarshalIndent(res, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
			} else {
				printDiagnostics(cmd, res.Errors, res.Warnings)
				if res.OK {
					fmt.Fprintf(cmd.OutOrStdout(), "ok: %s (%d warning(s))\n", doc.Name, len(res.Warnings))
				}
			}
			if !res.OK {
				return &exitError{code: exitValidation, err: res.Err()}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the full diagnostic result as JSON")
	return cmd
}
