package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/osiris-etl/osiris/internal/fscontract"
)

func (a *app) indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect the run index",
	}
	cmd.AddCommand(a.indexListCmd(), a.indexShowCmd(), a.indexLatestCmd())
	return cmd
}

func (a *app) indexListCmd() *cobra.Command {
	var pipeline string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := a.open()
			if err != nil {
				return err
			}
			reader := &fscontract.IndexReader{Contract: ws.Contract}
			var recs []fscontract.RunRecord
			if pipeline != "" {
				recs, err = reader.ListByPipeline(pipeline)
			} else {
				recs, err = reader.List()
			}
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tPIPELINE\tMANIFEST\tSTATUS\tROWS\tDURATION")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%dms\n",
					r.RunID, r.PipelineSlug, r.ManifestShort, r.Status, r.TotalRows, r.DurationMS)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&pipeline, "pipeline", "", "restrict to one pipeline slug")
	return cmd
}

func (a *app) indexShowCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one run record as JSON",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return usageError("index show: --run is required")
			}
			ws, err := a.open()
			if err != nil {
				return err
			}
			reader := &fscontract.IndexReader{Contract: ws.Contract}
			rec, err := reader.Find(runID)
			if err != nil {
				return err
			}
			b, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	return cmd
}

func (a *app) indexLatestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "latest <pipeline>",
		Short: "Print the latest compiled manifest path for a pipeline",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := a.open()
			if err != nil {
				return err
			}
			b, err := os.ReadFile(ws.Contract.LatestPointerPath(args[0]))
			if err != nil {
				return fmt.Errorf("no runs recorded for pipeline %q: %w", args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(b)))
			return nil
		},
	}
}
