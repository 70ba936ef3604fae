package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/osiris-etl/osiris/internal/aiop"
	"github.com/osiris-etl/osiris/internal/fscontract"
)

func (a *app) aiopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aiop",
		Short: "Post-run AI Operation Package exports",
	}
	cmd.AddCommand(a.aiopExportCmd())
	return cmd
}

func (a *app) aiopExportCmd() *cobra.Command {
	var (
		last          bool
		runID         string
		format        string
		policy        string
		maxCoreBytes  int
		density       string
		metricsTopK   int
		schemaMode    string
		compressAnnex bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the AIOP document for a run",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := a.open()
			if err != nil {
				return err
			}
			rec, err := selectRun(ws.Contract, last, runID)
			if err != nil {
				return err
			}

			flagLayer := aiop.Overrides{}
			if cmd.Flags().Changed("max-core-bytes") {
				flagLayer.MaxCoreBytes = &maxCoreBytes
			}
			if cmd.Flags().Changed("timeline-density") {
				flagLayer.TimelineDensity = &density
			}
			if cmd.Flags().Changed("metrics-topk") {
				flagLayer.MetricsTopK = &metricsTopK
			}
			if cmd.Flags().Changed("schema-mode") {
				flagLayer.SchemaMode = &schemaMode
			}
			if cmd.Flags().Changed("policy") {
				flagLayer.Policy = &policy
			}
			if cmd.Flags().Changed("compress-annex") {
				flagLayer.CompressAnnex = &compressAnnex
			}
			cfg, err := aiop.ResolveConfig(flagLayer, ws.File.AIOP, os.Getenv)
			if err != nil {
				return usageError("%v", err)
			}

			exporter := &aiop.Exporter{Contract: ws.Contract, Config: cfg}
			res, err := exporter.Export(*rec)
			if err != nil {
				return err
			}
			a.logger.Info("aiop exported",
				zap.String("run_id", rec.RunID),
				zap.String("dir", res.Dir),
				zap.Bool("truncated", res.Truncated))

			switch format {
			case "json":
				b, err := os.ReadFile(res.SummaryPath)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), string(b))
			case "md":
				b, err := os.ReadFile(res.RunCardPath)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), string(b))
			default:
				return usageError("aiop export: format must be json or md, got %q", format)
			}
			if res.Truncated {
				return &exitError{code: exitTruncation, err: fmt.Errorf("truncation applied; see %s", res.Dir)}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&last, "last", false, "export the most recent run")
	cmd.Flags().StringVar(&runID, "run", "", "export a specific run id")
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or md")
	cmd.Flags().StringVar(&policy, "policy", "", "truncation policy: core or annex")
	cmd.Flags().IntVar(&maxCoreBytes, "max-core-bytes", 0, "core document size budget")
	cmd.Flags().StringVar(&density, "timeline-density", "", "timeline density: minimal, medium, or verbose")
	cmd.Flags().IntVar(&metricsTopK, "metrics-topk", 0, "metrics kept per step")
	cmd.Flags().StringVar(&schemaMode, "schema-mode", "", "semantic layer mode: summary or full")
	cmd.Flags().BoolVar(&compressAnnex, "compress-annex", false, "gzip annex shards")
	return cmd
}

func selectRun(contract *fscontract.Contract, last bool, runID string) (*fscontract.RunRecord, error) {
	if last == (runID != "") {
		return nil, usageError("aiop export: exactly one of --last or --run is required")
	}
	reader := &fscontract.IndexReader{Contract: contract}
	if last {
		return reader.Latest()
	}
	return reader.Find(runID)
}
