package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cleanclinic/internal/cli"
)

var opts cli.Options

var rootCmd = &cobra.Command{
	Use:   "cleanclinic",
	Short: "De-identify and enrich clinical tables from bronze to silver",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process every bronze table into the silver layer",
	Long: `The run command scrubs PII, shifts dates, truncates coordinates, maps clinical
codes to UMLS concepts and persists each bronze table to the silver layer. With
--schedule it repeats on a cron schedule until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.Run(cmd.Context(), opts)
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Convert source data into bronze tables",
}

var ingestDicomCmd = &cobra.Command{
	Use:   "dicom <src-dir> <dst.parquet>",
	Short: "Extract DICOM header metadata into a bronze parquet table",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.IngestDicom(args[0], args[1], opts)
	},
}

var terminologyCmd = &cobra.Command{
	Use:   "terminology",
	Short: "Manage the UMLS concept mapping cache",
}

var terminologyBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the CUI to SNOMED CT and ICD-10-CM cache from MRCONSO/MRREL",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.BuildTerminology(opts)
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <table.parquet>",
	Short: "Classify a bronze table's columns without modifying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.Inspect(args[0], opts)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&opts.Pretty, "pretty", true, "Human readable log output instead of JSON")

	runCmd.Flags().StringVar(&opts.BronzeDir, "bronze-dir", "", "Bronze input directory (overrides config)")
	runCmd.Flags().StringVar(&opts.SilverDir, "silver-dir", "", "Silver output directory (overrides config)")
	runCmd.Flags().StringVar(&opts.PIIMode, "pii-mode", "", "PII scrubbing mode: remove, mask, hash or anonymize")
	runCmd.Flags().BoolVar(&opts.FlatFormat, "flat-format", false, "Write flat parquet files instead of versioned datasets")
	runCmd.Flags().StringVar(&opts.Schedule, "schedule", "", "Cron expression to repeat runs, e.g. \"0 2 * * *\"")
	runCmd.Flags().BoolVar(&opts.RetryFailed, "retry", false, "Retry tables that failed in a previous run")

	ingestCmd.AddCommand(ingestDicomCmd)
	terminologyCmd.AddCommand(terminologyBuildCmd)
	rootCmd.AddCommand(runCmd, ingestCmd, terminologyCmd, inspectCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
