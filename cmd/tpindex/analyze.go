package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"tpindex/internal/analysis"
	"tpindex/internal/compunit"
	"tpindex/internal/config"
	"tpindex/internal/errors"
	"tpindex/internal/export"
	"tpindex/internal/graph"
	"tpindex/internal/slogutil"
	"tpindex/internal/storage"
)

var (
	analyzeUnit     string
	analyzeRoot     string
	analyzeOut      string
	analyzeFormat   string
	analyzeCompress bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze one textproto compilation unit and emit facts",
	Long: `Reads a compilation unit description (JSON), loads its required inputs
from disk, runs the analyzer and writes the resulting fact stream.

Output formats:
  json    newline-delimited JSON entries (default; stdout unless --out)
  scip    a SCIP index file (--out required)
  sqlite  facts appended to a SQLite database (--out required)

Examples:
  tpindex analyze --unit unit.json
  tpindex analyze --unit unit.json --out facts.json.zst --compress
  tpindex analyze --unit unit.json --format scip --out index.scip
  tpindex analyze --unit unit.json --format sqlite --out facts.db`,
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeUnit, "unit", "", "Path to the compilation unit JSON (required)")
	analyzeCmd.Flags().StringVar(&analyzeRoot, "root", "", "Directory required input paths are relative to")
	analyzeCmd.Flags().StringVar(&analyzeOut, "out", "", "Output path")
	analyzeCmd.Flags().StringVar(&analyzeFormat, "format", "", "Output format: json, scip or sqlite")
	analyzeCmd.Flags().BoolVar(&analyzeCompress, "compress", false, "zstd-compress the json entry stream")
	_ = analyzeCmd.MarkFlagRequired("unit")
	rootCmd.AddCommand(analyzeCmd)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := cfg.Logging.Level
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	if cfg.Logging.Format == "json" {
		return slogutil.NewJSONLogger(os.Stderr, slogutil.LevelFromString(level))
	}
	return slogutil.NewLogger(os.Stderr, slogutil.LevelFromString(level))
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cfg)

	format := cfg.Output.Format
	if analyzeFormat != "" {
		format = analyzeFormat
	}
	out := cfg.Output.Path
	if analyzeOut != "" {
		out = analyzeOut
	}
	compress := analyzeCompress || cfg.Output.Compress || strings.HasSuffix(out, ".zst")

	unit, err := compunit.LoadUnit(analyzeUnit)
	if err != nil {
		return err
	}
	if len(unit.SourceFile) != 1 {
		return errors.Newf(errors.FailedPrecondition, "expected unit to contain 1 source file, got %d", len(unit.SourceFile))
	}
	root := analyzeRoot
	if root == "" {
		root = filepath.Dir(analyzeUnit)
	}
	files, err := compunit.LoadFiles(unit, root)
	if err != nil {
		return err
	}

	switch format {
	case "", "json":
		return analyzeToJSON(cmd, unit, files, out, compress, logger)
	case "scip":
		if out == "" {
			return fmt.Errorf("--out is required for scip output")
		}
		return analyzeToSCIP(cmd, unit, files, out, logger)
	case "sqlite":
		if out == "" {
			return fmt.Errorf("--out is required for sqlite output")
		}
		return analyzeToSQLite(cmd, unit, files, out, logger)
	}
	return fmt.Errorf("unknown output format %q", format)
}

func analyzeToJSON(cmd *cobra.Command, unit *compunit.Unit, files []compunit.FileData, out string, compress bool, logger *slog.Logger) error {
	sink := os.Stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		sink = f
	}

	var writer *graph.EntryWriter
	var err error
	if compress {
		writer, err = graph.NewCompressedEntryWriter(sink)
		if err != nil {
			return err
		}
	} else {
		writer = graph.NewEntryWriter(sink)
	}

	analysisErr := analysis.AnalyzeCompilationUnit(cmd.Context(), unit, files, writer, logger)
	if closeErr := writer.Close(); closeErr != nil && analysisErr == nil {
		analysisErr = closeErr
	}
	return analysisErr
}

func analyzeToSCIP(cmd *cobra.Command, unit *compunit.Unit, files []compunit.FileData, out string, logger *slog.Logger) error {
	rec := graph.NewMemoryRecorder()
	if err := analysis.AnalyzeCompilationUnit(cmd.Context(), unit, files, rec, logger); err != nil {
		return err
	}
	return export.Write(out, rec)
}

func analyzeToSQLite(cmd *cobra.Command, unit *compunit.Unit, files []compunit.FileData, out string, logger *slog.Logger) error {
	store, err := storage.Open(out, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.NewRun(unit.SourceFile[0])
	if err != nil {
		return err
	}
	if err := analysis.AnalyzeCompilationUnit(cmd.Context(), unit, files, run, logger); err != nil {
		_ = run.Abort()
		return err
	}
	return run.Commit()
}
