//go:build darwin || linux

// Command xip extracts an Xcode .xip archive using a parallel
// decode/extract pipeline: XAR TOC lookup, PBZX chunk decoding, CPIO
// parsing, and dependency-ordered materialization to disk.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/xchunk/xip/cpio"
	"github.com/xchunk/xip/extract"
	"github.com/xchunk/xip/internal/progress"
	"github.com/xchunk/xip/internal/xiperr"
	"github.com/xchunk/xip/internal/xiplog"
	"github.com/xchunk/xip/internal/xipcfg"
	"github.com/xchunk/xip/pbzx"
	"github.com/xchunk/xip/xarfile"
)

func main() {
	os.Exit(run(os.Args[1:], os.Getenv))
}

func run(args []string, environ func(string) string) int {
	cfg, err := xipcfg.Parse(args, environ)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, xipcfg.Usage())
		return 2
	}
	if cfg.PrintUsage {
		fmt.Fprint(os.Stdout, xipcfg.Usage())
		return 0
	}

	logger := xiplog.Default(cfg.Verbose)
	if cfg.DryRun && !cfg.Verbose {
		logger = xiplog.Default(true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := extractArchive(ctx, cfg, logger); err != nil {
		logger.Notice("extraction failed", "err", err)
		return xiperr.ExitCode(err)
	}
	return 0
}

func extractArchive(ctx context.Context, cfg xipcfg.Config, logger xiplog.Logger) error {
	output := cfg.Output
	if output == "" {
		output = deriveOutputDir(cfg.Input)
	}

	m, err := xarfile.Open(cfg.Input)
	if err != nil {
		return xiperr.IO(cfg.Input, err)
	}
	defer m.Close()

	rng, err := xarfile.LocatePBZX(m)
	if err != nil {
		return err
	}

	counters := &progress.Counters{}

	chunks, err := pbzx.Decode(ctx, m, rng, cfg.Jobs, counters)
	if err != nil {
		return err
	}

	files := cpio.Parse(ctx, chunks, cfg.Jobs)

	sink, err := buildSink(cfg, output, logger, counters)
	if err != nil {
		return xiperr.IO(output, err)
	}

	sched := extract.NewScheduler(sink, logger, counters, 0)
	if err := sched.Run(ctx, files); err != nil {
		return err
	}

	snap := counters.Snapshot()
	logger.Notice("extraction complete",
		"files_materialized", snap.FilesMaterialized,
		"files_failed", snap.FilesFailed,
		"chunks_decoded", snap.ChunksDecoded,
		"bytes_decoded", snap.BytesDecoded,
		"bytes_compressed", snap.BytesCompressed,
	)
	return nil
}

func buildSink(cfg xipcfg.Config, output string, logger xiplog.Logger, counters *progress.Counters) (extract.Sink, error) {
	if cfg.DryRun {
		return extract.NewDryRunSink(logger), nil
	}
	if err := os.MkdirAll(output, 0o755); err != nil {
		return nil, err
	}
	if cfg.Compress {
		return extract.NewCompressedSink(output, logger, counters, cfg.Jobs), nil
	}
	return extract.NewDefaultSink(output), nil
}

// deriveOutputDir strips the final extension (normally .xip, but any
// extension is removed) from input's base name
// and extracts into that directory under the current working directory,
// matching the convention of extracting an archive next to itself.
func deriveOutputDir(input string) string {
	base := filepath.Base(input)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" {
		base = "xip-extracted"
	}
	return base
}
