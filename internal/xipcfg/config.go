// Package xipcfg resolves CLI flags and environment variables into the
// immutable configuration the pipeline runs with.
package xipcfg

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	flag "github.com/spf13/pflag"
)

// Config is the fully-resolved, immutable run configuration.
type Config struct {
	Input      string
	Output     string
	Compress   bool
	DryRun     bool
	Verbose    bool
	Jobs       int
	PrintUsage bool
}

// Parse resolves args (excluding argv[0]) and the environment into a
// Config. It never touches global flag state so it can be called more than
// once in tests.
func Parse(args []string, environ func(string) string) (Config, error) {
	fs := flag.NewFlagSet("xip", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	noCompress := fs.BoolP("no-compress", "c", false, "disable the decmpfs-style compressed output sink")
	dryRun := fs.BoolP("dry-run", "n", false, "perform no filesystem mutations")
	verbose := fs.BoolP("verbose", "v", false, "log every materialization at debug level")
	jobs := fs.IntP("jobs", "j", 0, "worker pool size (default: GOMAXPROCS, or $XIP_JOBS)")
	help := fs.BoolP("help", "h", false, "show usage and exit")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Compress:   !*noCompress,
		DryRun:     *dryRun,
		Verbose:    *verbose,
		PrintUsage: *help,
	}

	switch fs.NArg() {
	case 0:
		if !cfg.PrintUsage {
			return Config{}, fmt.Errorf("missing required argument <input>")
		}
	case 1:
		cfg.Input = fs.Arg(0)
	case 2:
		cfg.Input = fs.Arg(0)
		cfg.Output = fs.Arg(1)
	default:
		return Config{}, fmt.Errorf("too many arguments: %v", fs.Args()[2:])
	}

	cfg.Jobs = *jobs
	if cfg.Jobs == 0 {
		if v := environ("XIP_JOBS"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return Config{}, fmt.Errorf("XIP_JOBS: invalid worker count %q", v)
			}
			cfg.Jobs = n
		} else {
			cfg.Jobs = runtime.GOMAXPROCS(0)
		}
	}
	if cfg.Jobs <= 0 {
		return Config{}, fmt.Errorf("-j/--jobs must be positive, got %d", cfg.Jobs)
	}

	return cfg, nil
}

// Usage returns the two-line usage banner printed on -h or a parse error.
func Usage() string {
	return "usage: xip [-c] [-n] [-v] [-j N] <input.xip> [output-dir]\n" +
		"extract an Xcode .xip archive using a parallel decode/extract pipeline\n"
}
