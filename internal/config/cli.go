package config

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds the parsed command-line flags from spec.md section 6.
type CLIConfig struct {
	Exchanges     []string
	DumpPath      string
	SymbolConfig  string
	DurationMin   uint
	Blocks        uint
	Depth         uint
	RuntimeConfig string // optional ambient config, additive to spec.md's contract
}

// ParseCLI parses os.Args[1:] (or the supplied args, for tests) into a
// CLIConfig, applying the defaults spec.md section 6 specifies.
func ParseCLI(args []string) (CLIConfig, error) {
	fs := flag.NewFlagSet("marketfeed", flag.ContinueOnError)

	exchanges := fs.String("exchanges", "", "comma-separated subset of {bitfinex,coinbase,bitmex,kraken}; default all")
	dumpPath := fs.String("dump-path", "", "directory for the archive (required)")
	symbolConfig := fs.String("symbol-config", "", "path to the JSON symbol-mapping config (required)")
	duration := fs.Uint("duration", 480, "minutes per archive block")
	blocks := fs.Uint("blocks", 1, "number of blocks to run before exiting")
	depth := fs.Uint("depth", 10, "book depth and number of price levels archived")
	runtimeConfig := fs.String("runtime-config", "", "optional YAML file tuning ambient/domain settings")

	if err := fs.Parse(args); err != nil {
		return CLIConfig{}, err
	}

	cfg := CLIConfig{
		Exchanges:     ParseExchanges(*exchanges),
		DumpPath:      *dumpPath,
		SymbolConfig:  *symbolConfig,
		DurationMin:   *duration,
		Blocks:        *blocks,
		Depth:         *depth,
		RuntimeConfig: *runtimeConfig,
	}

	if cfg.DumpPath == "" {
		return cfg, fmt.Errorf("--dump-path is required")
	}
	if cfg.SymbolConfig == "" {
		return cfg, fmt.Errorf("--symbol-config is required")
	}
	if cfg.DurationMin == 0 {
		return cfg, fmt.Errorf("--duration must be positive")
	}
	if cfg.Blocks == 0 {
		return cfg, fmt.Errorf("--blocks must be positive")
	}
	if cfg.Depth == 0 {
		return cfg, fmt.Errorf("--depth must be positive")
	}
	return cfg, nil
}

// TotalRuntime is duration x blocks, the total wall-clock time the process
// runs before exiting cleanly.
func (c CLIConfig) TotalRuntime() time.Duration {
	return time.Duration(c.DurationMin) * time.Duration(c.Blocks) * time.Minute
}

// FatalUsage writes a fatal configuration error to stderr and exits 1, the
// contract spec.md section 6 requires for CLI-level failures.
func FatalUsage(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
