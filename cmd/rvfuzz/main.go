// Command rvfuzz runs a coverage-guided, snapshot-based fuzzer over a
// user-supplied RV64I ELF target. See SPEC_FULL.md for the full design.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mellow-hype/rvfuzz/internal/config"
	"github.com/mellow-hype/rvfuzz/internal/corpus"
	"github.com/mellow-hype/rvfuzz/internal/elfload"
	"github.com/mellow-hype/rvfuzz/internal/emu"
	"github.com/mellow-hype/rvfuzz/internal/engine"
	"github.com/mellow-hype/rvfuzz/internal/logging"
	"github.com/mellow-hype/rvfuzz/internal/stats"
)

func main() {
	cfg := config.Default()
	var (
		configPath string
		breakAdr   uint64
		noColor    bool
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "rvfuzz TARGET [-- target-args...]",
		Short: "Coverage-guided fuzzer for RV64I ELF binaries",
		Long: `rvfuzz runs a snapshot-based, coverage-guided fuzzer against a 32/64-bit
RISC-V ELF target under emulation. Workers fork a read-only snapshot of the
guest taken at the entry point (or an explicit --break-adr), mutate corpus
inputs into a fixed injection buffer, and run to exit, promoting inputs that
discover new edge coverage and persisting crashing inputs to disk.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			merged, err := resolveConfig(cfg, configPath, breakAdr, cmd.Flags().Changed)
			if err != nil {
				return err
			}
			merged.Target = args[0]
			merged.TargetArgv = args[1:]
			return run(merged, logLevel, !noColor)
		},
	}

	flags := root.Flags()
	flags.StringVar(&configPath, "config", "", "optional YAML config file; explicitly passed flags override its values")
	flags.StringVar(&cfg.CorpusDir, "corpus-dir", cfg.CorpusDir, "directory to seed the corpus from")
	flags.StringVar(&cfg.CrashesDir, "crashes-dir", cfg.CrashesDir, "directory to write crashing inputs to")
	flags.IntVar(&cfg.Threads, "threads", cfg.Threads, "number of fuzzing worker threads")
	flags.Uint64Var(&cfg.MemorySize, "memory", cfg.MemorySize, "guest address space size in bytes")
	flags.Uint32Var(&cfg.CoverageSize, "coverage-size", cfg.CoverageSize, "coverage map size in cells (power of two)")
	flags.IntVar(&cfg.CorpusCap, "corpus-cap", cfg.CorpusCap, "maximum corpus entries")
	flags.Uint64Var(&cfg.FuzzBufAdr, "fuzz-buf-adr", cfg.FuzzBufAdr, "guest address of the injection buffer")
	flags.Uint64Var(&cfg.FuzzBufSize, "fuzz-buf-size", cfg.FuzzBufSize, "maximum injection buffer length")
	flags.Uint64Var(&breakAdr, "break-adr", 0, "PC at which to capture the pre-fuzz snapshot (default: ELF entry point)")
	flags.Uint64Var(&cfg.MaxInstructions, "max-instructions", cfg.MaxInstructions, "per-run instruction budget, 0 for unbounded (stored in the config; fuzz worker runs are not bounded by it)")
	flags.Uint64Var(&cfg.StackSize, "stack-size", cfg.StackSize, "guest stack size in bytes")
	flags.BoolVar(&noColor, "no-color", false, "disable ANSI colors in log output")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(newDebugCmd())

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// resolveConfig applies the three-layer precedence spec.md's config layer
// calls for: built-in defaults, then an optional YAML file, then whatever
// flags the user actually passed. flagCfg is the flag-parsed snapshot of
// cfg (pflag already wrote the user's values, or the defaults it was
// registered with, directly into its fields); changed reports whether a
// given flag name was explicitly set on the command line. Only flags
// changed are re-applied over the file layer, so an unset flag never lets
// its registration-time default clobber a value the file provided.
func resolveConfig(flagCfg config.Config, configPath string, breakAdr uint64, changed func(string) bool) (config.Config, error) {
	merged := config.Default()
	if configPath != "" {
		var err error
		merged, err = merged.LoadFile(configPath)
		if err != nil {
			return config.Config{}, err
		}
	}

	if changed("corpus-dir") {
		merged.CorpusDir = flagCfg.CorpusDir
	}
	if changed("crashes-dir") {
		merged.CrashesDir = flagCfg.CrashesDir
	}
	if changed("threads") {
		merged.Threads = flagCfg.Threads
	}
	if changed("memory") {
		merged.MemorySize = flagCfg.MemorySize
	}
	if changed("coverage-size") {
		merged.CoverageSize = flagCfg.CoverageSize
	}
	if changed("corpus-cap") {
		merged.CorpusCap = flagCfg.CorpusCap
	}
	if changed("fuzz-buf-adr") {
		merged.FuzzBufAdr = flagCfg.FuzzBufAdr
	}
	if changed("fuzz-buf-size") {
		merged.FuzzBufSize = flagCfg.FuzzBufSize
	}
	if changed("max-instructions") {
		merged.MaxInstructions = flagCfg.MaxInstructions
	}
	if changed("stack-size") {
		merged.StackSize = flagCfg.StackSize
	}
	if changed("break-adr") {
		merged.BreakAdr = breakAdr
		merged.HasBreakAdr = true
	}
	return merged, nil
}

func run(cfg config.Config, logLevel string, colors bool) error {
	level := parseLevel(logLevel)
	logger := logging.New(level, colors)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return err
	}

	elfFile, err := elfload.Load(cfg.Target)
	if err != nil {
		return fmt.Errorf("rvfuzz: %w", err)
	}

	snapshot := emu.New(cfg.MemorySize, cfg.StackSize, nil)
	if err := snapshot.LoadELF(elfFile); err != nil {
		return fmt.Errorf("rvfuzz: load elf: %w", err)
	}
	if err := snapshot.BuildStack(append([]string{cfg.Target}, cfg.TargetArgv...)); err != nil {
		return fmt.Errorf("rvfuzz: build stack: %w", err)
	}

	c := corpus.New(cfg.CorpusCap, cfg.CoverageSize)
	if cfg.CorpusDir != "" {
		if err := corpus.LoadDir(c, cfg.CorpusDir); err != nil {
			return fmt.Errorf("rvfuzz: load corpus: %w", err)
		}
	}
	if c.Len() == 0 {
		if err := c.Add(&corpus.Input{Data: []byte{0}}); err != nil {
			return fmt.Errorf("rvfuzz: seed corpus: %w", err)
		}
		slog.Warn("corpus directory was empty, seeded with a single zero byte")
	}
	snapshot.Coverage = c.Coverage

	setupStats := &stats.Worker{}
	if cfg.HasBreakAdr {
		if reason := snapshot.RunUntil(setupStats, cfg.BreakAdr); reason != emu.NoExit {
			return fmt.Errorf("rvfuzz: snapshot run_until exited early: %s", reason)
		}
	}

	engines := make([]*engine.Engine, cfg.Threads)
	workers := make([]*stats.Worker, cfg.Threads)
	for i := 0; i < cfg.Threads; i++ {
		eng := engine.New(i, snapshot, c, cfg.FuzzBufAdr, cfg.FuzzBufSize, cfg.CrashesDir)
		engines[i] = eng
		workers[i] = eng.Stats()
	}

	aggregate := stats.NewAggregate()
	reporter := stats.NewReporter(aggregate, workers, time.Second, logger)
	stop := make(chan struct{})
	go reporter.Run(stop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	for _, eng := range engines {
		go func(e *engine.Engine) {
			for {
				select {
				case <-done:
					return
				default:
				}
				if err := e.RunIteration(); err != nil {
					slog.Error("worker stopped", "err", err)
					return
				}
			}
		}(eng)
	}

	<-sigCh
	close(stop)
	close(done)
	slog.Info("shutting down")
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
