// Package config holds the immutable configuration surface for rvfuzz.
// Per spec.md's design notes, there is no global mutable config: a Config
// value is built once in main and threaded into constructors.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default values, chosen per SPEC_FULL.md §13's Open Question decisions.
const (
	DefaultMemorySize   = 256 * 1024 * 1024 // 256 MiB guest address space
	DefaultCoverageSize = 1 << 16           // 65536 edges
	DefaultThreads      = 1
	DefaultCorpusCap    = 1_000_000
	DefaultMaxInstr     = 0 // unbounded
	DefaultStackSize    = 1 << 20 // 1 MiB
	DefaultCorpusDir    = "corpus"
	DefaultCrashesDir   = "crashes"
	DefaultFuzzBufSize  = 4096
)

// Config is the full config surface named in spec.md §6.
type Config struct {
	Target      string   `yaml:"target"`
	TargetArgv  []string `yaml:"target_argv"`
	CorpusDir   string   `yaml:"corpus_dir"`
	CrashesDir  string   `yaml:"crashes_dir"`
	Threads     int      `yaml:"threads"`
	MemorySize  uint64   `yaml:"memory"`
	CoverageSize uint32  `yaml:"coverage_size"`
	CorpusCap   int      `yaml:"corpus_cap"`

	FuzzBufAdr  uint64 `yaml:"fuzz_buf_adr"`
	FuzzBufSize uint64 `yaml:"fuzz_buf_size"`

	// BreakAdr is optional; HasBreakAdr distinguishes "omitted" (snapshot
	// taken at the ELF entry point) from an explicit zero address.
	BreakAdr    uint64 `yaml:"break_adr"`
	HasBreakAdr bool   `yaml:"-"`

	// MaxInstructions is the per-run bound emu.Emulator.Run accepts; 0 means
	// unbounded. Extends §5. The fuzz workers in internal/engine call Run
	// with no bound, so this value does not limit their runs.
	MaxInstructions uint64 `yaml:"max_instructions"`

	StackSize uint64 `yaml:"stack_size"`
}

// Default returns a Config pre-filled with the defaults above; flags and an
// optional file layer on top of it.
func Default() Config {
	return Config{
		Threads:      DefaultThreads,
		MemorySize:   DefaultMemorySize,
		CoverageSize: DefaultCoverageSize,
		CorpusCap:    DefaultCorpusCap,
		StackSize:    DefaultStackSize,
		CorpusDir:    DefaultCorpusDir,
		CrashesDir:   DefaultCrashesDir,
		FuzzBufSize:  DefaultFuzzBufSize,
	}
}

// LoadFile merges a YAML config file on top of the receiver, returning the
// merged copy. Fields absent from the file keep the receiver's values.
func (c Config) LoadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: read %s: %w", path, err)
	}
	merged := c
	if err := yaml.Unmarshal(raw, &merged); err != nil {
		return c, fmt.Errorf("config: parse %s: %w", path, err)
	}
	// A break_adr key in the file counts as explicitly set, even when zero.
	var keys map[string]any
	if yaml.Unmarshal(raw, &keys) == nil {
		if _, ok := keys["break_adr"]; ok {
			merged.HasBreakAdr = true
		}
	}
	return merged, nil
}

// Validate checks the cross-field invariants the CLI/file layer cannot
// enforce on its own (power-of-two sizes, non-empty paths, etc).
func (c Config) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("config: target is required")
	}
	if c.Threads < 1 {
		return fmt.Errorf("config: threads must be >= 1")
	}
	if c.MemorySize == 0 {
		return fmt.Errorf("config: memory must be > 0")
	}
	if c.CoverageSize == 0 || c.CoverageSize&(c.CoverageSize-1) != 0 {
		return fmt.Errorf("config: coverage_size must be a power of two, got %d", c.CoverageSize)
	}
	if c.FuzzBufAdr+c.FuzzBufSize > c.MemorySize {
		return fmt.Errorf("config: fuzz buffer [%#x, %#x) exceeds guest memory size %#x",
			c.FuzzBufAdr, c.FuzzBufAdr+c.FuzzBufSize, c.MemorySize)
	}
	return nil
}
