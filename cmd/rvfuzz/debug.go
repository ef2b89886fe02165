package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mellow-hype/rvfuzz/internal/coverage"
	"github.com/mellow-hype/rvfuzz/internal/elfload"
	"github.com/mellow-hype/rvfuzz/internal/emu"
)

// newDebugCmd builds the ad-hoc register/memory dump helper SPEC_FULL.md
// §12 carries over from the original implementation's debug printers
// (minus its interactive readline loop, which stays out of scope).
func newDebugCmd() *cobra.Command {
	var (
		memorySize uint64
		searchHex  string
		searchWide int
	)

	cmd := &cobra.Command{
		Use:   "debug TARGET",
		Short: "Load a target and print its entry state, registers, and an optional memory search",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			elfFile, err := elfload.Load(args[0])
			if err != nil {
				return fmt.Errorf("rvfuzz debug: %w", err)
			}

			e := emu.New(memorySize, 1<<20, coverage.New(1024))
			if err := e.LoadELF(elfFile); err != nil {
				return fmt.Errorf("rvfuzz debug: %w", err)
			}

			fmt.Printf("entry point: %#x\n", elfFile.EntryPoint)
			fmt.Printf("program headers: %d\n", len(elfFile.ProgramHeaders))
			for i, ph := range elfFile.ProgramHeaders {
				fmt.Printf("  [%d] vaddr=%#x filesz=%#x memsz=%#x flags=%03b\n",
					i, ph.VirtAddr, ph.FileSize, ph.MemSize, ph.Flags)
			}
			dumpRegs(e)

			if searchHex != "" {
				needle, err := strconv.ParseUint(searchHex, 0, 64)
				if err != nil {
					return fmt.Errorf("rvfuzz debug: --search: %w", err)
				}
				hits := e.MMU.Search(needle, searchWide)
				fmt.Printf("search %#x (width %d): %d hits\n", needle, searchWide, len(hits))
				for _, h := range hits {
					fmt.Printf("  %#x\n", uint64(h))
				}
			}
			return nil
		},
	}

	cmd.Flags().Uint64Var(&memorySize, "memory", 256*1024*1024, "guest address space size in bytes")
	cmd.Flags().StringVar(&searchHex, "search", "", "scan loaded memory for this value (e.g. 0xdeadbeef)")
	cmd.Flags().IntVar(&searchWide, "search-width", 4, "search value width in bytes: 1, 2, 4, or 8")

	return cmd
}

func dumpRegs(e *emu.Emulator) {
	for r := 0; r < emu.NumRegs; r++ {
		fmt.Printf("  %-4s = %#018x\n", emu.RegName(r), e.GetReg(r))
	}
}
