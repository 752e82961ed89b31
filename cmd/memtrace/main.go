package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kpellizzi/memtrace/pkg/aggregator"
	"github.com/kpellizzi/memtrace/pkg/engine"
	"github.com/kpellizzi/memtrace/pkg/report"
	"github.com/kpellizzi/memtrace/pkg/tracefile"
)

func main() {
	rootCmd := &cobra.Command{
		Use: "memtrace",
		Short: "Uninitialized-memory-read detector driven by a captured instruction trace",
	}

	// run command
	var output string
	var stringOptStr string
	var keepLD bool
	var verbose bool

	runCmd := &cobra.Command{
		Use: "run [trace.json]",
		Short: "Replay a trace description through the engine and write a binary report",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stringOpt, err := parseStringOpt(stringOptStr)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			tr, err := tracefile.Decode(f)
			if err != nil {
				return fmt.Errorf("decode trace: %w", err)
			}

			log := zap.NewNop()
			if verbose {
				l, err := zap.NewDevelopment()
				if err != nil {
					return fmt.Errorf("build logger: %w", err)
				}
				log = l
			}

			fmt.Printf("memtrace: replaying %d events (%d-bit)\n", len(tr.Events), tr.Bits)

			e := engine.New(engine.Config{
				OutputPath: output,
				StringOpt: stringOpt,
				KeepLD: keepLD,
			}, log)

			if err := e.Replay(tr); err != nil {
				return fmt.Errorf("replay: %w", err)
			}

			fmt.Printf("Written to %s\n", outputOrDefault(output))
			return nil
		},
	}
	runCmd.Flags().StringVarP(&output, "output", "o", "", "Report output path (default overlaps.bin)")
	runCmd.Flags().StringVarP(&stringOptStr, "string-opt", "u", "LIBS", "String-optimization heuristic scope: ON, OFF, or LIBS")
	runCmd.Flags().BoolVar(&keepLD, "keep-ld", false, "Keep the dynamic linker's own image in the report's image list")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose engine diagnostics")

	// opcodes command
	opcodesCmd := &cobra.Command{
		Use: "opcodes",
		Short: "Dump the non-default opcode classification table as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			e := engine.New(engine.Config{}, nil)
			table := e.OpcodeTable()
			return json.NewEncoder(os.Stdout).Encode(table)
		},
	}

	// verify-report command
	verifyReportCmd := &cobra.Command{
		Use: "verify-report [overlaps.bin]",
		Short: "Decode a report file and print a summary, failing on framing errors",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			summary, err := report.Verify(f)
			if err != nil {
				return fmt.Errorf("malformed report: %w", err)
			}

			fmt.Printf("Register size: %d bytes\n", summary.RegSize)
			fmt.Printf("Images: %d\n", len(summary.Images))
			for _, img := range summary.Images {
				fmt.Printf(" %s @ 0x%x\n", img.Name, img.Base)
			}
			fmt.Printf("Stack base: 0x%x\n", summary.StackBase)
			fmt.Printf("Full overlap groups: %d\n", summary.FullGroups)
			fmt.Printf("Partial overlap groups: %d\n", summary.PartialGroups)
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, opcodesCmd, verifyReportCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func outputOrDefault(path string) string {
	if path == "" {
		return "overlaps.bin"
	}
	return path
}

// parseStringOpt parses the -u flag value.
func parseStringOpt(s string) (aggregator.StringOptMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "LIBS":
		return aggregator.StringOptLibs, nil
	case "ON":
		return aggregator.StringOptOn, nil
	case "OFF":
		return aggregator.StringOptOff, nil
	default:
		return "", fmt.Errorf("invalid -u value %q: use ON, OFF, or LIBS", s)
	}
}
