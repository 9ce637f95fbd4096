package main

import (
	"fmt"
	"io"
	"os"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/service"
	"github.com/spf13/cobra"
)

var (
	previewUnit    string
	previewLogFile string
)

// previewCmd 在本地日志文件上试算单元的指标规则，不访问 Loki。
var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Evaluate a unit's log-derived metric rules against a local log file",
	RunE: func(cmd *cobra.Command, args []string) error {
		asm, err := readAssembly()
		if err != nil {
			return err
		}
		plan, err := newPlanner(cfg).Plan(cmd.Context(), asm)
		if err != nil {
			return err
		}
		ref, err := domain.ParseUnitRef(previewUnit)
		if err != nil {
			return err
		}
		var unit *domain.ProvisionedUnit
		for _, u := range plan.Units {
			if u.Ref == ref {
				unit = u
				break
			}
		}
		if unit == nil {
			return fmt.Errorf("%w: %s", domain.ErrUnitNotFound, ref)
		}

		var in io.Reader = cmd.InOrStdin()
		if previewLogFile != "" && previewLogFile != "-" {
			f, err := os.Open(previewLogFile)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		summaries, skipped, err := service.SummarizeLines(unit.Plan.MetricRules, in)
		if err != nil {
			return err
		}
		if skipped > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipped %d non-JSON lines\n", skipped)
		}
		return printValue(cmd.OutOrStdout(), outputFormat, summaries)
	},
}

func init() {
	previewCmd.Flags().StringVarP(&assemblyFile, "file", "f", "", "assembly file (defaults to ASSEMBLY_FILE)")
	previewCmd.Flags().StringVarP(&previewUnit, "unit", "u", "", "unit to evaluate, as app/component")
	previewCmd.Flags().StringVar(&previewLogFile, "logs", "-", "log file with one JSON record per line, - for stdin")
	previewCmd.Flags().StringVarP(&outputFormat, "output", "o", "yaml", "output format: yaml or json")
	_ = previewCmd.MarkFlagRequired("unit")
}
