package main

import (
	"errors"

	"github.com/chiwei-platform/topology-engine/internal/config"
	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/spf13/cobra"
)

var (
	assemblyFile string
	outputFormat string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Compile an assembly and print the planned units, outputs and dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		asm, err := readAssembly()
		if err != nil {
			return err
		}
		plan, err := newPlanner(cfg).Plan(cmd.Context(), asm)
		if err != nil {
			return err
		}
		return printValue(cmd.OutOrStdout(), outputFormat, plan)
	},
}

func init() {
	for _, c := range []*cobra.Command{planCmd, applyCmd} {
		c.Flags().StringVarP(&assemblyFile, "file", "f", "", "assembly file (defaults to ASSEMBLY_FILE)")
		c.Flags().StringVarP(&outputFormat, "output", "o", "yaml", "output format: yaml or json")
	}
}

func readAssembly() (*domain.Assembly, error) {
	path := assemblyFile
	if path == "" {
		path = cfg.AssemblyFile
	}
	if path == "" {
		return nil, errors.New("no assembly file: pass -f or set ASSEMBLY_FILE")
	}
	return config.LoadAssembly(path)
}
