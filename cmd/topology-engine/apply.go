package main

import (
	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Compile an assembly, build images and provision every unit",
	RunE: func(cmd *cobra.Command, args []string) error {
		asm, err := readAssembly()
		if err != nil {
			return err
		}
		eng, err := newEngine(cfg)
		if err != nil {
			return err
		}
		rev, plan, err := eng.deploy.Apply(cmd.Context(), asm)
		if err != nil {
			return err
		}
		return printValue(cmd.OutOrStdout(), outputFormat, struct {
			Revision *domain.Revision            `json:"revision"`
			Outputs  map[string]map[string]string `json:"outputs"`
		}{Revision: rev, Outputs: plan.Outputs})
	},
}
