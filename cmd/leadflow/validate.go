package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/leadflow-ai/leadflow/internal/step"
	"github.com/leadflow-ai/leadflow/internal/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <definition-file>",
	Short: "Validate a workflow definition",
	Long: `Parses a workflow definition (YAML or JSON by extension) and checks
it against the structural rules: unique step keys, declared edge
endpoints and entry, registered step types, and an acyclic graph.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := parseDefinitionFile(args[0])
		if err != nil {
			return err
		}

		steps := step.NewRegistry()
		if err := step.RegisterBuiltins(steps); err != nil {
			return err
		}

		if err := workflow.NewValidator(steps).Validate(def); err != nil {
			return err
		}

		cmd.Printf("%s: valid (%d steps, %d edges, entry %q)\n",
			args[0], len(def.Steps), len(def.Edges), def.Entry)
		return nil
	},
}

// parseDefinitionFile reads a definition as YAML unless the extension
// says JSON.
func parseDefinitionFile(path string) (*workflow.Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if filepath.Ext(path) == ".json" {
		return workflow.ParseDefinition(raw)
	}
	return workflow.ParseDefinitionYAML(raw)
}
