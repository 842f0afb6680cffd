package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leadflow-ai/leadflow/internal/engine"
	"github.com/leadflow-ai/leadflow/internal/store"
)

var runSeed string

var runCmd = &cobra.Command{
	Use:   "run <definition-file>",
	Short: "Execute a workflow definition once",
	Long: `Executes a definition immediately against an in-memory store and
prints the final run data. Intended for developing workflows; use
'serve' for production scheduling.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		def, err := parseDefinitionFile(args[0])
		if err != nil {
			return err
		}

		var seed map[string]any
		if runSeed != "" {
			if err := json.Unmarshal([]byte(runSeed), &seed); err != nil {
				return fmt.Errorf("parsing --seed: %w", err)
			}
		}

		st := store.NewMemoryStore()
		eng, err := buildEngine(cfg, st, logger)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		w := &store.Workflow{Name: "adhoc", IsDefault: true}
		if err := st.CreateWorkflow(ctx, w); err != nil {
			return err
		}
		encoded, err := def.Encode()
		if err != nil {
			return err
		}
		version := &store.WorkflowVersion{WorkflowID: w.ID, Version: 1, Definition: encoded, Published: true}
		if err := st.CreateVersion(ctx, version); err != nil {
			return err
		}

		run, err := eng.CreateRun(ctx, engine.CreateRunParams{Seed: seed})
		if err != nil {
			return err
		}
		execErr := eng.ExecuteRun(ctx, run.ID)

		final, err := st.GetRun(ctx, run.ID)
		if err != nil {
			return err
		}

		cmd.Printf("run %s: %s\n", final.ID, final.Status)
		if len(final.Context) > 0 {
			var pretty map[string]any
			if err := json.Unmarshal(final.Context, &pretty); err == nil {
				out, _ := json.MarshalIndent(pretty, "", "  ")
				cmd.Println(string(out))
			}
		}
		return execErr
	},
}

func init() {
	runCmd.Flags().StringVar(&runSeed, "seed", "", "JSON object merged into the initial run data")
}
