package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/emdx-dev/emdx/internal/cascade"
	"github.com/emdx-dev/emdx/internal/query"
)

// newPrimeCmd prints a snapshot of the orchestrator's state, meant to be
// pasted (or piped) into an AI session as context.
func newPrimeCmd(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
		quiet  bool
	)
	cmd := &cobra.Command{
		Use:   "prime",
		Short: "Print a context snapshot of pipeline and executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stages := make([]string, len(cascade.Stages))
			for i, s := range cascade.Stages {
				stages[i] = string(s)
			}
			overview, err := a.q.PipelineOverview(stages)
			if err != nil {
				return err
			}
			if asJSON {
				return printPrimeJSON(a, overview, limit)
			}

			if !quiet {
				fmt.Println("# emdx status")
				fmt.Println()
			}
			fmt.Println("## Pipeline")
			for _, sc := range overview {
				fmt.Printf("- %s: %d\n", sc.Stage, sc.Count)
			}
			fmt.Println()

			running, err := a.q.RunningExecutions()
			if err != nil {
				return err
			}
			if !quiet || len(running) > 0 {
				fmt.Println("## Running executions")
				if len(running) == 0 {
					fmt.Println("- none")
				}
				for _, v := range running {
					fmt.Printf("- #%d %s (%s, %s)\n", v.ID, v.DocTitle, statusLabel(v), execDuration(v.Execution))
				}
				fmt.Println()
			}

			recent, err := a.q.RecentExecutions(limit)
			if err != nil {
				return err
			}
			if !quiet || len(recent) > 0 {
				fmt.Println("## Recent executions")
				if len(recent) == 0 {
					fmt.Println("- none")
				}
				for _, v := range recent {
					fmt.Printf("- #%d [%s] %s (%s)\n", v.ID, statusLabel(v), v.DocTitle,
						v.StartedAt.Format(time.RFC3339))
				}
				fmt.Println()
			}

			runs, err := a.q.CascadeRuns(limit)
			if err != nil {
				return err
			}
			if quiet && len(runs) == 0 {
				return nil
			}
			fmt.Println("## Cascade runs")
			if len(runs) == 0 {
				fmt.Println("- none")
			}
			for _, run := range runs {
				line := fmt.Sprintf("- run #%d [%s] at %s, doc #%d", run.ID, run.Status, run.CurrentStage, run.CurrentDocID)
				if run.PRURL != nil {
					line += ", PR " + *run.PRURL
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "rows per section")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the snapshot as JSON")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "skip the banner and empty sections")
	return cmd
}

func printPrimeJSON(a *app, overview []query.StageCount, limit int) error {
	running, err := a.q.RunningExecutions()
	if err != nil {
		return err
	}
	recent, err := a.q.RecentExecutions(limit)
	if err != nil {
		return err
	}
	runs, err := a.q.CascadeRuns(limit)
	if err != nil {
		return err
	}
	snapshot := map[string]any{
		"pipeline": overview,
		"running":  running,
		"recent":   recent,
		"runs":     runs,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snapshot)
}
