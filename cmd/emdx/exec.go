package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/emdx-dev/emdx/internal/engine"
	"github.com/emdx-dev/emdx/internal/execlog"
	"github.com/emdx-dev/emdx/internal/query"
	"github.com/emdx-dev/emdx/internal/storage"
)

func newExecCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Run and inspect agent executions",
	}
	cmd.AddCommand(
		newExecStartCmd(a),
		newExecListCmd(a),
		newExecShowCmd(a),
		newExecKillCmd(a),
		newExecReapCmd(a),
	)
	return cmd
}

func newExecStartCmd(a *app) *cobra.Command {
	var (
		detach     bool
		save       bool
		openPR     bool
		title      string
		tags       []string
		tools      []string
		timeoutSec int
		workingDir string
		model      string
		vars       []string
	)
	cmd := &cobra.Command{
		Use:   "start <prompt>",
		Short: "Run an ad-hoc prompt as a supervised execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			varMap, err := parseVars(vars)
			if err != nil {
				return &usageError{err}
			}
			execCfg := &engine.ExecuteConfig{
				DocTitle:     firstNonEmpty(title, "ad-hoc execution"),
				Prompt:       args[0],
				Vars:         varMap,
				AllowedTools: tools,
				Timeout:      time.Duration(timeoutSec) * time.Second,
				WorkingDir:   workingDir,
				Model:        model,
			}
			if save {
				execCfg.Save = &engine.SaveOptions{Title: title, Tags: tags, OpenPR: openPR}
			}
			if detach {
				det, err := a.eng.ExecuteDetached(cmd.Context(), execCfg)
				if err != nil {
					return err
				}
				fmt.Printf("started execution %d (pid %d)\nlog: %s\n", det.ExecutionID, det.PID, det.LogFile)
				return nil
			}
			return runSync(cmd.Context(), a, execCfg)
		},
	}
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "return immediately, run in background")
	cmd.Flags().BoolVar(&save, "save", false, "append the save instruction to the prompt")
	cmd.Flags().BoolVar(&openPR, "open-pr", false, "ask the agent to report a PR URL")
	cmd.Flags().StringVar(&title, "title", "", "title for the saved output")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "tags for the saved output")
	cmd.Flags().StringSliceVar(&tools, "tools", nil, "allowed tool patterns")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 0, "timeout in seconds (default: config)")
	cmd.Flags().StringVar(&workingDir, "dir", "", "working directory (default: scratch dir)")
	cmd.Flags().StringVar(&model, "model", "", "model override")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "template variable k=v (repeatable)")
	return cmd
}

// runSync executes in the foreground with the zombie reconciler sweeping in
// the background, and prints the outcome.
func runSync(ctx context.Context, a *app, execCfg *engine.ExecuteConfig) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go newReconciler(a).Run(ctx)

	res, err := a.eng.ExecuteSync(ctx, execCfg)
	if err != nil {
		return err
	}
	printResult(res)
	if !res.Success {
		return fmt.Errorf("execution %d failed (exit code %d)", res.ExecutionID, res.ExitCode)
	}
	return nil
}

func printResult(res *engine.Result) {
	if res.Output != "" {
		fmt.Println(res.Output)
	}
	fmt.Printf("execution %d: exit %d in %s", res.ExecutionID, res.ExitCode, res.Duration.Round(time.Second))
	if res.Tokens.Total() > 0 {
		fmt.Printf(", %d tokens", res.Tokens.Total())
	}
	if res.Tokens.TotalCostUSD > 0 {
		fmt.Printf(", $%.4f", res.Tokens.TotalCostUSD)
	}
	fmt.Println()
	if res.DocID != nil {
		fmt.Printf("saved document: #%d\n", *res.DocID)
	}
	if res.PRURL != "" {
		fmt.Printf("pull request: %s\n", res.PRURL)
	}
}

func newExecListCmd(a *app) *cobra.Command {
	var (
		limit   int
		running bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				views []*query.ExecutionView
				err   error
			)
			if running {
				views, err = a.q.RunningExecutions()
			} else {
				views, err = a.q.RecentExecutions(limit)
			}
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tDURATION\tTITLE")
			for _, v := range views {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					v.ID, statusLabel(v), v.StartedAt.Format("2006-01-02 15:04:05"),
					execDuration(v.Execution), v.DocTitle)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	cmd.Flags().BoolVar(&running, "running", false, "only records still marked running")
	return cmd
}

func statusLabel(v *query.ExecutionView) string {
	if v.Zombie {
		return v.Status + " (zombie)"
	}
	return v.Status
}

func execDuration(e *storage.Execution) string {
	end := time.Now()
	if e.CompletedAt != nil {
		end = *e.CompletedAt
	}
	return end.Sub(e.StartedAt).Round(time.Second).String()
}

func newExecShowCmd(a *app) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show one execution, optionally following its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			rec, err := a.db.GetExecution(id)
			if err != nil {
				return err
			}
			printExecution(rec)
			if !follow {
				return dumpLog(rec.LogFile)
			}
			return followLog(cmd.Context(), a, id)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "tail the log until the execution finishes")
	return cmd
}

func printExecution(rec *storage.Execution) {
	fmt.Printf("execution %d: %s\n", rec.ID, rec.Status)
	fmt.Printf("  title:   %s\n", rec.DocTitle)
	fmt.Printf("  started: %s\n", rec.StartedAt.Format(time.RFC3339))
	if rec.CompletedAt != nil {
		fmt.Printf("  ended:   %s\n", rec.CompletedAt.Format(time.RFC3339))
	}
	if rec.ExitCode != nil {
		fmt.Printf("  exit:    %d\n", *rec.ExitCode)
	}
	if rec.PID != nil {
		fmt.Printf("  pid:     %d\n", *rec.PID)
	}
	if rec.CascadeRunID != nil {
		fmt.Printf("  run:     %d\n", *rec.CascadeRunID)
	}
	fmt.Printf("  log:     %s\n", rec.LogFile)
}

func dumpLog(path string) error {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Println("---")
	os.Stdout.Write(b)
	return nil
}

// followLog prints the log as it grows until the execution goes terminal
// or the user interrupts.
func followLog(ctx context.Context, a *app, executionID int64) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, _, err := a.q.FollowLog(executionID)
	if err != nil {
		return err
	}
	defer stream.Close()

	initial, err := stream.InitialContent()
	if err != nil {
		return err
	}
	fmt.Println("---")
	os.Stdout.Write(initial)

	sub := execlog.SubscriberFunc(func(chunk []byte) { os.Stdout.Write(chunk) })
	stream.Subscribe(sub)
	defer stream.Unsubscribe(sub)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rec, err := a.db.GetExecution(executionID)
			if err != nil {
				return err
			}
			if rec.Terminal() {
				// Let the tail poller flush the final chunk.
				time.Sleep(2 * execlog.DefaultPollInterval)
				fmt.Printf("---\nexecution %d: %s\n", rec.ID, rec.Status)
				return nil
			}
		}
	}
}

func newExecKillCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <execution-id>",
		Short: "Terminate a running execution's process group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := a.eng.KillExecution(id); err != nil {
				return err
			}
			fmt.Printf("killed execution %d\n", id)
			return nil
		},
	}
}

func newExecReapCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Sweep running records whose process is gone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newReconciler(a).ReconcileOnce()
		},
	}
}

func parseID(raw string) (int64, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "#")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &usageError{fmt.Errorf("invalid id %q", raw)}
	}
	return id, nil
}

func parseVars(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --var %q, expected k=v", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
