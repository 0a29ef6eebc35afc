package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/emdx-dev/emdx/internal/cascade"
	"github.com/emdx-dev/emdx/internal/engine"
	"github.com/emdx-dev/emdx/internal/storage"
)

func newCascadeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cascade",
		Short: "Drive documents through the idea → done pipeline",
	}
	cmd.AddCommand(
		newCascadeAddCmd(a),
		newCascadeProcessCmd(a),
		newCascadeStatusCmd(a),
		newCascadeShowCmd(a),
		newCascadeAdvanceCmd(a),
		newCascadeRemoveCmd(a),
		newCascadeSynthesizeCmd(a),
		newCascadeRunsCmd(a),
	)
	return cmd
}

// readContent resolves document content from an argument or stdin ("-" or
// no argument when stdin is piped).
func readContent(args []string) (string, error) {
	if len(args) > 0 && args[0] != "-" {
		return args[0], nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(b), nil
}

func newCascadeAddCmd(a *app) *cobra.Command {
	var (
		title    string
		project  string
		stage    string
		stopAt   string
		auto     bool
		sync     bool
	)
	cmd := &cobra.Command{
		Use:   "add [content|-]",
		Short: "Add a document to the cascade, optionally running it through",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(args)
			if err != nil {
				return err
			}
			opts := cascade.AddOptions{
				Title:   title,
				Content: content,
				Project: project,
				Auto:    auto,
				Sync:    sync,
			}
			if stage != "" {
				s, err := cascade.ParseStage(stage)
				if err != nil {
					return &usageError{err}
				}
				opts.StartStage = s
			}
			if stopAt != "" {
				s, err := cascade.ParseStage(stopAt)
				if err != nil {
					return &usageError{err}
				}
				opts.StopStage = s
			}

			casc := cascade.New(a.eng, a.log)
			ctx := cmd.Context()
			if auto && sync {
				// The sync drive supervises its own executions.
				var cancel func()
				ctx, cancel = withReconciler(ctx, a)
				defer cancel()
			}
			res, err := casc.Add(ctx, opts)
			if res != nil {
				fmt.Printf("added document #%d\n", res.DocID)
				if res.RunID != nil {
					printRun(a, *res.RunID)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "document title (default: first content line)")
	cmd.Flags().StringVar(&project, "project", "", "project label")
	cmd.Flags().StringVar(&stage, "stage", "", "start stage (default: idea)")
	cmd.Flags().StringVar(&stopAt, "stop-at", "", "stop stage for --auto (default: done)")
	cmd.Flags().BoolVar(&auto, "auto", false, "create a cascade run and start processing")
	cmd.Flags().BoolVar(&sync, "sync", false, "with --auto: drive all stages in the foreground")
	return cmd
}

// newReconciler builds the zombie sweep with cascade recovery attached, so
// stage transitions orphaned by a dead launcher still finish.
func newReconciler(a *app) *engine.Reconciler {
	r := engine.NewReconciler(a.db, a.cfg, a.log)
	r.OnRecovered(cascade.New(a.eng, a.log).RecoverStage)
	return r
}

// withReconciler starts the background zombie sweep for the lifetime of a
// foreground drive.
func withReconciler(ctx context.Context, a *app) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go newReconciler(a).Run(ctx)
	return ctx, cancel
}

func printRun(a *app, runID int64) {
	run, err := a.db.GetCascadeRun(runID)
	if err != nil {
		fmt.Printf("run #%d\n", runID)
		return
	}
	fmt.Printf("run #%d: %s (at %s", run.ID, run.Status, run.CurrentStage)
	if run.PRURL != nil {
		fmt.Printf(", PR %s", *run.PRURL)
	}
	fmt.Println(")")
	if run.ErrorMessage != nil {
		fmt.Printf("  error: %s\n", *run.ErrorMessage)
	}
}

func newCascadeProcessCmd(a *app) *cobra.Command {
	var (
		docID  int64
		sync   bool
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "process <stage>",
		Short: "Run one stage transition for the oldest (or given) document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := cascade.ParseStage(args[0])
			if err != nil {
				return &usageError{err}
			}
			var target *int64
			if docID > 0 {
				target = &docID
			}
			casc := cascade.New(a.eng, a.log)
			if dryRun {
				pv, err := casc.DryRun(stage, target)
				if err != nil {
					return err
				}
				if pv == nil {
					fmt.Printf("nothing at stage %s\n", stage)
					return nil
				}
				fmt.Printf("would process document #%d %s→%s: %s\n---\n%s\n",
					pv.DocID, pv.Stage, pv.NextStage, pv.Title, pv.Prompt)
				return nil
			}
			ctx := cmd.Context()
			if sync {
				var cancel func()
				ctx, cancel = withReconciler(ctx, a)
				defer cancel()
			}
			pr, err := casc.Process(ctx, stage, target, sync, nil)
			if err != nil {
				return err
			}
			if pr == nil {
				fmt.Printf("nothing at stage %s\n", stage)
				return nil
			}
			if pr.Detached {
				fmt.Printf("processing document #%d %s→%s (execution %d, pid %d)\n",
					pr.DocID, pr.Stage, pr.NextStage, pr.ExecutionID, pr.PID)
				return nil
			}
			if !pr.Success {
				return fmt.Errorf("%s", pr.Error)
			}
			fmt.Printf("document #%d advanced %s→%s", pr.DocID, pr.Stage, pr.NextStage)
			if pr.ChildDocID != nil && *pr.ChildDocID != pr.DocID {
				fmt.Printf(" (child document #%d)", *pr.ChildDocID)
			}
			fmt.Println()
			return nil
		},
	}
	cmd.Flags().Int64Var(&docID, "doc", 0, "explicit document id (must be at the stage)")
	cmd.Flags().BoolVar(&sync, "sync", false, "wait for the execution in the foreground")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the rendered stage prompt without running anything")
	return cmd
}

func newCascadeStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the queue at every stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			casc := cascade.New(a.eng, a.log)
			counts, err := casc.Status()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, sc := range counts {
				fmt.Fprintf(w, "%s\t%d\n", sc.Stage, sc.Count)
				for _, doc := range sc.Docs {
					fmt.Fprintf(w, "  #%d\t%s\n", doc.ID, doc.Title)
				}
			}
			return w.Flush()
		},
	}
}

func newCascadeShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <doc-id>",
		Short: "Show a cascade document and its children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			doc, err := a.db.GetDocument(id)
			if err != nil {
				return err
			}
			printDocument(doc)
			children, err := a.db.ListChildren(id)
			if err != nil {
				return err
			}
			if len(children) > 0 {
				fmt.Println("children:")
				for _, child := range children {
					fmt.Printf("  #%d [%s] %s\n", child.ID, displayStage(child.Stage), child.Title)
				}
			}
			return nil
		},
	}
}

func printDocument(doc *storage.Document) {
	fmt.Printf("document #%d: %s\n", doc.ID, doc.Title)
	fmt.Printf("  stage:   %s\n", displayStage(doc.Stage))
	if doc.Project != nil {
		fmt.Printf("  project: %s\n", *doc.Project)
	}
	if doc.ParentID != nil {
		fmt.Printf("  parent:  #%d\n", *doc.ParentID)
	}
	if doc.PRURL != nil {
		fmt.Printf("  pr:      %s\n", *doc.PRURL)
	}
	fmt.Printf("  created: %s\n", doc.CreatedAt.Format(time.RFC3339))
	fmt.Println("---")
	fmt.Println(strings.TrimRight(doc.Content, "\n"))
}

func displayStage(stage string) string {
	if stage == "" {
		return "-"
	}
	return stage
}

func newCascadeAdvanceCmd(a *app) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "advance <doc-id>",
		Short: "Move a document to the next (or a later) stage without running anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var target *cascade.Stage
			if to != "" {
				s, err := cascade.ParseStage(to)
				if err != nil {
					return &usageError{err}
				}
				target = &s
			}
			casc := cascade.New(a.eng, a.log)
			advanced, err := casc.Advance(id, target)
			if err != nil {
				return err
			}
			if !advanced {
				fmt.Printf("document #%d is already done\n", id)
				return nil
			}
			doc, err := a.db.GetDocument(id)
			if err != nil {
				return err
			}
			fmt.Printf("document #%d is now at %s\n", id, doc.Stage)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "explicit target stage (must be later than the current one)")
	return cmd
}

func newCascadeRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <doc-id>",
		Short: "Take a document out of the cascade without deleting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			casc := cascade.New(a.eng, a.log)
			if err := casc.Remove(id); err != nil {
				return err
			}
			fmt.Printf("document #%d removed from the cascade\n", id)
			return nil
		},
	}
}

func newCascadeSynthesizeCmd(a *app) *cobra.Command {
	var (
		docIDs []int64
		keep   bool
	)
	cmd := &cobra.Command{
		Use:   "synthesize <stage>",
		Short: "Merge documents at one stage into a single document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := cascade.ParseStage(args[0])
			if err != nil {
				return &usageError{err}
			}
			casc := cascade.New(a.eng, a.log)
			id, err := casc.Synthesize(cascade.SynthesizeOptions{
				Stage:  stage,
				DocIDs: docIDs,
				Keep:   keep,
			})
			if err != nil {
				return err
			}
			fmt.Printf("created synthesis document #%d at %s\n", id, stage)
			return nil
		},
	}
	cmd.Flags().Int64SliceVar(&docIDs, "doc", nil, "source document ids (default: all at the stage)")
	cmd.Flags().BoolVar(&keep, "keep", false, "leave the sources at their stage")
	return cmd
}

func newCascadeRunsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List cascade runs, or show one run with its executions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				detail, err := a.q.CascadeRun(id)
				if err != nil {
					return err
				}
				printRun(a, detail.Run.ID)
				fmt.Printf("  stages:  %s → %s\n", detail.Run.StartStage, detail.Run.StopStage)
				fmt.Printf("  started: %s\n", detail.Run.StartedAt.Format(time.RFC3339))
				for _, v := range detail.Executions {
					fmt.Printf("  execution %d: %s (%s) %s\n",
						v.ID, statusLabel(v), execDuration(v.Execution), v.DocTitle)
				}
				return nil
			}
			runs, err := a.q.CascadeRuns(limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSTAGE\tDOC\tSTARTED")
			for _, run := range runs {
				fmt.Fprintf(w, "%d\t%s\t%s\t#%d\t%s\n",
					run.ID, run.Status, run.CurrentStage, run.CurrentDocID,
					run.StartedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}
