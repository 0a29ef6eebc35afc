package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/emdx-dev/emdx/internal/agents"
	"github.com/emdx-dev/emdx/internal/engine"
	"github.com/emdx-dev/emdx/internal/storage"
)

func newAgentCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage and run named agent definitions",
	}
	cmd.AddCommand(
		newAgentRunCmd(a),
		newAgentCreateCmd(a),
		newAgentListCmd(a),
		newAgentShowCmd(a),
		newAgentImportCmd(a),
		newAgentExportCmd(a),
		newAgentEnableCmd(a, true),
		newAgentEnableCmd(a, false),
	)
	return cmd
}

func newAgentRunCmd(a *app) *cobra.Command {
	var (
		detach bool
		docID  int64
		query  string
		vars   []string
		model  string
		dir    string
	)
	cmd := &cobra.Command{
		Use:   "run <name|id>",
		Short: "Run a named agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if docID > 0 && query != "" {
				return &usageError{fmt.Errorf("--doc and --query are mutually exclusive")}
			}
			reg := agents.NewRegistry(a.db)
			def, err := reg.Resolve(args[0])
			if err != nil {
				return err
			}
			varMap, err := parseVars(vars)
			if err != nil {
				return &usageError{err}
			}
			if docID > 0 {
				doc, err := a.db.GetDocument(docID)
				if err != nil {
					return err
				}
				if varMap == nil {
					varMap = map[string]string{}
				}
				varMap["content"] = doc.Content
				varMap["title"] = doc.Title
			}
			if query != "" {
				if varMap == nil {
					varMap = map[string]string{}
				}
				varMap["content"] = query
				varMap["query"] = query
			}

			execCfg := &engine.ExecuteConfig{
				DocTitle:     fmt.Sprintf("agent: %s", def.Name),
				Prompt:       agents.Render(def, varMap),
				AllowedTools: def.AllowedTools,
				Timeout:      agents.Timeout(def),
				WorkingDir:   dir,
				AgentID:      &def.ID,
				Model:        model,
			}
			if docID > 0 {
				execCfg.DocID = &docID
			}
			if def.OutputTags != "" {
				execCfg.Save = &engine.SaveOptions{Tags: []string{def.OutputTags}}
			}

			if detach {
				det, err := a.eng.ExecuteDetached(cmd.Context(), execCfg)
				if err != nil {
					return err
				}
				fmt.Printf("started agent %s: execution %d (pid %d)\nlog: %s\n",
					def.Name, det.ExecutionID, det.PID, det.LogFile)
				return nil
			}
			return runSync(cmd.Context(), a, execCfg)
		},
	}
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "return immediately, run in background")
	cmd.Flags().Int64Var(&docID, "doc", 0, "feed a document as {{content}}/{{title}}")
	cmd.Flags().StringVarP(&query, "query", "q", "", "ad-hoc text bound to {{content}} (excludes --doc)")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "template variable k=v (repeatable)")
	cmd.Flags().StringVar(&model, "model", "", "model override")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory (default: scratch dir)")
	return cmd
}

func newAgentCreateCmd(a *app) *cobra.Command {
	var (
		def      storage.AgentDefinition
		template string
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an agent definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def.Name = args[0]
			def.UserPromptTemplate = template
			if def.UserPromptTemplate == "" {
				return &usageError{fmt.Errorf("--prompt is required")}
			}
			id, err := a.db.CreateAgent(&def)
			if err != nil {
				return err
			}
			fmt.Printf("created agent %s (#%d)\n", def.Name, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&template, "prompt", "", "user prompt template ({{var}} placeholders)")
	cmd.Flags().StringVar(&def.DisplayName, "display-name", "", "human-readable name")
	cmd.Flags().StringVar(&def.Description, "description", "", "what the agent does")
	cmd.Flags().StringVar(&def.Category, "category", "", "grouping label")
	cmd.Flags().StringVar(&def.SystemPrompt, "system", "", "system prompt")
	cmd.Flags().StringSliceVar(&def.AllowedTools, "tools", nil, "allowed tool patterns")
	cmd.Flags().IntVar(&def.MaxContextDocs, "max-context-docs", 0, "max context documents (default 5)")
	cmd.Flags().IntVar(&def.TimeoutSeconds, "timeout", 0, "timeout in seconds (default 300)")
	cmd.Flags().StringVar(&def.OutputTags, "output-tags", "", "tags for saved output")
	return cmd
}

func newAgentListCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agent definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := a.db.ListAgents(all)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tUSES\tOK\tFAIL\tACTIVE")
			for _, d := range defs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%t\n",
					d.ID, d.Name, d.Category, d.UsageCount, d.SuccessCount, d.FailureCount, d.IsActive)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include disabled agents")
	return cmd
}

func newAgentShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name|id>",
		Short: "Show one agent definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := agents.NewRegistry(a.db).Resolve(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("agent %s (#%d)\n", def.Name, def.ID)
			if def.DisplayName != "" {
				fmt.Printf("  display:  %s\n", def.DisplayName)
			}
			if def.Description != "" {
				fmt.Printf("  about:    %s\n", def.Description)
			}
			if def.Category != "" {
				fmt.Printf("  category: %s\n", def.Category)
			}
			fmt.Printf("  timeout:  %ds\n", def.TimeoutSeconds)
			if len(def.AllowedTools) > 0 {
				fmt.Printf("  tools:    %v\n", def.AllowedTools)
			}
			fmt.Printf("  usage:    %d runs, %d ok, %d failed\n",
				def.UsageCount, def.SuccessCount, def.FailureCount)
			if def.LastUsedAt != nil {
				fmt.Printf("  last run: %s\n", def.LastUsedAt.Format(time.RFC3339))
			}
			fmt.Println("---")
			if def.SystemPrompt != "" {
				fmt.Println(def.SystemPrompt)
				fmt.Println("---")
			}
			fmt.Println(def.UserPromptTemplate)
			return nil
		},
	}
}

func newAgentImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.json>",
		Short: "Import an agent definition from JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			id, err := agents.NewRegistry(a.db).Import(raw)
			if err != nil {
				return err
			}
			fmt.Printf("imported agent #%d\n", id)
			return nil
		},
	}
}

func newAgentExportCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <name|id>",
		Short: "Export an agent definition as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := agents.NewRegistry(a.db).Export(args[0])
			if err != nil {
				return err
			}
			if out == "" {
				os.Stdout.Write(b)
				return nil
			}
			return os.WriteFile(out, b, 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newAgentEnableCmd(a *app, enable bool) *cobra.Command {
	use, short := "disable <name|id>", "Hide an agent from lookup"
	if enable {
		use, short = "enable <name|id>", "Restore a disabled agent"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := a.db.GetAgent(mustID(args[0]))
			if err != nil {
				// Name lookup only finds active agents; fall back for enable.
				def, err = a.db.GetAgentByName(args[0])
				if err != nil {
					return err
				}
			}
			if err := a.db.SetAgentActive(def.ID, enable); err != nil {
				return err
			}
			fmt.Printf("agent %s is now active=%t\n", def.Name, enable)
			return nil
		},
	}
}

func mustID(raw string) int64 {
	id, err := parseID(raw)
	if err != nil {
		return -1
	}
	return id
}
