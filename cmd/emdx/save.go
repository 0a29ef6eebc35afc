package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// newSaveCmd is the counterpart of the output instruction appended to
// prompts: agents save their result through it and report the printed id,
// which the log parser recovers afterwards.
func newSaveCmd(a *app) *cobra.Command {
	var (
		title     string
		project   string
		tags      []string
		group     string
		groupRole string
		parent    int64
	)
	cmd := &cobra.Command{
		Use:   "save [content|-]",
		Short: "Save a document and print its id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(args)
			if err != nil {
				return err
			}
			if strings.TrimSpace(content) == "" {
				return &usageError{fmt.Errorf("content is empty")}
			}
			if strings.TrimSpace(title) == "" {
				return &usageError{fmt.Errorf("--title is required")}
			}
			body := content
			if len(tags) > 0 || group != "" {
				// Tags and grouping travel in a trailing metadata line; the
				// store keeps documents as plain markdown.
				var meta []string
				if len(tags) > 0 {
					meta = append(meta, "tags: "+strings.Join(tags, ", "))
				}
				if group != "" {
					meta = append(meta, "group: "+group)
					if groupRole != "" {
						meta = append(meta, "role: "+groupRole)
					}
				}
				body = strings.TrimRight(body, "\n") + "\n\n<!-- " + strings.Join(meta, "; ") + " -->\n"
			}
			var projectPtr *string
			if strings.TrimSpace(project) != "" {
				projectPtr = &project
			}
			var parentPtr *int64
			if parent > 0 {
				parentPtr = &parent
			}
			id, err := a.db.CreateDocument(title, body, projectPtr, parentPtr, "")
			if err != nil {
				return err
			}
			fmt.Printf("Saved as #%d\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "document title")
	cmd.Flags().StringVar(&project, "project", "", "project label")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "tags recorded with the document")
	cmd.Flags().StringVar(&group, "group", "", "group label")
	cmd.Flags().StringVar(&groupRole, "group-role", "", "role within the group")
	cmd.Flags().Int64Var(&parent, "parent", 0, "parent document id")
	return cmd
}
