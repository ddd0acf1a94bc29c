package cli

import (
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/taskvault/internal/project"
	"github.com/randalmurphal/taskvault/internal/store"
	"github.com/randalmurphal/taskvault/internal/tasktree"
)

// newTasksCmd creates the tasks command
func newTasksCmd(a *app) *cobra.Command {
	var setFrom string
	cmd := &cobra.Command{
		Use:   "tasks <project-id>",
		Short: "Show or replace a project's task tree",
		Long: `Show a project's task tree, or replace it with --set.

Trees whose parent or dependency links form a cycle are rejected.

Examples:
  taskvault tasks my-project-1a2b3c4d
  taskvault tasks my-project-1a2b3c4d --set tree.json
  cat tree.json | taskvault tasks my-project-1a2b3c4d --set -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			fields := map[string]any{"project_id": id}

			if setFrom == "" {
				return a.withStore(cmd.Context(), func(st *store.Store, svc *project.Service) error {
					tree, err := svc.TaskTree(cmd.Context(), id)
					return a.emit(st, "tasks", tree, err, fields, func(w io.Writer) error {
						return printTree(w, tree)
					})
				})
			}

			src := setFrom
			if src == "-" {
				src = ""
			}
			data, err := readInput(cmd.InOrStdin(), src)
			if err != nil {
				return err
			}
			var tree tasktree.Tree
			if err := json.Unmarshal(data, &tree); err != nil {
				return fmt.Errorf("parse task tree: %w", err)
			}
			return a.withStore(cmd.Context(), func(st *store.Store, svc *project.Service) error {
				err := svc.UpdateTaskTree(cmd.Context(), id, &tree)
				return a.emit(st, "tasks.set", map[string]int{"tasks": len(tree.Tasks)}, err, fields, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Stored %d tasks\n", len(tree.Tasks))
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&setFrom, "set", "", "replace the tree from this JSON file ('-' for stdin)")
	return cmd
}

// printTree prints roots first, children indented beneath their parent.
func printTree(w io.Writer, tree *tasktree.Tree) error {
	if len(tree.Tasks) == 0 {
		_, err := fmt.Fprintln(w, "No tasks.")
		return err
	}
	var walk func(parent string, depth int) error
	walk = func(parent string, depth int) error {
		for _, n := range tree.Children(parent) {
			status := n.Status
			if status == "" {
				status = tasktree.StatusPending
			}
			if _, err := fmt.Fprintf(w, "%*s- [%s] %s (%s)\n", depth*2, "", status, n.Title, n.ID); err != nil {
				return err
			}
			if err := walk(n.ID, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return walk("", 0)
}
