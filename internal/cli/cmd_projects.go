package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/taskvault/internal/project"
	"github.com/randalmurphal/taskvault/internal/store"
)

// newInitCmd creates the init command
func newInitCmd(a *app) *cobra.Command {
	var goal string
	cmd := &cobra.Command{
		Use:   "init <name>",
		Short: "Create a project",
		Long: `Create a project and its initial documents (project, tasks, history)
in one transaction. The first project created becomes the active one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(st *store.Store, svc *project.Service) error {
				p, err := svc.CreateProject(cmd.Context(), args[0], goal)
				return a.emit(st, "init", p, err, map[string]any{"name": args[0]}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Created project %s (%s)\n", p.Name, p.ID)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "project goal")
	return cmd
}

// newProjectsCmd creates the projects command
func newProjectsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "projects",
		Aliases: []string{"ls"},
		Short:   "List projects",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(st *store.Store, svc *project.Service) error {
				reg, err := svc.Registry(cmd.Context())
				return a.emit(st, "projects", reg, err, nil, func(w io.Writer) error {
					if len(reg.Projects) == 0 {
						_, err := fmt.Fprintln(w, "No projects. Create one with 'taskvault init <name>'.")
						return err
					}
					for _, p := range reg.Projects {
						marker := " "
						if p.ID == reg.ActiveProjectID {
							marker = "*"
						}
						if _, err := fmt.Fprintf(w, "%s %-32s %s\n", marker, p.ID, p.Name); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}
}

// newUseCmd creates the use command
func newUseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "use <project-id>",
		Short: "Set the active project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(st *store.Store, svc *project.Service) error {
				err := svc.SetActiveProject(cmd.Context(), args[0])
				return a.emit(st, "use", map[string]string{"activeProjectId": args[0]}, err,
					map[string]any{"project_id": args[0]}, func(w io.Writer) error {
						_, err := fmt.Fprintf(w, "Active project: %s\n", args[0])
						return err
					})
			})
		},
	}
}

// newMigrateCmd creates the migrate command
func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Rewrite legacy documents in the canonical schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(st *store.Store, svc *project.Service) error {
				report, err := svc.MigrateAll(cmd.Context())
				return a.emit(st, "migrate", report, err, nil, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Checked %d projects, migrated %d\n", report.Projects, len(report.Migrated))
					return err
				})
			})
		},
	}
}
