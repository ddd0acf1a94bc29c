package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/taskvault/internal/project"
	"github.com/randalmurphal/taskvault/internal/store"
)

// newArchiveCmd creates the archive command
func newArchiveCmd(a *app) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "archive <project-id>",
		Short: "Snapshot a project's documents to a tar.zst archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			fields := map[string]any{"project_id": id}
			return a.withStore(cmd.Context(), func(st *store.Store, svc *project.Service) error {
				if list {
					recs, err := svc.Archives(cmd.Context(), id)
					return a.emit(st, "archive.list", recs, err, fields, func(w io.Writer) error {
						for _, r := range recs {
							if _, err := fmt.Fprintf(w, "%s  %d files  %d bytes  blake2b:%s\n",
								r.Archive, len(r.Files), r.Size, r.Digest[:16]); err != nil {
								return err
							}
						}
						return nil
					})
				}
				rec, err := svc.Archive(cmd.Context(), id)
				return a.emit(st, "archive", rec, err, fields, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Archived %d documents to %s\n", len(rec.Files), rec.Archive)
					return err
				})
			})
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list existing archives")
	return cmd
}

// newSyncCmd creates the sync command
func newSyncCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sync <project-id>",
		Short: "Refresh state.json and warm the cache through the task queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			fields := map[string]any{"project_id": id}
			return a.withStore(cmd.Context(), func(st *store.Store, svc *project.Service) error {
				for _, kind := range []string{project.TaskSyncState, project.TaskWarmCache} {
					if _, err := svc.Enqueue(kind, id, 5); err != nil {
						return a.emit(st, "sync", nil, err, fields, nil)
					}
				}
				err := waitForQueue(cmd.Context(), st, timeout)
				status := st.Status().Queue
				return a.emit(st, "sync", status, err, fields, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Sync finished: %d processed, %d failed\n", status.Processed, status.Failed)
					return err
				})
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the tasks")
	return cmd
}

// waitForQueue polls until nothing is queued or running.
func waitForQueue(ctx context.Context, st *store.Store, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		q := st.Status().Queue
		if q.Size == 0 && q.InFlight == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for background tasks: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
