package cli

import (
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	verrors "github.com/randalmurphal/taskvault/internal/errors"
	"github.com/randalmurphal/taskvault/internal/project"
	"github.com/randalmurphal/taskvault/internal/store"
)

func docFor(projectID, pathName, filename string) store.Doc {
	if pathName == "" {
		return store.ProjectDoc(projectID, filename)
	}
	return store.PathDoc(projectID, pathName, filename)
}

func docFields(d store.Doc) map[string]any {
	fields := map[string]any{"project_id": d.ProjectID, "filename": d.Filename}
	if d.PathName != "" {
		fields["path_name"] = d.PathName
	}
	return fields
}

// newGetCmd creates the get command
func newGetCmd(a *app) *cobra.Command {
	var pathName string
	cmd := &cobra.Command{
		Use:   "get <project-id> <file>",
		Short: "Print a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := docFor(args[0], pathName, args[1])
			return a.withStore(cmd.Context(), func(st *store.Store, _ *project.Service) error {
				data, err := st.Load(cmd.Context(), d)
				if err == nil && data == nil {
					err = verrors.ErrDocumentNotFound(d.String())
				}
				return a.emit(st, "get", json.RawMessage(data), err, docFields(d), func(w io.Writer) error {
					return writeJSON(w, json.RawMessage(data))
				})
			})
		},
	}
	cmd.Flags().StringVar(&pathName, "path", "", "path name within the project")
	return cmd
}

// newPutCmd creates the put command
func newPutCmd(a *app) *cobra.Command {
	var pathName, from string
	cmd := &cobra.Command{
		Use:   "put <project-id> <file>",
		Short: "Write a document from a file or stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), from)
			if err != nil {
				return err
			}
			d := docFor(args[0], pathName, args[1])
			return a.withStore(cmd.Context(), func(st *store.Store, _ *project.Service) error {
				err := st.Save(cmd.Context(), d, json.RawMessage(data), nil)
				return a.emit(st, "put", d, err, docFields(d), func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Wrote %s\n", d)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&pathName, "path", "", "path name within the project")
	cmd.Flags().StringVarP(&from, "file", "f", "", "read the document from this file instead of stdin")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
