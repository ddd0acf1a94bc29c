package cli

import (
	"io"
	"os"

	json "github.com/goccy/go-json"
	"github.com/mattn/go-isatty"
)

// wantJSON reports whether output should be JSON: when requested, or when
// stdout is not a terminal.
func (a *app) wantJSON() bool {
	if a.jsonOut {
		return true
	}
	f, ok := a.out.(*os.File)
	if !ok {
		return false
	}
	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
