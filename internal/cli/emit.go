package cli

import (
	"io"

	"github.com/randalmurphal/taskvault/internal/store"
)

// emit reports an operation outcome. In JSON mode the structured result
// is written to stdout whether or not the operation failed; otherwise text
// renders the success case. Failures are always appended to the error log.
func (a *app) emit(st *store.Store, op string, data any, err error, fields map[string]any, text func(io.Writer) error) error {
	if a.wantJSON() {
		if werr := writeJSON(a.out, st.Result(op, data, err, fields)); werr != nil {
			return werr
		}
		return err
	}
	if err != nil {
		st.LogError(op, err, fields)
		return err
	}
	return text(a.out)
}
