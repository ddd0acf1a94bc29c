package cli

import (
	"fmt"
	"io"

	verrors "github.com/randalmurphal/taskvault/internal/errors"
)

// PrintError prints an error with appropriate formatting. Structured
// store errors use their user-facing message.
func PrintError(w io.Writer, err error, verbose bool) {
	if se := verrors.AsStoreError(err); se != nil {
		fmt.Fprintln(w, se.UserMessage())
		if verbose {
			fmt.Fprintf(w, "\nCode: %s\n", se.Code)
			if se.Cause != nil {
				fmt.Fprintf(w, "Cause: %v\n", se.Cause)
			}
		}
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}
