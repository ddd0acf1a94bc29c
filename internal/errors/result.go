package errors

// Result is the structured outcome returned across the outer API boundary
// instead of an error, so tool-facing callers always get a value.
type Result struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Code    Code           `json:"code,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ResultOf builds a Result from an operation's return values.
func ResultOf(data any, err error, ctx map[string]any) Result {
	if err == nil {
		return Result{Success: true, Data: data, Context: ctx}
	}
	r := Result{
		Success: false,
		Error:   err.Error(),
		Code:    CodeOf(err),
		Context: ctx,
	}
	if se := AsStoreError(err); se != nil && se.Path != "" {
		if r.Context == nil {
			r.Context = make(map[string]any, 1)
		}
		r.Context["path"] = se.Path
	}
	return r
}
