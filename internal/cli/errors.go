package cli

import "strings"

// PreflightError is a user-facing failure with a hint and a next step.
type PreflightError struct {
	Message  string
	Hint     string
	NextStep string
	Err      error
}

func (e *PreflightError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Hint != "" {
		b.WriteString("\n  hint: ")
		b.WriteString(e.Hint)
	}
	if e.NextStep != "" {
		b.WriteString("\n  next: ")
		b.WriteString(e.NextStep)
	}
	return b.String()
}

func (e *PreflightError) Unwrap() error {
	return e.Err
}
