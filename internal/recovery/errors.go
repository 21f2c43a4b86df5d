package recovery

import (
	"errors"
	"fmt"
	"strings"
)

// Error categories surfaced by the job pipeline. Components wrap these with
// context; callers classify with errors.Is.
var (
	ErrBadRequest    = errors.New("bad request")
	ErrPathTraversal = errors.New("path traversal detected")
	ErrInvalidInput  = errors.New("invalid input")
	ErrRecovery      = errors.New("recovery failed")
	ErrNoOutput      = errors.New("no recovered files were produced")
	ErrArchive       = errors.New("archive failed")
	ErrWorkspace     = errors.New("workspace error")
)

// ToolError describes a failed invocation of the external repair tool.
type ToolError struct {
	// File is the staged file being recovered; empty in batch mode.
	File     string
	ExitCode int
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	b.WriteString("recovery tool failed")
	if e.File != "" {
		b.WriteString(" for ")
		b.WriteString(e.File)
	}
	switch {
	case e.TimedOut:
		b.WriteString(" (timed out)")
	case e.ExitCode != 0:
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	if detail == "" {
		detail = "Unknown error"
	}
	b.WriteString(": ")
	b.WriteString(detail)
	return b.String()
}

// Unwrap exposes both the recovery category and the underlying cause.
func (e *ToolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRecovery}
	}
	return []error{ErrRecovery, e.Err}
}

// IsClientError reports whether err is caused by the caller's input rather
// than by the service or the repair tool.
func IsClientError(err error) bool {
	return errors.Is(err, ErrBadRequest) ||
		errors.Is(err, ErrPathTraversal) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrNoOutput)
}
