package provision

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks a bad request; nothing was created.
	ErrValidation = errors.New("invalid scenario request")
	// ErrProvisioning marks a failed or timed out provisioning run.
	ErrProvisioning = errors.New("provisioning failed")
)

// CommandError describes a failed external command.
type CommandError struct {
	Command  []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s failed", strings.Join(e.Command, " "))
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLines(s, 5)
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// lastLines keeps the tail of noisy tool output.
func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
