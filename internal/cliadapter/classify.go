package cliadapter

import (
	"errors"
	"os/exec"
	"regexp"
	"strings"

	"github.com/trafficcontrol/trafficcontrol/internal/domain"
)

var authPattern = regexp.MustCompile(`(?i)authentication|login`)

// classifyError maps a terminated process's exit error and captured stderr
// to one of the adapter's distinct error kinds. Classification order is
// exact: CLI_NOT_FOUND, AUTH_NEEDED, RESUME_FAILED, TIMEOUT, UNKNOWN.
func classifyError(exitErr error, stderr string, timedOut bool) error {
	lower := strings.ToLower(stderr)

	switch {
	case isNotFound(exitErr, lower):
		return domain.ErrCLINotFound
	case authPattern.MatchString(stderr):
		return domain.ErrAuthNeeded
	case strings.Contains(lower, "session") && strings.Contains(lower, "invalid"):
		return domain.ErrResumeFailed
	case timedOut:
		return domain.ErrTimeout
	default:
		return domain.ErrUnknownCLIFailure
	}
}

func isNotFound(exitErr error, lowerStderr string) bool {
	if errors.Is(exitErr, exec.ErrNotFound) {
		return true
	}
	var pathErr *exec.Error
	if errors.As(exitErr, &pathErr) {
		return true
	}
	return strings.Contains(lowerStderr, "not found")
}
