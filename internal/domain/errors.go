// Package domain defines the core types, ports, and error taxonomy shared by
// every dispatch-loop component.
package domain

import "errors"

// Error taxonomy (sentinels). Components wrap these with fmt.Errorf("op=...: %w", err)
// so callers can still errors.Is against the sentinel.
var (
	// ErrCapacityExhausted means the requested model is at its concurrency cap.
	// Loop-local: never surfaced to an end user, drives backpressure only.
	ErrCapacityExhausted = errors.New("capacity exhausted")

	// ErrDepthExceeded means a subagent registration would exceed the configured
	// max subagent depth.
	ErrDepthExceeded = errors.New("subagent depth exceeded")

	// ErrParentNotFound means a subagent registration named a parent session
	// that the tracker has no record of.
	ErrParentNotFound = errors.New("parent session not found")

	// ErrCLINotFound means the agent binary could not be located (ENOENT or
	// "not found" on stderr).
	ErrCLINotFound = errors.New("agent CLI not found")

	// ErrAuthNeeded means the agent CLI reported an authentication/login failure.
	ErrAuthNeeded = errors.New("agent CLI authentication required")

	// ErrResumeFailed means a --resume attempt was rejected by the agent CLI.
	ErrResumeFailed = errors.New("agent CLI resume failed")

	// ErrTimeout means the agent process was killed after exceeding its
	// configured run timeout.
	ErrTimeout = errors.New("agent CLI timed out")

	// ErrUnknownCLIFailure is the fallback classification for a non-zero exit
	// that matches none of the more specific kinds.
	ErrUnknownCLIFailure = errors.New("agent CLI failed")

	// ErrCircuitOpen means the circuit breaker denied the operation. Not a
	// user-visible error: the dispatch loop just skips admission.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrSpendLimitExceeded (soft or hard) is attached to alert payloads; hard
	// crossings also drive a stop+cancel sequence in the dispatch loop.
	ErrSpendLimitExceeded = errors.New("spend limit exceeded")

	// ErrSessionNotFound means the caller referenced a session id the manager
	// has no live record for.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotSupported marks an operation the CLI Adapter deliberately does not
	// implement (e.g. injecting further messages mid-run).
	ErrNotSupported = errors.New("not supported")

	// ErrAlreadyFinalized names a repeat finalize attempt on the same session.
	// The session manager's finalize is idempotent and never returns it: a
	// repeat attempt is a silent no-op.
	ErrAlreadyFinalized = errors.New("session already finalized")

	// ErrProjectPaused means the task's project is paused; no new session may
	// be started for it.
	ErrProjectPaused = errors.New("project paused")

	// ErrDegraded means the DB Health Monitor currently reports degraded mode;
	// new launches are suspended.
	ErrDegraded = errors.New("database degraded")

	// ErrInvalidArgument flags a caller-supplied value that violates a domain
	// invariant (e.g. maxDepth < 1, a negative capacity limit).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound means a lookup against a read port (TaskSource,
	// ProjectSource) found no matching record.
	ErrNotFound = errors.New("not found")
)
