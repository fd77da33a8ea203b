// Package supervisor implements tino's process-1 supervision: spawning the
// user command, forwarding signals, reaping descendants, and translating
// the main child's termination into tino's own exit status.
package supervisor

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config is tino's immutable configuration, built once by the CLI layer and
// consumed by the platform-specific Run implementation.
type Config struct {
	// Subreaper requests that the supervisor claim orphaned descendants via
	// PR_SET_CHILD_SUBREAPER.
	Subreaper bool
	// PDeath, if non-empty, names the signal delivered to the supervisor if
	// its own parent dies (PR_SET_PDEATHSIG).
	PDeath string
	// WarnOnReap elevates secondary-reap log lines from debug to warn.
	WarnOnReap bool
	// PgroupKill treats the child's process group as the shutdown target
	// instead of just the child itself.
	PgroupKill bool
	// RemapExit is the set of 8-bit exit codes that must be reported as 0.
	RemapExit map[uint8]struct{}
	// GraceMillis is the non-negative delay between a graceful group
	// shutdown request and escalation to the forced-kill signal.
	GraceMillis int64
	// Cmd is the non-empty argv of the user command.
	Cmd []string
	// Log receives tino's own diagnostics. Never read for its level by
	// anything other than the CLI layer that constructed it.
	Log *logrus.Logger
}

// GraceDuration returns GraceMillis as a time.Duration.
func (c *Config) GraceDuration() time.Duration {
	return time.Duration(c.GraceMillis) * time.Millisecond
}

// state is the supervisor loop's mutable bookkeeping. It is scoped to a
// single Run invocation; nothing outside the loop observes it.
type state struct {
	// mainExit is set exactly once, on the first observed termination of
	// the main child.
	mainExit *int
	// shutdownDeadline, once armed, is never moved later within the same
	// shutdown sequence.
	shutdownDeadline *time.Time
	// sigkillSent ensures the forced-kill escalation is issued at most
	// once.
	sigkillSent bool
	// usePgroup reflects whether group-wide kill survived the best-effort
	// process-group setup.
	usePgroup bool
}

func (s *state) armShutdownDeadline(grace time.Duration) {
	if s.shutdownDeadline != nil {
		return
	}
	deadline := time.Now().Add(grace)
	s.shutdownDeadline = &deadline
}
