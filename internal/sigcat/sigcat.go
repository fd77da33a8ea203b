// Package sigcat holds the fixed catalog of signals tino knows how to name,
// forward, and trap. It has no platform-specific behavior and is shared by
// every build.
package sigcat

import (
	"strings"

	"golang.org/x/sys/unix"
)

// entries is the fixed 19-signal table. Names are canonical (no "SIG"
// prefix, upper case).
var entries = []struct {
	name string
	sig  unix.Signal
}{
	{"HUP", unix.SIGHUP},
	{"INT", unix.SIGINT},
	{"QUIT", unix.SIGQUIT},
	{"ILL", unix.SIGILL},
	{"TRAP", unix.SIGTRAP},
	{"ABRT", unix.SIGABRT},
	{"BUS", unix.SIGBUS},
	{"FPE", unix.SIGFPE},
	{"KILL", unix.SIGKILL},
	{"USR1", unix.SIGUSR1},
	{"SEGV", unix.SIGSEGV},
	{"USR2", unix.SIGUSR2},
	{"PIPE", unix.SIGPIPE},
	{"ALRM", unix.SIGALRM},
	{"TERM", unix.SIGTERM},
	{"CONT", unix.SIGCONT},
	{"WINCH", unix.SIGWINCH},
	{"TTIN", unix.SIGTTIN},
	{"TTOU", unix.SIGTTOU},
}

// Forwarded is the fixed 10-signal subset tino relays to the child. The
// child-termination signal (SIGCHLD) is trapped separately and never
// forwarded.
var Forwarded = []string{
	"HUP", "INT", "QUIT", "TERM", "USR1", "USR2", "WINCH", "CONT", "TTIN", "TTOU",
}

// Canonical strips an optional "SIG" prefix, trims whitespace, and
// upper-cases name, returning the canonical token and true if name is
// recognized.
func Canonical(name string) (string, bool) {
	up := strings.ToUpper(strings.TrimSpace(name))
	up = strings.TrimPrefix(up, "SIG")
	for _, e := range entries {
		if e.name == up {
			return e.name, true
		}
	}
	return "", false
}

// Value returns the unix.Signal for name (tolerant of a "SIG" prefix, case,
// and surrounding whitespace) and true if name is recognized.
func Value(name string) (unix.Signal, bool) {
	canon, ok := Canonical(name)
	if !ok {
		return 0, false
	}
	for _, e := range entries {
		if e.name == canon {
			return e.sig, true
		}
	}
	return 0, false
}

// Name returns the canonical token for a known unix.Signal, or "" if sig is
// not in the catalog.
func Name(sig unix.Signal) string {
	for _, e := range entries {
		if e.sig == sig {
			return e.name
		}
	}
	return ""
}

// IsTerminationIntent reports whether sig is one of the three signals that
// indicate the caller wants the supervised tree shut down (terminate,
// interrupt, quit).
func IsTerminationIntent(sig unix.Signal) bool {
	return sig == unix.SIGTERM || sig == unix.SIGINT || sig == unix.SIGQUIT
}

// Names returns the catalog's canonical tokens in table order, for use in
// usage/error text that lists every signal name tino accepts.
func Names() []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names
}
