//go:build linux

package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/talismancer/tino/internal/sigcat"
)

// prSetChildSubreaper is PR_SET_CHILD_SUBREAPER. Not every golang.org/x/sys
// release exports it as a named constant, so it is pinned here the way
// tether_linux.go and slinit's pid1.go pin it against their own libc
// bindings.
const prSetChildSubreaper = 0x24

// Run spawns cfg.Cmd as tino's supervised child and returns once the main
// child has terminated and the post-loop shutdown of remaining descendants
// has finished. Each wait in that shutdown is bounded by GraceMillis;
// descendants still alive when it ends are not waited for further. It runs
// pre-exec configuration, spawns the child, drives the supervisor loop,
// and computes the returned exit code once it finishes.
func Run(cfg *Config) (int, error) {
	log := cfg.Log

	if err := configurePrctl(cfg); err != nil {
		return 1, err
	}
	if err := startSession(); err != nil {
		return 1, err
	}

	sigCh, stopSignals := setupSignalDelivery()
	defer stopSignals()

	cmd, err := prepareCommand(cfg.Cmd)
	if err != nil {
		return 1, err
	}
	if err := cmd.Start(); err != nil {
		reportExecFailure(cfg.Cmd[0], err)
		panic("unreachable: reportExecFailure always exits the process")
	}
	childPid := cmd.Process.Pid
	log.Debugf("spawned child PID %d", childPid)

	st := &state{usePgroup: manageProcessGroup(cfg.PgroupKill, childPid, log)}

	if err := superviseLoop(cfg, st, sigCh, childPid); err != nil {
		return 1, err
	}

	finalExit := FinalExitCode(st.mainExit, cfg.RemapExit)
	shutdownDescendants(cfg, st, childPid)
	log.Infof("exiting with %d", finalExit)
	return finalExit, nil
}

// configurePrctl sets the parent-death signal (fatal on any failure) and,
// if requested, the child-subreaper flag (warn and continue on EPERM,
// fatal on any other failure).
func configurePrctl(cfg *Config) error {
	if cfg.PDeath != "" {
		sig, ok := sigcat.Value(cfg.PDeath)
		if !ok {
			return fmt.Errorf("invalid signal %q; supported values align with `tino --help`", cfg.PDeath)
		}
		if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(sig), 0, 0, 0); err != nil {
			return fmt.Errorf("prctl PR_SET_PDEATHSIG: %w", err)
		}
	}
	if cfg.Subreaper {
		if err := unix.Prctl(prSetChildSubreaper, 1, 0, 0, 0); err != nil {
			if err == unix.EPERM {
				cfg.Log.Warnf("subreaper capability rejected (%v); continuing without subreaper", err)
			} else {
				return fmt.Errorf("prctl PR_SET_CHILD_SUBREAPER: %w", err)
			}
		}
	}
	return nil
}

// startSession claims a new session via setsid, tolerating EPERM (tino is
// already a session leader when it is itself exec'd as a container's
// entrypoint).
func startSession() error {
	if _, err := unix.Setsid(); err != nil && err != unix.EPERM {
		return fmt.Errorf("setsid: %w", err)
	}
	return nil
}

// setupSignalDelivery registers the trap set (the forwarded signals plus
// SIGCHLD) with os/signal, Go's channel-based substitute for a POSIX
// signal fd: the runtime installs handlers for the set, so their default
// actions no longer apply, and relays each delivery on ch.
func setupSignalDelivery() (chan os.Signal, func()) {
	trapSet := make([]os.Signal, 0, len(sigcat.Forwarded)+1)
	for _, name := range sigcat.Forwarded {
		sig, _ := sigcat.Value(name)
		trapSet = append(trapSet, syscall.Signal(sig))
	}
	trapSet = append(trapSet, syscall.SIGCHLD)

	ch := make(chan os.Signal, 64)
	signal.Notify(ch, trapSet...)
	return ch, func() { signal.Stop(ch) }
}

// prepareCommand validates argv and builds the child command: any
// argument containing an embedded NUL is rejected before the child is
// spawned.
func prepareCommand(argv []string) (*exec.Cmd, error) {
	for _, a := range argv {
		if strings.ContainsRune(a, 0) {
			return nil, errors.New("command argument contains embedded NUL byte")
		}
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Setpgid:true is the async-signal-safe equivalent of a manual
	// setpgid(0,0) in a forked child: the Go runtime performs it between
	// fork and exec using the same restricted, allocation-free path a hand
	// written child branch would use.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}

// reportExecFailure reports an exec failure the way a forked child would
// report it to stderr before _exit(127). Go's os/exec cannot literally run
// this write from inside the forked child (exec failures are reported back
// to the parent over an internal pipe before the child ever diverges from
// the parent's memory image), so tino's parent process emits the exact
// message and exit code on the child's behalf; the externally observable
// contract (message text, exit 127) is preserved even though the write
// does not originate in the post-fork child itself.
func reportExecFailure(program string, err error) {
	fmt.Fprintf(os.Stderr, "tino: execvp failed for %s (errno %d)\n", program, execErrno(err))
	os.Exit(127)
}

func execErrno(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return int(unix.ENOENT)
	}
	return 0
}

// manageProcessGroup best-effort ensures the child leads its own process
// group when group-kill is requested, downgrading cleanly if denied.
func manageProcessGroup(requested bool, childPid int, log *logrus.Logger) bool {
	if !requested {
		return false
	}
	switch err := unix.Setpgid(childPid, childPid); {
	case err == nil:
		return true
	case err == unix.EACCES:
		if pgid, gerr := unix.Getpgid(childPid); gerr == nil && pgid == childPid {
			return true
		}
		log.Warnf("cannot manage process group (disabling --pgroup-kill): %v", err)
		return false
	case err == unix.ESRCH:
		return false
	default:
		log.Warnf("cannot manage process group (disabling --pgroup-kill): %v", err)
		return false
	}
}

// superviseLoop runs the poll-read-reap-forward-escalate cycle. It
// returns once the main child's termination has been recorded.
func superviseLoop(cfg *Config, st *state, sigCh chan os.Signal, childPid int) error {
	for {
		timerCh, cancel := pollTimeout(st)
		select {
		case sig, ok := <-sigCh:
			cancel()
			if !ok {
				return errors.New("signal channel closed unexpectedly")
			}
			if err := handleSignal(sig, cfg, st, childPid); err != nil {
				return err
			}
			if err := drainPending(sigCh, cfg, st, childPid); err != nil {
				return err
			}
		case <-timerCh:
		}
		cancel()
		maybeEscalate(cfg, st, childPid)
		if st.mainExit != nil {
			break
		}
	}
	return nil
}

// pollTimeout computes the select-timeout channel for the current loop
// iteration. A nil channel blocks forever, matching an infinite poll
// timeout.
func pollTimeout(st *state) (<-chan time.Time, func()) {
	if st.shutdownDeadline == nil || st.sigkillSent || st.mainExit != nil {
		return nil, func() {}
	}
	remaining := time.Until(*st.shutdownDeadline)
	if remaining < 0 {
		remaining = 0
	}
	t := time.NewTimer(remaining)
	return t.C, func() { t.Stop() }
}

// drainPending reads every signal already queued on ch without blocking,
// draining every signal already queued without blocking.
func drainPending(sigCh chan os.Signal, cfg *Config, st *state, childPid int) error {
	for {
		select {
		case sig := <-sigCh:
			if err := handleSignal(sig, cfg, st, childPid); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// handleSignal dispatches one drained signal: SIGCHLD triggers the
// reaper, anything else is forwarded and may arm the shutdown deadline.
func handleSignal(sig os.Signal, cfg *Config, st *state, childPid int) error {
	unixSig, ok := sig.(syscall.Signal)
	if !ok {
		return nil
	}
	s := unix.Signal(unixSig)
	if s == unix.SIGCHLD {
		return reapChildren(cfg, st, childPid)
	}
	if sigcat.Name(s) == "" {
		cfg.Log.Warnf("ignoring unknown signal number %d", int(s))
		return nil
	}
	if s == unix.SIGWINCH {
		logTerminalSize(cfg.Log)
	}
	forwardSignal(st.usePgroup, childPid, s, cfg.Log)
	if cfg.PgroupKill && sigcat.IsTerminationIntent(s) && st.mainExit == nil && !st.sigkillSent {
		st.armShutdownDeadline(cfg.GraceDuration())
	}
	return nil
}

// logTerminalSize logs the supervisor's current terminal dimensions at
// Debug when forwarding SIGWINCH. Purely a diagnostic breadcrumb: a
// non-terminal stdout (the common case under a container runtime) or a
// failed ioctl is swallowed rather than surfaced as an error.
func logTerminalSize(log *logrus.Logger) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		log.Debugf("SIGWINCH received but terminal size query failed: %v", err)
		return
	}
	log.Debugf("terminal resized to %dx%d", cols, rows)
}

// maybeEscalate sends the forced-kill signal once the shutdown deadline
// has elapsed and the main child has not yet exited.
func maybeEscalate(cfg *Config, st *state, childPid int) {
	if st.shutdownDeadline == nil || st.sigkillSent || st.mainExit != nil {
		return
	}
	if time.Now().Before(*st.shutdownDeadline) {
		return
	}
	forwardSignal(st.usePgroup, childPid, unix.SIGKILL, cfg.Log)
	st.sigkillSent = true
}

// reapChildren drains every terminated descendant via non-blocking
// waitpid, recording the main child's exit exactly once.
func reapChildren(cfg *Config, st *state, childPid int) error {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err == unix.ECHILD {
			return nil
		}
		if err != nil {
			return fmt.Errorf("waitpid: %w", err)
		}
		if pid <= 0 {
			return nil // StillAlive: no further state changes pending.
		}
		switch {
		case ws.Exited():
			recordTermination(cfg, st, childPid, pid, ws.ExitStatus())
		case ws.Signaled():
			recordTermination(cfg, st, childPid, pid, 128+int(ws.Signal()))
		default:
			// Stopped or continued: not a termination; log it at the
			// secondary-reap level and stop draining this round.
			if cfg.WarnOnReap {
				cfg.Log.Warnf("PID %d stopped or continued", pid)
			} else {
				cfg.Log.Debugf("PID %d stopped or continued", pid)
			}
			return nil
		}
	}
}

func recordTermination(cfg *Config, st *state, childPid, pid, code int) {
	if pid == childPid {
		if st.mainExit == nil {
			c := code
			st.mainExit = &c
		}
		return
	}
	if cfg.WarnOnReap {
		cfg.Log.Warnf("reaped secondary PID %d", pid)
	} else {
		cfg.Log.Debugf("reaped secondary PID %d", pid)
	}
}

// forwardSignal sends sig to the child or the child's process group
// depending on usePgroup.
func forwardSignal(usePgroup bool, childPid int, sig unix.Signal, log *logrus.Logger) {
	var err error
	if usePgroup {
		err = unix.Kill(-childPid, sig)
	} else {
		err = unix.Kill(childPid, sig)
	}
	if err != nil && err != unix.ESRCH {
		log.Warnf("forward %s failed: %v", sigcat.Name(sig), err)
	}
}

// shutdownDescendants runs the post-loop, two-phase group shutdown (or a
// best-effort drain when group-kill was never active).
func shutdownDescendants(cfg *Config, st *state, childPid int) {
	if st.usePgroup {
		cfg.Log.Infof("sending SIGTERM to process group of PID %d", childPid)
		forwardSignal(true, childPid, unix.SIGTERM, cfg.Log)
		if !waitForChildren(cfg.GraceMillis, cfg.WarnOnReap, cfg.Log) {
			cfg.Log.Infof("still alive after %d ms; sending SIGKILL", cfg.GraceMillis)
			forwardSignal(true, childPid, unix.SIGKILL, cfg.Log)
			if !waitForChildren(cfg.GraceMillis, cfg.WarnOnReap, cfg.Log) {
				cfg.Log.Warnf("child processes still alive after SIGKILL wait of %d ms", cfg.GraceMillis)
			}
		}
		return
	}
	waitForChildren(cfg.GraceMillis, cfg.WarnOnReap, cfg.Log)
}

// waitForChildren polls non-blocking waitpid for up to graceMillis,
// reaping whatever it can, and reports whether every descendant was
// reaped ("no children" was observed) before the deadline.
func waitForChildren(graceMillis int64, warnOnReap bool, log *logrus.Logger) bool {
	deadline := time.Now().Add(time.Duration(graceMillis) * time.Millisecond)
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.ECHILD:
			return true
		case err != nil:
			return false
		}
		if pid > 0 {
			if warnOnReap {
				log.Warnf("reaped secondary PID %d", pid)
			} else {
				log.Debugf("reaped secondary PID %d", pid)
			}
			continue
		}
		if !time.Now().Before(deadline) {
			return false
		}
		sleep := 10 * time.Millisecond
		if remaining := time.Until(deadline); remaining < sleep {
			sleep = remaining
		}
		if sleep > 0 {
			time.Sleep(sleep)
		}
	}
}
