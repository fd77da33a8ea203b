// Package cli is tino's entrypoint: flag parsing, environment-variable
// overrides, logging setup, and dispatch into the supervisor.
package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/talismancer/tino/internal/license"
	"github.com/talismancer/tino/internal/sigcat"
	"github.com/talismancer/tino/internal/supervisor"
)

// Options is the parsed, pre-env-override command line.
type Options struct {
	Subreaper   bool
	PDeath      string
	Verbosity   int
	WarnOnReap  bool
	PgroupKill  bool
	RemapExit   []uint8
	GraceMillis int64
	License     bool
	Cmd         []string
}

type byteSliceFlag struct {
	values *[]uint8
}

func (b *byteSliceFlag) String() string {
	if b.values == nil || len(*b.values) == 0 {
		return ""
	}
	parts := make([]string, len(*b.values))
	for i, v := range *b.values {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, ",")
}

func (b *byteSliceFlag) Set(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid exit code %q: must be an integer 0-255", s)
	}
	if n < 0 || n > 255 {
		return fmt.Errorf("invalid exit code %d: must be 0-255", n)
	}
	*b.values = append(*b.values, uint8(n))
	return nil
}

func (b *byteSliceFlag) Type() string { return "uint8" }

// ParseArgs builds tino's flag set and parses args (typically os.Args[1:])
// against it.
func ParseArgs(args []string) (*Options, error) {
	opts := &Options{}
	fs := flag.NewFlagSet("tino", flag.ContinueOnError)
	fs.SortFlags = false

	fs.BoolVarP(&opts.Subreaper, "subreaper", "s", false, "claim orphaned descendants via PR_SET_CHILD_SUBREAPER")
	fs.StringVarP(&opts.PDeath, "pdeath", "p", "", "signal delivered to tino if its parent dies")
	fs.CountVarP(&opts.Verbosity, "verbose", "v", "increase logging verbosity (repeatable, saturates at 3)")
	fs.BoolVarP(&opts.WarnOnReap, "warn-on-reap", "w", false, "elevate secondary-reap log lines to warnings")
	fs.BoolVarP(&opts.PgroupKill, "pgroup-kill", "g", false, "forward signals and shut down via the child's process group")
	fs.VarP(&byteSliceFlag{values: &opts.RemapExit}, "remap-exit", "e", "exit code to remap to 0 (repeatable, 0-255)")
	fs.Int64VarP(&opts.GraceMillis, "grace_ms", "t", 500, "milliseconds between graceful shutdown and forced kill")
	fs.BoolVarP(&opts.License, "license", "l", false, "print the embedded license text and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if opts.Verbosity > 3 {
		opts.Verbosity = 3
	}
	if opts.PDeath != "" {
		canon, ok := sigcat.Canonical(opts.PDeath)
		if !ok {
			return nil, fmt.Errorf("invalid signal %q for -p; valid names: %s", opts.PDeath, strings.Join(sigcat.Names(), " "))
		}
		opts.PDeath = "SIG" + canon
	}
	opts.Cmd = fs.Args()
	return opts, nil
}

// envOverrideLog collects env-resolution decisions so they can be emitted
// once logging has been initialized at the resolved verbosity.
type envOverrideLog struct {
	subreaperEnv   *bool
	pgroupEnv      *bool
	verbosityEnv   *int
	invalidFlags   []envInvalid
	verbosityError *envInvalid
}

type envInvalid struct {
	name  string
	value string
}

func (l *envOverrideLog) emit(log *logrus.Logger) {
	if l.subreaperEnv != nil {
		if *l.subreaperEnv {
			log.Debug("subreaper enabled via TINI_SUBREAPER")
		} else {
			log.Debug("subreaper disabled via TINI_SUBREAPER")
		}
	}
	if l.pgroupEnv != nil {
		if *l.pgroupEnv {
			log.Debug("process group kill enabled via TINI_KILL_PROCESS_GROUP")
		} else {
			log.Debug("process group kill disabled via TINI_KILL_PROCESS_GROUP")
		}
	}
	if l.verbosityEnv != nil {
		log.Debugf("verbosity %d sourced from TINI_VERBOSITY", *l.verbosityEnv)
	}
	for _, inv := range l.invalidFlags {
		log.Warnf("invalid boolean override for %s: %q", inv.name, inv.value)
	}
	if l.verbosityError != nil {
		log.Warnf("invalid TINI_VERBOSITY: %q", l.verbosityError.value)
	}
}

// ApplyEnvOverrides resolves TINI_SUBREAPER, TINI_KILL_PROCESS_GROUP, and
// TINI_VERBOSITY against opts, mutating opts in place. Applying it twice to
// the same Options is idempotent: once TINI_VERBOSITY or the boolean
// overrides have taken effect, opts already reflects the environment and a
// second pass is a no-op.
func ApplyEnvOverrides(opts *Options) {
	logApplyEnvOverrides(opts)
}

func logApplyEnvOverrides(opts *Options) *envOverrideLog {
	l := &envOverrideLog{}
	if raw, ok := os.LookupEnv("TINI_SUBREAPER"); ok {
		if enabled, err := interpretEnvFlag(raw); err == nil {
			opts.Subreaper = enabled
			l.subreaperEnv = &enabled
		} else {
			l.invalidFlags = append(l.invalidFlags, envInvalid{"TINI_SUBREAPER", raw})
		}
	}
	if raw, ok := os.LookupEnv("TINI_KILL_PROCESS_GROUP"); ok {
		if enabled, err := interpretEnvFlag(raw); err == nil {
			opts.PgroupKill = enabled
			l.pgroupEnv = &enabled
		} else {
			l.invalidFlags = append(l.invalidFlags, envInvalid{"TINI_KILL_PROCESS_GROUP", raw})
		}
	}
	if opts.Verbosity == 0 {
		if raw, ok := os.LookupEnv("TINI_VERBOSITY"); ok {
			trimmed := strings.TrimSpace(raw)
			parsed, err := strconv.Atoi(trimmed)
			if err != nil || parsed < 0 || parsed > 3 {
				l.verbosityError = &envInvalid{"TINI_VERBOSITY", raw}
			} else {
				opts.Verbosity = parsed
				l.verbosityEnv = &parsed
			}
		}
	}
	return l
}

// interpretEnvFlag parses tino's truthy/falsy token set: "1"/"0" and
// case-insensitive, trimmed true|false|yes|no|on|off. Anything else,
// including an empty string, is rejected.
func interpretEnvFlag(raw string) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return false, fmt.Errorf("empty override")
	}
	switch trimmed {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}
	lower := strings.ToLower(trimmed)
	switch lower {
	case "true", "yes", "on":
		return true, nil
	case "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("unrecognized override %q", raw)
}

// InitLogging builds the logrus.Logger used for the rest of the run at the
// verbosity-derived level. It is safe to call more than once; each call
// returns a fresh logger at the requested level without disturbing any
// previously constructed one.
func InitLogging(v int) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	switch {
	case v <= 0:
		log.SetLevel(logrus.InfoLevel)
	case v == 1:
		log.SetLevel(logrus.DebugLevel)
	default:
		log.SetLevel(logrus.TraceLevel)
	}
	return log
}

// Main is tino's top-level entrypoint, analogous to runsc/cli.Main: parse
// flags, resolve env overrides, stand up logging, and dispatch into the
// supervisor. It returns the process exit code; callers are expected to
// call os.Exit with it.
func Main(args []string) int {
	opts, err := ParseArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tino: %v\n", err)
		return 1
	}

	if opts.License {
		fmt.Print(license.Text)
		return 0
	}

	envLog := logApplyEnvOverrides(opts)

	if len(opts.Cmd) == 0 {
		log := InitLogging(opts.Verbosity)
		envLog.emit(log)
		log.Error("missing CMD (use --help)")
		return 1
	}

	log := InitLogging(opts.Verbosity)
	envLog.emit(log)

	remap := make(map[uint8]struct{}, len(opts.RemapExit))
	for _, b := range opts.RemapExit {
		remap[b] = struct{}{}
	}

	cfg := &supervisor.Config{
		Subreaper:   opts.Subreaper,
		PDeath:      opts.PDeath,
		WarnOnReap:  opts.WarnOnReap,
		PgroupKill:  opts.PgroupKill,
		RemapExit:   remap,
		GraceMillis: opts.GraceMillis,
		Cmd:         opts.Cmd,
		Log:         log,
	}

	code, err := supervisor.Run(cfg)
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}
	return code
}
