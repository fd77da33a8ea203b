//go:build !linux

package supervisor

import "errors"

// Run refuses cleanly on hosts without the Linux process-control
// primitives tino's supervisor loop depends on (subreaper, signal fd
// equivalent, prctl) instead of attempting a degraded implementation.
func Run(cfg *Config) (int, error) {
	return 1, errors.New("tino currently supports Unix-like targets only. Build and run inside a Linux container.")
}
