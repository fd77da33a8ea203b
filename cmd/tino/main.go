// Binary tino is a minimal PID-1 process supervisor for container-like
// environments.
package main

import (
	"os"

	"github.com/talismancer/tino/internal/cli"
)

func main() {
	os.Exit(cli.Main(os.Args[1:]))
}
