package supervisor

// FinalExitCode maps the recorded main-child exit code (nil means the
// child was never observed to terminate, treated as 0) through the
// configured remap set, returning 0 if the low 8 bits of mainExit are in
// remapExit, and mainExit unchanged otherwise.
func FinalExitCode(mainExit *int, remapExit map[uint8]struct{}) int {
	code := 0
	if mainExit != nil {
		code = *mainExit
	}
	if _, remapped := remapExit[uint8(code)]; remapped {
		return 0
	}
	return code
}
