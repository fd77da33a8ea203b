// Package license holds the text tino prints for --license / -l.
package license

// Text is printed verbatim (with trailing newline) and then the process
// exits 0. It is intentionally short: tino is a reimplementation, not a
// redistribution, of krallin/tini.
const Text = "tino — MIT License.  Based on krallin/tini (see original project for full text).\n"
