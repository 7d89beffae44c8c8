package crypto

import "runtime"

// Wipe zeroes the provided key material in place. Best-effort: the noinline
// directive and KeepAlive reduce the chance of the compiler eliding the
// writes.
//
//go:noinline
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(&b)
}
