package critsect

import "runtime"

// goroutineID parses the numeric id from the first line of the goroutine's
// stack header ("goroutine N [running]:"). The runtime offers no direct
// accessor; sections only need a stable identity for the lifetime of the
// goroutine, which this gives.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)

	const prefix = len("goroutine ")
	var id uint64
	for i := prefix; i < n; i++ {
		c := buf[i]
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
