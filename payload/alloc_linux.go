package payload

import (
	"log"

	"golang.org/x/sys/unix"
)

// On Linux the pools are mapped anonymously so the send pool can be sealed
// read-only once filled.  Any stray write then faults instead of silently
// corrupting the comparand for every verified receive.

func allocate(length int) []byte {
	b, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		log.Panicf("payload: mmap of %d bytes failed: %v", length, err)
	}
	return b
}

func protect(b []byte) {
	if err := unix.Mprotect(b, unix.PROT_READ); err != nil {
		log.Panicf("payload: mprotect failed: %v", err)
	}
}
