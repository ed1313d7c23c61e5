//go:build linux

package chunk

import (
	"os"

	"golang.org/x/sys/unix"
)

// readAhead asks the kernel to prefetch [off, off+n) of f into the page
// cache. Advisory only; failures are ignored.
func readAhead(f *os.File, off, n int64) {
	_ = unix.Fadvise(int(f.Fd()), off, n, unix.FADV_WILLNEED)
}

// dropBehind tells the kernel the pages backing [off, off+n) of f will not
// be needed again. Advisory only; failures are ignored.
func dropBehind(f *os.File, off, n int64) {
	_ = unix.Fadvise(int(f.Fd()), off, n, unix.FADV_DONTNEED)
}
