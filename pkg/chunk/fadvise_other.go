//go:build !linux

package chunk

import "os"

// posix_fadvise is linux-only; elsewhere cache hints are no-ops.

func readAhead(*os.File, int64, int64) {}

func dropBehind(*os.File, int64, int64) {}
