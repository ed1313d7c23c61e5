//go:build !linux

package chunk

import (
	"net"
	"os"
)

// No sendfile outside linux; fall back to the buffered path.
func (e *Engine) sendZeroCopy(tc *net.TCPConn, f *os.File, c Chunk, t *Transfer) error {
	return e.sendBuffered(tc, f, c, t)
}
