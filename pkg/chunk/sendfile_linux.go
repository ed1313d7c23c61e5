//go:build linux

package chunk

import (
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// maxSendfileBlock caps a single sendfile call so the cache hints track the
// transfer cursor at a reasonable grain.
const maxSendfileBlock = 4 << 20

// sendZeroCopy transmits the chunk with sendfile(2): the kernel moves file
// bytes to the socket with no user-space copy.
func (e *Engine) sendZeroCopy(tc *net.TCPConn, f *os.File, c Chunk, t *Transfer) error {
	sc, err := tc.SyscallConn()
	if err != nil {
		return errors.Wrapf(err, "raw connection for chunk %s", c)
	}

	infd := int(f.Fd())
	off := c.Offset
	end := c.Offset + c.Length
	readaheadTo := off

	var sendErr error
	waitErr := sc.Write(func(outfd uintptr) bool {
		for off < end {
			if e.cacheManaged && off >= readaheadTo {
				n := min(e.readaheadBytes, end-off)
				readAhead(f, off, n)
				readaheadTo = off + n
			}

			n := end - off
			if n > maxSendfileBlock {
				n = maxSendfileBlock
			}
			prev := off
			written, err := unix.Sendfile(int(outfd), infd, &off, int(n))
			if written > 0 {
				t.sent.Add(int64(written))
				if e.cacheManaged {
					dropBehind(f, prev, int64(written))
				}
			}
			if err == unix.EAGAIN {
				// wait for writability, resume here
				return false
			}
			if err != nil {
				sendErr = errors.Wrapf(err, "sendfile chunk %s at %d", c, prev)
				return true
			}
			if written == 0 {
				sendErr = errors.Errorf("chunk %s truncated at %d", c, prev)
				return true
			}
		}
		return true
	})
	if sendErr != nil {
		return sendErr
	}
	if waitErr != nil {
		return errors.Wrapf(waitErr, "sendfile chunk %s", c)
	}
	return nil
}
