package chunk

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ErrNotFound reports that a chunk's file vanished between resolution and
// open. Expected under concurrent producer/consumer cleanup; callers map it
// to a 404, not a server fault.
var ErrNotFound = errors.New("chunk: file not found")

// Chunk identifies an exact byte span of a partition file to transmit.
type Chunk struct {
	Path   string
	Offset int64
	Length int64
}

func (c Chunk) String() string {
	return fmt.Sprintf("%s[%d,%d)", c.Path, c.Offset, c.Offset+c.Length)
}

// Engine streams chunks to network peers. Plaintext TCP connections get a
// zero-copy file-region transfer; everything else (TLS in particular, where
// bytes must pass through the record layer in user space) goes through a
// bounded buffer. When cache management is on the engine issues readahead
// hints ahead of the transfer cursor and drop-behind hints after each region,
// so a large sequential shuffle cannot evict the machine's page cache
// working set.
type Engine struct {
	cacheManaged   bool
	readaheadBytes int64
	bufferSize     int

	logger log.Logger
}

const defaultBufferSize = 60 * 1024

func NewEngine(cacheManaged bool, readaheadBytes int64, bufferSize int, logger log.Logger) *Engine {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if readaheadBytes <= 0 {
		cacheManaged = false
	}
	return &Engine{
		cacheManaged:   cacheManaged,
		readaheadBytes: readaheadBytes,
		bufferSize:     bufferSize,
		logger:         logger,
	}
}

// Transfer is the completion handle of one in-flight chunk send.
type Transfer struct {
	sent atomic.Int64
	err  error
	done chan struct{}
}

// Done is closed once the transfer has finished, on every path.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Wait blocks until completion and returns the transfer error, if any.
func (t *Transfer) Wait() error {
	<-t.done
	return t.err
}

// Sent returns the bytes written to the peer so far.
func (t *Transfer) Sent() int64 { return t.sent.Load() }

// Send opens the chunk's file and streams it to dst asynchronously. The
// returned Transfer completes exactly once; the file handle is released and
// onComplete (if non-nil) fires on every exit path, including a peer reset
// mid-transfer. Send itself fails only when the file cannot be opened.
func (e *Engine) Send(dst io.Writer, c Chunk, onComplete func(sent int64, err error)) (*Transfer, error) {
	if c.Length < 0 {
		return nil, errors.Errorf("negative chunk length: %s", c)
	}
	f, err := os.Open(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%s", c.Path)
		}
		return nil, errors.Wrapf(err, "opening chunk %s", c)
	}

	t := &Transfer{done: make(chan struct{})}
	go func() {
		var sendErr error
		if tc, ok := dst.(*net.TCPConn); ok {
			sendErr = e.sendZeroCopy(tc, f, c, t)
		} else {
			sendErr = e.sendBuffered(dst, f, c, t)
		}
		if cerr := f.Close(); sendErr == nil && cerr != nil {
			sendErr = errors.Wrapf(cerr, "closing chunk %s", c)
		}
		if sendErr != nil {
			level.Warn(e.logger).Log("msg", "chunk transfer failed", "chunk", c.String(), "sent", t.sent.Load(), "err", sendErr)
		}
		t.err = sendErr
		if onComplete != nil {
			onComplete(t.sent.Load(), sendErr)
		}
		close(t.done)
	}()
	return t, nil
}

// sendBuffered copies the chunk through a fixed-size buffer. Used for
// encrypted connections and any non-TCP writer.
func (e *Engine) sendBuffered(dst io.Writer, f *os.File, c Chunk, t *Transfer) error {
	buf := make([]byte, e.bufferSize)
	pos := c.Offset
	end := c.Offset + c.Length
	readaheadTo := pos

	for pos < end {
		if e.cacheManaged && pos >= readaheadTo {
			n := min(e.readaheadBytes, end-pos)
			readAhead(f, pos, n)
			readaheadTo = pos + n
		}

		n := int64(len(buf))
		if n > end-pos {
			n = end - pos
		}
		read, err := f.ReadAt(buf[:n], pos)
		if read == 0 {
			if err == io.EOF {
				return errors.Errorf("chunk %s truncated at %d", c, pos)
			}
			return errors.Wrapf(err, "reading chunk %s at %d", c, pos)
		}
		if _, err := dst.Write(buf[:read]); err != nil {
			return errors.Wrapf(err, "writing chunk %s at %d", c, pos)
		}
		if e.cacheManaged {
			dropBehind(f, pos, int64(read))
		}
		pos += int64(read)
		t.sent.Add(int64(read))
	}
	return nil
}
