package shuffle

import (
	"encoding/base64"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/yeeunshim/pullserver/pkg/bstindex"
	"github.com/yeeunshim/pullserver/pkg/chunk"
)

// ErrIndexState reports a resolver invariant violation: the index proved the
// requested range intersects stored data, yet a boundary failed to resolve.
// A server bug or a corrupt index, never a client problem.
var ErrIndexState = errors.New("shuffle: index state invariant violated")

const (
	dataFileName  = "output"
	indexFileName = "index"
)

// rangeChunk converts a requested key range into the byte span of the
// partition data file under outDir. A nil chunk with nil error means the
// request resolves to no content, which is a valid empty outcome.
//
// Producers may sample index keys sparsely, so boundary keys are looked up
// in two phases: an exact hit first, then the first strictly greater key.
// When last is set, or the end key lies beyond the maximum indexed key, the
// end offset is clamped to the physical file length.
func rangeChunk(logger log.Logger, outDir, startB64, endB64 string, last bool) (*chunk.Chunk, error) {
	idx, err := bstindex.Open(filepath.Join(outDir, indexFileName))
	if err != nil {
		return nil, err
	}
	defer idx.Close()

	dataPath := filepath.Join(outDir, dataFileName)
	fi, err := os.Stat(dataPath)
	if err != nil {
		return nil, errors.Wrap(err, "stat partition data file")
	}

	start, err := decodeKey(idx.Schema(), startB64)
	if err != nil {
		return nil, errors.Wrap(err, "start key")
	}
	end, err := decodeKey(idx.Schema(), endB64)
	if err != nil {
		return nil, errors.Wrap(err, "end key")
	}

	// zero rows produced is not an error
	if idx.Entries() == 0 {
		level.Debug(logger).Log("msg", "empty partition index, no content", "dir", outDir)
		return nil, nil
	}

	cmp := idx.Comparator()
	if cmp.Compare(end, idx.FirstKey()) < 0 || cmp.Compare(idx.LastKey(), start) < 0 {
		level.Warn(logger).Log("msg", "requested range out of scope",
			"idx_min", idx.FirstKey(), "idx_max", idx.LastKey(), "req_start", start, "req_end", end)
		return nil, nil
	}

	startOffset, err := idx.Find(start, false)
	if errors.Is(err, bstindex.ErrNotFound) {
		// start falls in an index gap or below the first key
		startOffset, err = idx.Find(start, true)
	}
	if err != nil {
		if errors.Is(err, bstindex.ErrNotFound) {
			dumpBoundaryState(logger, idx, start, end)
			return nil, errors.Wrap(ErrIndexState, "no start offset despite range overlap")
		}
		return nil, err
	}

	endOffset := int64(0)
	haveEnd := false
	endBeyondIndex := cmp.Compare(idx.LastKey(), end) < 0

	off, err := idx.Find(end, false)
	if err == nil {
		endOffset, haveEnd = off, true
	} else if errors.Is(err, bstindex.ErrNotFound) {
		off, err = idx.Find(end, true)
		if err == nil {
			endOffset, haveEnd = off, true
		} else if !errors.Is(err, bstindex.ErrNotFound) {
			return nil, err
		}
	} else {
		return nil, err
	}

	// the caller asked for "through end of partition", or no higher key
	// exists to bound the span
	if last || (!haveEnd && endBeyondIndex) {
		endOffset, haveEnd = fi.Size(), true
	}
	if !haveEnd {
		dumpBoundaryState(logger, idx, start, end)
		return nil, errors.Wrap(ErrIndexState, "no end offset despite range overlap")
	}

	length := endOffset - startOffset
	if length < 0 {
		dumpBoundaryState(logger, idx, start, end)
		return nil, errors.Wrapf(ErrIndexState, "negative chunk length %d", length)
	}

	c := &chunk.Chunk{Path: dataPath, Offset: startOffset, Length: length}
	level.Debug(logger).Log("msg", "resolved range chunk", "chunk", c.String())
	return c, nil
}

func decodeKey(schema bstindex.Schema, b64 string) (bstindex.Tuple, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.Wrap(err, "base64 decode")
	}
	t, err := bstindex.DecodeTuple(schema, raw)
	return t, errors.Wrapf(err, "decoding %d key bytes", len(raw))
}

func dumpBoundaryState(logger log.Logger, idx *bstindex.Reader, start, end bstindex.Tuple) {
	level.Error(logger).Log("msg", "index state dump",
		"req_start", start, "req_end", end,
		"idx_min", idx.FirstKey(), "idx_max", idx.LastKey(),
		"entries", idx.Entries())
}
