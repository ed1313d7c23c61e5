package shuffle

import (
	"encoding/base64"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yeeunshim/pullserver/pkg/bstindex"
)

var int8Schema = bstindex.Schema{{Type: bstindex.TypeInt8}}

// writeRangeOutput lays out {base}/{qid}/output/{sid}/{ta}/output/ with a
// data file of dataSize random bytes and an index over it, and returns the
// output dir plus the data bytes.
func writeRangeOutput(t *testing.T, base, qid, sid, ta string, keys []int64, offsets []int64, dataSize int) (string, []byte) {
	t.Helper()
	outDir := filepath.Join(base, qid, "output", sid, ta, "output")
	require.NoError(t, os.MkdirAll(outDir, 0o755))

	data := make([]byte, dataSize)
	_, err := rand.New(rand.NewSource(7)).Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(outDir, dataFileName), data, 0o644))

	w, err := bstindex.NewWriter(filepath.Join(outDir, indexFileName), int8Schema)
	require.NoError(t, err)
	for i, k := range keys {
		require.NoError(t, w.Append(bstindex.Tuple{k}, offsets[i]))
	}
	require.NoError(t, w.Close())
	return outDir, data
}

// writeHashOutput lays out {base}/{qid}/output/{sid}/{ta}/output/{part} with
// the given bytes and returns the file path.
func writeHashOutput(t *testing.T, base, qid, sid, ta, part string, data []byte) string {
	t.Helper()
	dir := filepath.Join(base, qid, "output", sid, ta, "output")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, part)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func b64Key(t *testing.T, k int64) string {
	t.Helper()
	raw, err := bstindex.EncodeTuple(int8Schema, bstindex.Tuple{k})
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}
