package shuffle

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// The port meta blob is handed to the embedding process so it can tell
// downstream tasks where to pull from. Versioned so the layout can evolve
// without breaking mixed-version handoff.

const (
	portMetaVersion = uint16(1)
	portMetaLen     = 6
)

// SerializePortMeta encodes the resolved shuffle port.
func SerializePortMeta(port int) ([]byte, error) {
	if port < 0 || port > 65535 {
		return nil, errors.Errorf("port %d out of range", port)
	}
	b := make([]byte, portMetaLen)
	binary.BigEndian.PutUint16(b[0:2], portMetaVersion)
	binary.BigEndian.PutUint32(b[2:6], uint32(port))
	return b, nil
}

// DeserializePortMeta decodes a blob produced by SerializePortMeta.
func DeserializePortMeta(b []byte) (int, error) {
	if len(b) != portMetaLen {
		return 0, errors.Errorf("port meta blob has %d bytes, want %d", len(b), portMetaLen)
	}
	if v := binary.BigEndian.Uint16(b[0:2]); v != portMetaVersion {
		return 0, errors.Errorf("unsupported port meta version %d", v)
	}
	port := binary.BigEndian.Uint32(b[2:6])
	if port > 65535 {
		return 0, errors.Errorf("port %d out of range", port)
	}
	return int(port), nil
}
