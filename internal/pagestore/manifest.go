package pagestore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/jayminwest/kotadb/internal/kerr"
	"github.com/jayminwest/kotadb/pkg/fs"
)

// manifest is the atomic pointer to the engine's durable state: which
// snapshot is current, where replay starts, and the allocation cursors.
// It is always rewritten whole via write-rename.
type manifest struct {
	snapshot      uint64 // id of the current directory snapshot, 0 for none
	checkpointLSN uint64 // replay starts after this LSN
	nextPage      uint64
	nextTxn       uint64
}

const (
	manifestMagic   uint32 = 0x4b4d_414e // "KMAN"
	manifestVersion uint8  = 1
	manifestName           = "manifest"
)

// encodeManifest renders the length-prefixed, checksummed manifest record.
func encodeManifest(m manifest) []byte {
	body := make([]byte, 0, 33)
	body = append(body, manifestVersion)
	body = binary.LittleEndian.AppendUint64(body, m.snapshot)
	body = binary.LittleEndian.AppendUint64(body, m.checkpointLSN)
	body = binary.LittleEndian.AppendUint64(body, m.nextPage)
	body = binary.LittleEndian.AppendUint64(body, m.nextTxn)

	buf := make([]byte, 0, 12+len(body))
	buf = binary.LittleEndian.AppendUint32(buf, manifestMagic)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
	buf = binary.LittleEndian.AppendUint32(buf, crc32.Checksum(body, castagnoli))
	buf = append(buf, body...)

	return buf
}

func decodeManifest(buf []byte) (manifest, error) {
	const op = "decode manifest"

	if len(buf) < 12 {
		return manifest{}, fmt.Errorf("%s: %w: short file", op, kerr.ErrCorruption)
	}

	if binary.LittleEndian.Uint32(buf[0:4]) != manifestMagic {
		return manifest{}, fmt.Errorf("%s: %w: bad magic", op, kerr.ErrCorruption)
	}

	length := binary.LittleEndian.Uint32(buf[4:8])
	if int(length) != len(buf)-12 {
		return manifest{}, fmt.Errorf("%s: %w: length mismatch", op, kerr.ErrCorruption)
	}

	body := buf[12:]
	if crc32.Checksum(body, castagnoli) != binary.LittleEndian.Uint32(buf[8:12]) {
		return manifest{}, fmt.Errorf("%s: %w: checksum mismatch", op, kerr.ErrCorruption)
	}

	if body[0] != manifestVersion {
		return manifest{}, fmt.Errorf("%s: %w: version %d, want %d",
			op, kerr.ErrCorruption, body[0], manifestVersion)
	}

	return manifest{
		snapshot:      binary.LittleEndian.Uint64(body[1:9]),
		checkpointLSN: binary.LittleEndian.Uint64(body[9:17]),
		nextPage:      binary.LittleEndian.Uint64(body[17:25]),
		nextTxn:       binary.LittleEndian.Uint64(body[25:33]),
	}, nil
}

// writeManifest publishes m atomically.
func writeManifest(fsys fs.FS, path string, m manifest) error {
	err := fsys.WriteFileAtomic(path, encodeManifest(m), 0o600)
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	return nil
}

// readManifest loads the manifest, reporting ok=false when none exists yet
// (a fresh data directory).
func readManifest(fsys fs.FS, path string) (manifest, bool, error) {
	buf, err := fsys.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return manifest{}, false, nil
		}

		return manifest{}, false, fmt.Errorf("read manifest: %w", err)
	}

	m, err := decodeManifest(buf)
	if err != nil {
		return manifest{}, false, err
	}

	return m, true, nil
}
