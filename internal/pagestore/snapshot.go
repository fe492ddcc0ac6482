package pagestore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"path/filepath"

	"github.com/jayminwest/kotadb/internal/kerr"
	"github.com/jayminwest/kotadb/pkg/fs"
	"github.com/jayminwest/kotadb/pkg/types"
)

// entry is the in-memory directory record for one live document.
type entry struct {
	head    uint64 // head page id
	pages   uint32 // chain length
	created int64  // created_at seconds, List sort key
	bytes   uint64 // content size, Stats accounting
}

const (
	snapshotMagic   uint32 = 0x4b53_4e50 // "KSNP"
	snapshotVersion uint8  = 1
	snapshotDir            = "snapshots"

	snapshotEntrySize = 16 + 8 + 4 + 8 + 8
)

// encodeSnapshot renders the page directory as a checksummed snapshot file.
func encodeSnapshot(dir map[types.DocumentID]entry) []byte {
	body := make([]byte, 0, 5+len(dir)*snapshotEntrySize)
	body = append(body, snapshotVersion)
	body = binary.LittleEndian.AppendUint32(body, uint32(len(dir)))

	for id, ent := range dir {
		body = append(body, id.Bytes()...)
		body = binary.LittleEndian.AppendUint64(body, ent.head)
		body = binary.LittleEndian.AppendUint32(body, ent.pages)
		body = binary.LittleEndian.AppendUint64(body, uint64(ent.created))
		body = binary.LittleEndian.AppendUint64(body, ent.bytes)
	}

	buf := make([]byte, 0, 12+len(body))
	buf = binary.LittleEndian.AppendUint32(buf, snapshotMagic)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
	buf = binary.LittleEndian.AppendUint32(buf, crc32.Checksum(body, castagnoli))
	buf = append(buf, body...)

	return buf
}

func decodeSnapshot(buf []byte) (map[types.DocumentID]entry, error) {
	const op = "decode snapshot"

	if len(buf) < 12 {
		return nil, fmt.Errorf("%s: %w: short file", op, kerr.ErrCorruption)
	}

	if binary.LittleEndian.Uint32(buf[0:4]) != snapshotMagic {
		return nil, fmt.Errorf("%s: %w: bad magic", op, kerr.ErrCorruption)
	}

	length := binary.LittleEndian.Uint32(buf[4:8])
	if int(length) != len(buf)-12 {
		return nil, fmt.Errorf("%s: %w: length mismatch", op, kerr.ErrCorruption)
	}

	body := buf[12:]
	if crc32.Checksum(body, castagnoli) != binary.LittleEndian.Uint32(buf[8:12]) {
		return nil, fmt.Errorf("%s: %w: checksum mismatch", op, kerr.ErrCorruption)
	}

	if body[0] != snapshotVersion {
		return nil, fmt.Errorf("%s: %w: version %d", op, kerr.ErrCorruption, body[0])
	}

	count := binary.LittleEndian.Uint32(body[1:5])
	rest := body[5:]

	if len(rest) != int(count)*snapshotEntrySize {
		return nil, fmt.Errorf("%s: %w: truncated entries", op, kerr.ErrCorruption)
	}

	dir := make(map[types.DocumentID]entry, count)

	for i := 0; i < int(count); i++ {
		raw := rest[i*snapshotEntrySize : (i+1)*snapshotEntrySize]

		id, err := types.DocumentIDFromBytes(raw[:16])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		dir[id] = entry{
			head:    binary.LittleEndian.Uint64(raw[16:24]),
			pages:   binary.LittleEndian.Uint32(raw[24:28]),
			created: int64(binary.LittleEndian.Uint64(raw[28:36])),
			bytes:   binary.LittleEndian.Uint64(raw[36:44]),
		}
	}

	return dir, nil
}

func snapshotPath(root string, id uint64) string {
	return filepath.Join(root, snapshotDir, fmt.Sprintf("%020d.snap", id))
}

// writeSnapshot publishes the directory snapshot atomically and returns nil
// only once it is durable on disk.
func writeSnapshot(fsys fs.FS, root string, id uint64, dir map[types.DocumentID]entry) error {
	err := fsys.MkdirAll(filepath.Join(root, snapshotDir), 0o750)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	err = fsys.WriteFileAtomic(snapshotPath(root, id), encodeSnapshot(dir), 0o600)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	return nil
}
