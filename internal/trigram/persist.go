package trigram

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/jayminwest/kotadb/internal/kerr"
	"github.com/jayminwest/kotadb/pkg/fs"
	"github.com/jayminwest/kotadb/pkg/types"
)

const (
	snapshotName           = "index.snap"
	snapshotMagic   uint32 = 0x4b54_4753 // "KTGS"
	snapshotVersion uint8  = 1
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Flush snapshots the index into dir atomically. Only the per-document
// texts are stored; both map directions are rebuilt by tokenizing on load,
// which also re-establishes the reverse-map symmetry invariant for free.
// stamp records the storage generation, letting the opener detect staleness.
func (idx *Index) Flush(fsys fs.FS, dir string, stamp uint64) error {
	const op = "flush trigram"

	err := fsys.MkdirAll(dir, 0o750)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	idx.mu.Lock()
	idx.stamp = stamp

	body := make([]byte, 0, 1024)
	body = append(body, snapshotVersion)
	body = binary.LittleEndian.AppendUint64(body, stamp)
	body = binary.LittleEndian.AppendUint32(body, uint32(len(idx.docIDs)))

	for ord, id := range idx.docIDs {
		body = append(body, id.Bytes()...)

		text, live := idx.texts[uint32(ord)]
		if !live {
			body = append(body, 0)

			continue
		}

		body = append(body, 1)
		body = binary.LittleEndian.AppendUint32(body, uint32(len(text)))
		body = append(body, text...)
	}
	idx.mu.Unlock()

	buf := make([]byte, 0, 12+len(body))
	buf = binary.LittleEndian.AppendUint32(buf, snapshotMagic)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
	buf = binary.LittleEndian.AppendUint32(buf, crc32.Checksum(body, castagnoli))
	buf = append(buf, body...)

	err = fsys.WriteFileAtomic(filepath.Join(dir, snapshotName), buf, 0o600)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Stamp returns the storage generation of the last Flush (or load).
func (idx *Index) Stamp() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return idx.stamp
}

// Open loads a snapshotted index from dir, or returns an empty index when
// no snapshot exists. A torn snapshot is reported as corruption; the
// caller falls back to rebuilding from storage.
func Open(fsys fs.FS, dir string, opts Options) (*Index, error) {
	const op = "open trigram"

	idx := NewIndex(opts)

	buf, err := fsys.ReadFile(filepath.Join(dir, snapshotName))
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if len(buf) < 12 {
		return nil, fmt.Errorf("%s: %w: short snapshot", op, kerr.ErrCorruption)
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

	idx.stamp = binary.LittleEndian.Uint64(body[1:9])
	count := binary.LittleEndian.Uint32(body[9:13])
	rest := body[13:]

	for ord := uint32(0); ord < count; ord++ {
		if len(rest) < 17 {
			return nil, fmt.Errorf("%s: %w: truncated entry", op, kerr.ErrCorruption)
		}

		id, idErr := types.DocumentIDFromBytes(rest[:16])
		if idErr != nil {
			return nil, fmt.Errorf("%s: %w", op, idErr)
		}

		live := rest[16]
		rest = rest[17:]

		idx.ordinals[id] = ord
		idx.docIDs = append(idx.docIDs, id)

		if live == 0 {
			continue
		}

		if len(rest) < 4 {
			return nil, fmt.Errorf("%s: %w: truncated text", op, kerr.ErrCorruption)
		}

		textLen := binary.LittleEndian.Uint32(rest[:4])
		rest = rest[4:]

		if len(rest) < int(textLen) {
			return nil, fmt.Errorf("%s: %w: truncated text", op, kerr.ErrCorruption)
		}

		text := string(rest[:textLen])
		rest = rest[textLen:]

		idx.apply(ord, tokenize(text), text)
	}

	return idx, nil
}
