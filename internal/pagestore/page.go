// Package pagestore implements the page-based document storage engine.
//
// Documents are serialized across chains of fixed 4 KiB pages, each with a
// checksummed header, stored one file per page under pages/. Ordering and
// durability come from the write-ahead log ([wal.Log]); an in-memory
// directory maps ids to head pages and is reconstructed on open from the
// latest checkpoint snapshot plus a forward WAL replay. Pages are never
// mutated in place: updates allocate a fresh chain and swap the mapping,
// and the replaced chain is deallocated at the next checkpoint.
package pagestore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/jayminwest/kotadb/internal/kerr"
)

// PageSize is the fixed on-disk page size.
const PageSize = 4096

// Page kinds.
const (
	PageDocHead  uint8 = 1
	PageDocChain uint8 = 2
	PageFree     uint8 = 3
)

const (
	pageMagic   uint32 = 0x4b50_4147 // "KPAG"
	pageVersion uint8  = 1

	// pageHeaderSize is magic(4) + version(1) + kind(1) + reserved(2) +
	// next(8) + payloadLen(4) + crc(4).
	pageHeaderSize = 24

	// PagePayload is the usable payload capacity of one page.
	PagePayload = PageSize - pageHeaderSize
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// page is the decoded form of one on-disk page.
type page struct {
	kind    uint8
	next    uint64 // id of the next page in the chain, 0 for last
	payload []byte
}

// encodePage renders p into a full PageSize buffer. The payload must fit
// [PagePayload]; the remainder is zero padding outside the checksum.
func encodePage(p page) ([]byte, error) {
	if len(p.payload) > PagePayload {
		return nil, fmt.Errorf("encode page: payload %d exceeds capacity %d",
			len(p.payload), PagePayload)
	}

	buf := make([]byte, PageSize)

	binary.LittleEndian.PutUint32(buf[0:4], pageMagic)
	buf[4] = pageVersion
	buf[5] = p.kind
	binary.LittleEndian.PutUint64(buf[8:16], p.next)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(p.payload)))
	binary.LittleEndian.PutUint32(buf[20:24], crc32.Checksum(p.payload, castagnoli))
	copy(buf[pageHeaderSize:], p.payload)

	return buf, nil
}

// decodePage validates the header and checksum of a raw page buffer.
// Any mismatch surfaces as [kerr.ErrCorruption]; recovery and reads treat
// the page (and the chain depending on it) as lost.
func decodePage(buf []byte) (page, error) {
	const op = "decode page"

	if len(buf) != PageSize {
		return page{}, fmt.Errorf("%s: %w: %d bytes, want %d", op, kerr.ErrCorruption, len(buf), PageSize)
	}

	if binary.LittleEndian.Uint32(buf[0:4]) != pageMagic {
		return page{}, fmt.Errorf("%s: %w: bad magic", op, kerr.ErrCorruption)
	}

	if buf[4] != pageVersion {
		return page{}, fmt.Errorf("%s: %w: version %d, want %d", op, kerr.ErrCorruption, buf[4], pageVersion)
	}

	kind := buf[5]
	if kind != PageDocHead && kind != PageDocChain && kind != PageFree {
		return page{}, fmt.Errorf("%s: %w: unknown kind %d", op, kerr.ErrCorruption, kind)
	}

	payloadLen := binary.LittleEndian.Uint32(buf[16:20])
	if payloadLen > PagePayload {
		return page{}, fmt.Errorf("%s: %w: payload length %d", op, kerr.ErrCorruption, payloadLen)
	}

	payload := buf[pageHeaderSize : pageHeaderSize+int(payloadLen)]

	if crc32.Checksum(payload, castagnoli) != binary.LittleEndian.Uint32(buf[20:24]) {
		return page{}, fmt.Errorf("%s: %w: checksum mismatch", op, kerr.ErrCorruption)
	}

	return page{
		kind:    kind,
		next:    binary.LittleEndian.Uint64(buf[8:16]),
		payload: payload,
	}, nil
}
