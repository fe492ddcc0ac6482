// Package btree implements the B+ tree primary index mapping storage paths
// to document ids.
//
// Keys live only in leaves, which are linked left to right for range scans;
// internal nodes route descent. The tree is height-balanced: every leaf
// sits at the same depth and every non-root node keeps at least half
// occupancy, restored after each delete by borrow-then-merge.
//
// The tree operates in memory and persists copy-on-write: Flush writes
// every modified node to a fresh fixed-size block under the tree's
// directory and then swaps the manifest to the new root, so a crash between
// block writes leaves the previous root fully intact.
package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/jayminwest/kotadb/internal/kerr"
	"github.com/jayminwest/kotadb/pkg/types"
)

// Fanout bounds.
const (
	MinFanout     = 4
	DefaultFanout = 128
)

// BlockSize is the fixed on-disk size of a serialized node.
// It holds three maximum-length (4096-byte) keys; a node whose keys exceed
// the block budget is split early by the byte-budget check in maybeSplit.
const BlockSize = 16384

const (
	blockMagic   uint32 = 0x4b42_5452 // "KBTR"
	blockVersion uint8  = 1

	// blockHeaderSize is magic(4) + version(1) + kind(1) + reserved(2) +
	// count(2) + next(8) + payloadLen(4) + crc(4).
	blockHeaderSize = 26

	blockPayload = BlockSize - blockHeaderSize

	kindLeaf     uint8 = 1
	kindInternal uint8 = 2
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// node is an in-memory tree node. Leaves hold sorted (key, id) pairs and a
// forward sibling pointer; internal nodes hold sorted separator keys and
// len(keys)+1 children.
type node struct {
	leaf     bool
	keys     [][]byte
	ids      []types.DocumentID // leaves only
	children []*node            // internal only
	next     *node              // leaves only

	// block is the id this node was last persisted under; 0 if never.
	// Persistence is copy-on-write, so a dirty node always gets a new id.
	block uint64
	dirty bool
}

func (n *node) markDirty() {
	n.dirty = true
}

// payloadBytes returns the serialized body size, used by the byte-budget
// split check so a node always fits its block.
func (n *node) payloadBytes() int {
	size := 0

	for _, k := range n.keys {
		size += 2 + len(k)
	}

	if n.leaf {
		size += len(n.ids) * 16
	} else {
		size += len(n.children) * 8
	}

	return size
}

// encodeNode renders n into a full BlockSize buffer. Child and sibling
// pointers are block ids, which the caller must have assigned already.
func encodeNode(n *node, nextBlock uint64) ([]byte, error) {
	body := make([]byte, 0, n.payloadBytes())

	for i, k := range n.keys {
		body = binary.LittleEndian.AppendUint16(body, uint16(len(k)))
		body = append(body, k...)

		if n.leaf {
			body = append(body, n.ids[i].Bytes()...)
		}
	}

	if !n.leaf {
		for _, child := range n.children {
			body = binary.LittleEndian.AppendUint64(body, child.block)
		}
	}

	if len(body) > blockPayload {
		return nil, fmt.Errorf("encode btree node: body %d exceeds block payload %d",
			len(body), blockPayload)
	}

	kind := kindInternal
	if n.leaf {
		kind = kindLeaf
	}

	buf := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(buf[0:4], blockMagic)
	buf[4] = blockVersion
	buf[5] = kind
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(n.keys)))
	binary.LittleEndian.PutUint64(buf[10:18], nextBlock)
	binary.LittleEndian.PutUint32(buf[18:22], uint32(len(body)))
	binary.LittleEndian.PutUint32(buf[22:26], crc32.Checksum(body, castagnoli))
	copy(buf[blockHeaderSize:], body)

	return buf, nil
}

// decodedNode is the raw form read back from a block, with pointers still
// as block ids; the loader resolves them.
type decodedNode struct {
	leaf      bool
	keys      [][]byte
	ids       []types.DocumentID
	childRefs []uint64
	nextRef   uint64
}

func decodeNode(buf []byte) (decodedNode, error) {
	const op = "decode btree node"

	if len(buf) != BlockSize {
		return decodedNode{}, fmt.Errorf("%s: %w: %d bytes", op, kerr.ErrCorruption, len(buf))
	}

	if binary.LittleEndian.Uint32(buf[0:4]) != blockMagic {
		return decodedNode{}, fmt.Errorf("%s: %w: bad magic", op, kerr.ErrCorruption)
	}

	if buf[4] != blockVersion {
		return decodedNode{}, fmt.Errorf("%s: %w: version %d", op, kerr.ErrCorruption, buf[4])
	}

	kind := buf[5]
	count := int(binary.LittleEndian.Uint16(buf[8:10]))
	nextRef := binary.LittleEndian.Uint64(buf[10:18])
	payloadLen := binary.LittleEndian.Uint32(buf[18:22])

	if int(payloadLen) > blockPayload {
		return decodedNode{}, fmt.Errorf("%s: %w: payload length %d", op, kerr.ErrCorruption, payloadLen)
	}

	body := buf[blockHeaderSize : blockHeaderSize+int(payloadLen)]
	if crc32.Checksum(body, castagnoli) != binary.LittleEndian.Uint32(buf[22:26]) {
		return decodedNode{}, fmt.Errorf("%s: %w: checksum mismatch", op, kerr.ErrCorruption)
	}

	dec := decodedNode{leaf: kind == kindLeaf, nextRef: nextRef}
	r := bytes.NewReader(body)

	for i := 0; i < count; i++ {
		var keyLen uint16

		err := binary.Read(r, binary.LittleEndian, &keyLen)
		if err != nil {
			return decodedNode{}, fmt.Errorf("%s: %w: truncated key", op, kerr.ErrCorruption)
		}

		key := make([]byte, keyLen)

		_, err = r.Read(key)
		if err != nil {
			return decodedNode{}, fmt.Errorf("%s: %w: truncated key", op, kerr.ErrCorruption)
		}

		dec.keys = append(dec.keys, key)

		if dec.leaf {
			idBytes := make([]byte, 16)

			_, err = r.Read(idBytes)
			if err != nil {
				return decodedNode{}, fmt.Errorf("%s: %w: truncated id", op, kerr.ErrCorruption)
			}

			id, idErr := types.DocumentIDFromBytes(idBytes)
			if idErr != nil {
				return decodedNode{}, fmt.Errorf("%s: %w", op, idErr)
			}

			dec.ids = append(dec.ids, id)
		}
	}

	if !dec.leaf {
		for i := 0; i < count+1; i++ {
			var ref uint64

			err := binary.Read(r, binary.LittleEndian, &ref)
			if err != nil {
				return decodedNode{}, fmt.Errorf("%s: %w: truncated child ref", op, kerr.ErrCorruption)
			}

			dec.childRefs = append(dec.childRefs, ref)
		}
	}

	return dec, nil
}
