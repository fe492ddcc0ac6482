package btree

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/jayminwest/kotadb/internal/kerr"
	"github.com/jayminwest/kotadb/pkg/fs"
)

const (
	manifestName           = "manifest"
	manifestMagic   uint32 = 0x4b42_544d // "KBTM"
	manifestVersion uint8  = 1
)

// treeManifest records the current root block; swapping it atomically is
// what publishes a flushed tree.
type treeManifest struct {
	root      uint64
	nextBlock uint64
	stamp     uint64
	size      uint64
}

// Open loads a persisted tree from dir, or returns an empty one when no
// manifest exists yet.
func Open(fsys fs.FS, dir string, fanout int) (*Tree, error) {
	const op = "open btree"

	t, err := New(fsys, dir, fanout)
	if err != nil {
		return nil, err
	}

	buf, err := fsys.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	m, err := decodeTreeManifest(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	root, err := t.loadNode(m.root)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	t.root = root
	t.nextBlock = m.nextBlock
	t.stamp = m.stamp
	t.size = int(m.size)

	// Sibling pointers are not stored; rebuild the leaf chain in order.
	var leaves []*node

	var collect func(n *node)
	collect = func(n *node) {
		if n.leaf {
			leaves = append(leaves, n)

			return
		}

		for _, c := range n.children {
			collect(c)
		}
	}

	collect(t.root)

	for i := 0; i+1 < len(leaves); i++ {
		leaves[i].next = leaves[i+1]
	}

	return t, nil
}

func (t *Tree) loadNode(block uint64) (*node, error) {
	buf, err := t.fsys.ReadFile(t.blockPath(block))
	if err != nil {
		return nil, fmt.Errorf("load block %d: %w: %v", block, kerr.ErrCorruption, err)
	}

	dec, err := decodeNode(buf)
	if err != nil {
		return nil, fmt.Errorf("load block %d: %w", block, err)
	}

	n := &node{
		leaf:  dec.leaf,
		keys:  dec.keys,
		ids:   dec.ids,
		block: block,
	}

	for _, ref := range dec.childRefs {
		child, childErr := t.loadNode(ref)
		if childErr != nil {
			return nil, childErr
		}

		n.children = append(n.children, child)
	}

	return n, nil
}

// Flush persists every modified node copy-on-write and publishes the new
// root via the manifest. stamp records the storage generation the flush
// corresponds to, letting the opener detect a stale index.
//
// Block writes happen before the manifest swap, so a crash mid-flush
// leaves the previously published root intact.
func (t *Tree) Flush(stamp uint64) error {
	const op = "flush btree"

	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.fsys.MkdirAll(t.dir, 0o750)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	_, err = t.flushNode(t.root)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	m := treeManifest{
		root:      t.root.block,
		nextBlock: t.nextBlock,
		stamp:     stamp,
		size:      uint64(t.size),
	}

	err = t.fsys.WriteFileAtomic(filepath.Join(t.dir, manifestName), encodeTreeManifest(m), 0o600)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	t.stamp = stamp

	// Superseded blocks are unreachable from the new root; dropping them is
	// garbage collection, not correctness.
	for _, old := range t.stale {
		_ = t.fsys.Remove(t.blockPath(old))
	}

	t.stale = t.stale[:0]

	return nil
}

// flushNode writes n to a fresh block when it is dirty, never persisted,
// or any child moved to a new block (copy-on-write renumbers children, so
// a clean parent holding stale child refs must be rewritten too). Returns
// whether n was rewritten. Post-order, so child block ids exist before the
// parent serializes its references.
func (t *Tree) flushNode(n *node) (bool, error) {
	childMoved := false

	if !n.leaf {
		for _, child := range n.children {
			moved, err := t.flushNode(child)
			if err != nil {
				return false, err
			}

			childMoved = childMoved || moved
		}
	}

	if !n.dirty && !childMoved && n.block != 0 {
		return false, nil
	}

	if n.block != 0 {
		t.stale = append(t.stale, n.block)
	}

	n.block = t.nextBlock
	t.nextBlock++

	buf, err := encodeNode(n, 0)
	if err != nil {
		return false, err
	}

	err = t.fsys.WriteFileAtomic(t.blockPath(n.block), buf, 0o600)
	if err != nil {
		return false, fmt.Errorf("write block %d: %w", n.block, err)
	}

	n.dirty = false

	return true, nil
}

// Stamp returns the storage generation recorded by the last Flush.
func (t *Tree) Stamp() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.stamp
}

func (t *Tree) blockPath(id uint64) string {
	return filepath.Join(t.dir, fmt.Sprintf("%020d.blk", id))
}

func encodeTreeManifest(m treeManifest) []byte {
	body := make([]byte, 0, 33)
	body = append(body, manifestVersion)
	body = binary.LittleEndian.AppendUint64(body, m.root)
	body = binary.LittleEndian.AppendUint64(body, m.nextBlock)
	body = binary.LittleEndian.AppendUint64(body, m.stamp)
	body = binary.LittleEndian.AppendUint64(body, m.size)

	buf := make([]byte, 0, 12+len(body))
	buf = binary.LittleEndian.AppendUint32(buf, manifestMagic)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
	buf = binary.LittleEndian.AppendUint32(buf, crc32.Checksum(body, castagnoli))
	buf = append(buf, body...)

	return buf
}

func decodeTreeManifest(buf []byte) (treeManifest, error) {
	const op = "decode btree manifest"

	if len(buf) < 12 {
		return treeManifest{}, fmt.Errorf("%s: %w: short file", op, kerr.ErrCorruption)
	}

	if binary.LittleEndian.Uint32(buf[0:4]) != manifestMagic {
		return treeManifest{}, fmt.Errorf("%s: %w: bad magic", op, kerr.ErrCorruption)
	}

	length := binary.LittleEndian.Uint32(buf[4:8])
	if int(length) != len(buf)-12 {
		return treeManifest{}, fmt.Errorf("%s: %w: length mismatch", op, kerr.ErrCorruption)
	}

	body := buf[12:]
	if crc32.Checksum(body, castagnoli) != binary.LittleEndian.Uint32(buf[8:12]) {
		return treeManifest{}, fmt.Errorf("%s: %w: checksum mismatch", op, kerr.ErrCorruption)
	}

	if body[0] != manifestVersion {
		return treeManifest{}, fmt.Errorf("%s: %w: version %d", op, kerr.ErrCorruption, body[0])
	}

	return treeManifest{
		root:      binary.LittleEndian.Uint64(body[1:9]),
		nextBlock: binary.LittleEndian.Uint64(body[9:17]),
		stamp:     binary.LittleEndian.Uint64(body[17:25]),
		size:      binary.LittleEndian.Uint64(body[25:33]),
	}, nil
}
