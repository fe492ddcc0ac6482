package pagestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jayminwest/kotadb/internal/kerr"
	"github.com/jayminwest/kotadb/internal/wal"
	"github.com/jayminwest/kotadb/pkg/fs"
	"github.com/jayminwest/kotadb/pkg/types"
)

// Layout inside the data directory.
const (
	walDirName   = "wal"
	pagesDirName = "pages"
	pagePerms    = 0o600
)

// Options configure a Store.
type Options struct {
	// WALSegmentBytes rotates WAL segments at this size.
	WALSegmentBytes int64

	// FsyncOnCommit fsyncs the WAL at each commit point. Disabling trades
	// durability of the most recent writes for throughput.
	FsyncOnCommit bool

	// CheckpointBytes triggers an automatic checkpoint once this many
	// payload bytes have been committed since the last one. Zero disables
	// the automatic trigger; Checkpoint can still be called directly.
	CheckpointBytes int64

	// ReadOnly makes every mutating call fail. Open still opens the WAL for
	// appending, which truncates a torn tail and creates a first segment
	// when none exists.
	ReadOnly bool
}

// Store is the page/WAL storage engine.
//
// A single writer mutex serializes all mutations; readers share the
// directory under an RWMutex and never block writers for the duration of
// I/O (the directory lookup is done under the lock, chain reads outside
// it — a chain is immutable once published).
type Store struct {
	fsys fs.FS
	root string
	opts Options
	log  *wal.Log

	// writeMu serializes Insert/Update/Delete/Checkpoint end to end.
	writeMu sync.Mutex

	// mu guards the maps and cursors below.
	mu          sync.RWMutex
	dir         map[types.DocumentID]entry
	quarantined map[types.DocumentID]struct{}
	freed       []uint64 // page ids awaiting deallocation at checkpoint
	nextPage    uint64
	nextTxn     uint64

	checkpointLSN  uint64
	snapshotID     uint64
	sinceCkptBytes int64
	dirty          map[uint64]struct{} // pages written since last flush
	closed         bool
}

// Open loads or creates a store under root and recovers it to the last
// committed WAL prefix. The caller is responsible for holding the
// directory lock (see [fs.AcquireDirLock]).
func Open(fsys fs.FS, root string, opts Options) (*Store, error) {
	const op = "open pagestore"

	if opts.WALSegmentBytes <= 0 {
		return nil, fmt.Errorf("%s: %w: wal segment size must be positive", op, kerr.ErrConfig)
	}

	for _, sub := range []string{pagesDirName, snapshotDir} {
		err := fsys.MkdirAll(filepath.Join(root, sub), 0o750)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	log, err := wal.Open(fsys, filepath.Join(root, walDirName), wal.Options{
		SegmentBytes: opts.WALSegmentBytes,
		FsyncOnWrite: opts.FsyncOnCommit,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s := &Store{
		fsys:        fsys,
		root:        root,
		opts:        opts,
		log:         log,
		dir:         make(map[types.DocumentID]entry),
		quarantined: make(map[types.DocumentID]struct{}),
		dirty:       make(map[uint64]struct{}),
		nextPage:    1,
		nextTxn:     1,
	}

	err = s.recover()
	if err != nil {
		_ = log.Close()

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return s, nil
}

// recover loads the manifest and snapshot, then replays the WAL forward
// from the checkpoint LSN. Only committed transactions take effect; a put
// whose page chain fails its CRC is discarded along with the records that
// depend on it.
func (s *Store) recover() error {
	m, ok, err := readManifest(s.fsys, filepath.Join(s.root, manifestName))
	if err != nil {
		return err
	}

	if ok {
		s.checkpointLSN = m.checkpointLSN
		s.snapshotID = m.snapshot
		s.nextPage = max(m.nextPage, 1)
		s.nextTxn = max(m.nextTxn, 1)

		if m.snapshot != 0 {
			buf, readErr := s.fsys.ReadFile(snapshotPath(s.root, m.snapshot))
			if readErr != nil {
				return fmt.Errorf("load snapshot %d: %w", m.snapshot, readErr)
			}

			s.dir, readErr = decodeSnapshot(buf)
			if readErr != nil {
				return readErr
			}
		}
	}

	// Replay buffers each transaction's ops and applies them only at the
	// commit record, so a transaction cut off by the torn tail vanishes.
	pending := make(map[uint64][]wal.Record)

	err = s.log.Replay(s.checkpointLSN+1, func(rec wal.Record) error {
		switch rec.Kind {
		case wal.KindBegin:
			pending[rec.Txn] = nil
		case wal.KindPut, wal.KindDelete:
			pending[rec.Txn] = append(pending[rec.Txn], rec)
		case wal.KindCommit:
			s.applyCommitted(pending[rec.Txn])
			delete(pending, rec.Txn)
		case wal.KindCheckpoint:
			// Directory state at this point is already covered by the
			// snapshot the manifest references.
		}

		if rec.Txn >= s.nextTxn {
			s.nextTxn = rec.Txn + 1
		}

		return nil
	})
	if err != nil {
		return err
	}

	return nil
}

// applyCommitted applies one committed transaction's ops to the directory.
func (s *Store) applyCommitted(ops []wal.Record) {
	for _, rec := range ops {
		id, err := types.DocumentIDFromBytes(rec.DocID[:])
		if err != nil {
			continue // undecodable id: skip the record, keep the rest
		}

		switch rec.Kind {
		case wal.KindPut:
			doc, pages, readErr := s.readChain(rec.HeadPage)
			if readErr != nil {
				// Torn or lost pages behind a committed put: the document
				// is unrecoverable, dependent records are discarded.
				continue
			}

			if old, exists := s.dir[id]; exists {
				s.freeChainPages(old.head)
			}

			s.dir[id] = entry{
				head:    rec.HeadPage,
				pages:   uint32(pages),
				created: doc.CreatedAt.Unix(),
				bytes:   doc.Size.Bytes(),
			}

			s.bumpNextPage(rec.HeadPage, pages)
		case wal.KindDelete:
			if old, exists := s.dir[id]; exists {
				s.freeChainPages(old.head)
				delete(s.dir, id)
			}
		}
	}
}

// bumpNextPage keeps the allocation cursor beyond every page a replayed
// chain could occupy.
func (s *Store) bumpNextPage(head uint64, pages int) {
	ids, err := s.chainPageIDs(head)
	if err != nil {
		// Fall back to a conservative bump based on the head alone.
		if head >= s.nextPage {
			s.nextPage = head + uint64(pages)
		}

		return
	}

	for _, id := range ids {
		if id >= s.nextPage {
			s.nextPage = id + 1
		}
	}
}

// freeChainPages queues every page of the chain at head for deallocation
// at the next checkpoint. Unreadable pages are skipped; their files are
// orphaned, not corrupting.
func (s *Store) freeChainPages(head uint64) {
	ids, err := s.chainPageIDs(head)
	if err != nil {
		return
	}

	s.freed = append(s.freed, ids...)
}

// chainPageIDs walks the chain from head collecting page ids.
func (s *Store) chainPageIDs(head uint64) ([]uint64, error) {
	var ids []uint64

	next := head
	for next != 0 {
		p, err := s.readPage(next)
		if err != nil {
			return nil, err
		}

		ids = append(ids, next)
		next = p.next

		if len(ids) > len(s.dir)+1_000_000 {
			return nil, fmt.Errorf("chain from page %d: %w: cycle", head, kerr.ErrCorruption)
		}
	}

	return ids, nil
}

func (s *Store) pagePath(id uint64) string {
	return filepath.Join(s.root, pagesDirName, fmt.Sprintf("%020d.page", id))
}

func (s *Store) readPage(id uint64) (page, error) {
	buf, err := s.fsys.ReadFile(s.pagePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return page{}, fmt.Errorf("page %d: %w: missing file", id, kerr.ErrCorruption)
		}

		return page{}, fmt.Errorf("page %d: %w: %v", id, kerr.ErrTransientIO, err)
	}

	p, err := decodePage(buf)
	if err != nil {
		return page{}, fmt.Errorf("page %d: %w", id, err)
	}

	return p, nil
}

// writePage persists one page file without fsync; durability is deferred
// to Flush or the next checkpoint.
func (s *Store) writePage(id uint64, p page) error {
	buf, err := encodePage(p)
	if err != nil {
		return err
	}

	file, err := s.fsys.OpenFile(s.pagePath(id), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, pagePerms)
	if err != nil {
		return fmt.Errorf("write page %d: %w: %v", id, kerr.ErrTransientIO, err)
	}

	_, err = file.Write(buf)
	if err != nil {
		_ = file.Close()

		return fmt.Errorf("write page %d: %w: %v", id, kerr.ErrTransientIO, err)
	}

	err = file.Close()
	if err != nil {
		return fmt.Errorf("write page %d: %w: %v", id, kerr.ErrTransientIO, err)
	}

	s.dirty[id] = struct{}{}

	return nil
}

// readChain materializes the document stored in the chain at head.
func (s *Store) readChain(head uint64) (*types.Document, int, error) {
	var payload []byte

	pages := 0
	next := head

	for next != 0 {
		p, err := s.readPage(next)
		if err != nil {
			return nil, 0, err
		}

		if pages == 0 && p.kind != PageDocHead {
			return nil, 0, fmt.Errorf("page %d: %w: chain head has kind %d",
				next, kerr.ErrCorruption, p.kind)
		}

		payload = append(payload, p.payload...)
		pages++
		next = p.next

		if pages > 1_000_000 {
			return nil, 0, fmt.Errorf("chain from page %d: %w: cycle", head, kerr.ErrCorruption)
		}
	}

	doc, err := decodeDocument(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("chain from page %d: %w: %v", head, kerr.ErrCorruption, err)
	}

	return doc, pages, nil
}

// writeChain splits payload across freshly allocated pages and writes them,
// returning the head page id and the page count. Caller holds writeMu.
func (s *Store) writeChain(payload []byte) (uint64, int, error) {
	chunks := (len(payload) + PagePayload - 1) / PagePayload
	if chunks == 0 {
		chunks = 1
	}

	s.mu.Lock()
	ids := make([]uint64, chunks)
	for i := range ids {
		ids[i] = s.nextPage
		s.nextPage++
	}
	s.mu.Unlock()

	for i := 0; i < chunks; i++ {
		lo := i * PagePayload
		hi := min(lo+PagePayload, len(payload))

		kind := PageDocChain
		if i == 0 {
			kind = PageDocHead
		}

		var next uint64
		if i+1 < chunks {
			next = ids[i+1]
		}

		err := s.writePage(ids[i], page{kind: kind, next: next, payload: payload[lo:hi]})
		if err != nil {
			return 0, 0, err
		}
	}

	return ids[0], chunks, nil
}

// LSN returns the last assigned log sequence number; it identifies the
// storage generation index snapshots are stamped with.
func (s *Store) LSN() uint64 {
	return s.log.NextLSN() - 1
}

// Close flushes and closes the WAL. The store is unusable afterwards.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return nil
	}

	s.closed = true
	s.mu.Unlock()

	err := s.log.Close()
	if err != nil {
		return fmt.Errorf("close pagestore: %w", err)
	}

	return nil
}

var errClosed = errors.New("pagestore is closed")

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errClosed
	}

	return nil
}
