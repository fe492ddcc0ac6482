package pagestore

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/jayminwest/kotadb/internal/kerr"
	"github.com/jayminwest/kotadb/internal/wal"
	"github.com/jayminwest/kotadb/pkg/types"
)

// Insert persists a new document. Fails with [kerr.ErrAlreadyExists] if the
// id is present. The document is durable once a subsequent Flush returns,
// or immediately when fsync-on-commit is enabled (the default).
//
// Effect order: pages are written first, then the WAL put + commit make the
// transaction real, then the directory publishes the mapping to readers.
func (s *Store) Insert(ctx context.Context, doc *types.Document) error {
	const op = "insert"

	if err := s.begin(ctx, op); err != nil {
		return err
	}

	if err := doc.Validate(); err != nil {
		return kerr.Wrap(op, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	_, exists := s.dir[doc.ID]
	s.mu.RUnlock()

	if exists {
		return fmt.Errorf("%s %s: %w", op, doc.ID, kerr.ErrAlreadyExists)
	}

	return s.commitPut(op, doc, 0)
}

// Update replaces the stored document with doc. Fails with
// [kerr.ErrNotFound] if the id is absent. CreatedAt is preserved from the
// stored version; ModifiedAt is bumped monotonically.
func (s *Store) Update(ctx context.Context, doc *types.Document) error {
	const op = "update"

	if err := s.begin(ctx, op); err != nil {
		return err
	}

	if err := doc.Validate(); err != nil {
		return kerr.Wrap(op, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	old, exists := s.dir[doc.ID]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%s %s: %w", op, doc.ID, kerr.ErrNotFound)
	}

	// The stored created_at wins over whatever a fresh builder supplied,
	// and modified_at never moves backwards.
	stored := *doc

	createdAt, err := types.ParseTimestamp(old.created)
	if err != nil {
		return kerr.Wrap(op, err)
	}

	stored.CreatedAt = createdAt

	now := types.NowTimestamp()
	if now.Before(stored.ModifiedAt) {
		now = stored.ModifiedAt
	}

	if now.Before(stored.CreatedAt) {
		now = stored.CreatedAt
	}

	stored.ModifiedAt = now

	return s.commitPut(op, &stored, old.head)
}

// commitPut writes the page chain, logs the transaction, and publishes the
// mapping. oldHead, when non-zero, is the replaced chain to deallocate at
// the next checkpoint. Caller holds writeMu.
func (s *Store) commitPut(op string, doc *types.Document, oldHead uint64) error {
	payload := encodeDocument(doc)

	head, pages, err := s.writeChain(payload)
	if err != nil {
		return kerr.Wrap(op, err)
	}

	s.mu.Lock()
	txn := s.nextTxn
	s.nextTxn++
	s.mu.Unlock()

	var docID [16]byte
	copy(docID[:], doc.ID.Bytes())

	_, err = s.log.Append(wal.Record{Kind: wal.KindBegin, Txn: txn})
	if err != nil {
		return kerr.Wrap(op, err)
	}

	_, err = s.log.Append(wal.Record{
		Kind:      wal.KindPut,
		Txn:       txn,
		DocID:     docID,
		Path:      doc.Path.String(),
		HeadPage:  head,
		PageCount: uint32(pages),
	})
	if err != nil {
		return kerr.Wrap(op, err)
	}

	_, err = s.log.Append(wal.Record{Kind: wal.KindCommit, Txn: txn})
	if err != nil {
		return kerr.Wrap(op, err)
	}

	err = s.log.Sync()
	if err != nil {
		return kerr.Wrap(op, err)
	}

	// Commit point passed: publish to readers.
	s.mu.Lock()
	if oldHead != 0 {
		s.freeChainPages(oldHead)
	}

	s.dir[doc.ID] = entry{
		head:    head,
		pages:   uint32(pages),
		created: doc.CreatedAt.Unix(),
		bytes:   doc.Size.Bytes(),
	}
	delete(s.quarantined, doc.ID)

	s.sinceCkptBytes += int64(len(payload))
	trigger := s.opts.CheckpointBytes > 0 && s.sinceCkptBytes >= s.opts.CheckpointBytes
	s.mu.Unlock()

	if trigger {
		err = s.checkpointLocked()
		if err != nil {
			return kerr.Wrap(op, err)
		}
	}

	return nil
}

// Get returns the document for id, or (nil, nil) when absent. A document
// whose pages fail their checksum is quarantined: the first read reports
// [kerr.ErrCorruption] and later reads fail fast.
func (s *Store) Get(ctx context.Context, id types.DocumentID) (*types.Document, error) {
	const op = "get"

	if err := s.begin(ctx, op); err != nil {
		return nil, err
	}

	if id.IsZero() {
		return nil, kerr.Invalid(op, "nil document id")
	}

	s.mu.RLock()
	_, bad := s.quarantined[id]
	ent, exists := s.dir[id]
	s.mu.RUnlock()

	if bad {
		return nil, fmt.Errorf("%s %s: %w: quarantined", op, id, kerr.ErrCorruption)
	}

	if !exists {
		return nil, nil
	}

	doc, _, err := s.readChain(ent.head)
	if err != nil {
		s.mu.Lock()
		s.quarantined[id] = struct{}{}
		s.mu.Unlock()

		return nil, fmt.Errorf("%s %s: %w", op, id, err)
	}

	return doc, nil
}

// Delete removes the document for id. Returns false without error when the
// id is absent, making a second delete a no-op.
func (s *Store) Delete(ctx context.Context, id types.DocumentID) (bool, error) {
	const op = "delete"

	if err := s.begin(ctx, op); err != nil {
		return false, err
	}

	if id.IsZero() {
		return false, kerr.Invalid(op, "nil document id")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	ent, exists := s.dir[id]
	s.mu.RUnlock()

	if !exists {
		return false, nil
	}

	s.mu.Lock()
	txn := s.nextTxn
	s.nextTxn++
	s.mu.Unlock()

	var docID [16]byte
	copy(docID[:], id.Bytes())

	_, err := s.log.Append(wal.Record{Kind: wal.KindBegin, Txn: txn})
	if err != nil {
		return false, kerr.Wrap(op, err)
	}

	_, err = s.log.Append(wal.Record{Kind: wal.KindDelete, Txn: txn, DocID: docID})
	if err != nil {
		return false, kerr.Wrap(op, err)
	}

	_, err = s.log.Append(wal.Record{Kind: wal.KindCommit, Txn: txn})
	if err != nil {
		return false, kerr.Wrap(op, err)
	}

	err = s.log.Sync()
	if err != nil {
		return false, kerr.Wrap(op, err)
	}

	s.mu.Lock()
	s.freeChainPages(ent.head)
	delete(s.dir, id)
	delete(s.quarantined, id)
	s.mu.Unlock()

	return true, nil
}

// List returns documents ordered by created_at ascending, ties broken by
// id, windowed by offset and limit. A limit of zero means no cap.
func (s *Store) List(ctx context.Context, offset, limit int) ([]*types.Document, error) {
	const op = "list"

	if err := s.begin(ctx, op); err != nil {
		return nil, err
	}

	if offset < 0 || limit < 0 {
		return nil, kerr.Invalid(op, "negative offset or limit")
	}

	type keyed struct {
		id  types.DocumentID
		ent entry
	}

	s.mu.RLock()
	all := make([]keyed, 0, len(s.dir))
	for id, ent := range s.dir {
		all = append(all, keyed{id: id, ent: ent})
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].ent.created != all[j].ent.created {
			return all[i].ent.created < all[j].ent.created
		}

		return all[i].id.Compare(all[j].id) < 0
	})

	if offset >= len(all) {
		return nil, nil
	}

	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	docs := make([]*types.Document, 0, len(all))

	for _, k := range all {
		doc, _, err := s.readChain(k.ent.head)
		if err != nil {
			// A corrupt document drops out of listings; point reads on it
			// surface the corruption explicitly.
			continue
		}

		docs = append(docs, doc)
	}

	return docs, nil
}

// Flush fsyncs every page written since the last flush, then the WAL.
// On return all previously committed writes are durable.
func (s *Store) Flush(ctx context.Context) error {
	const op = "flush"

	if err := s.begin(ctx, op); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	s.mu.Lock()
	dirty := make([]uint64, 0, len(s.dirty))
	for id := range s.dirty {
		dirty = append(dirty, id)
	}
	s.mu.Unlock()

	for _, id := range dirty {
		err := s.syncPage(id)
		if err != nil {
			return err
		}
	}

	err := s.log.Sync()
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, id := range dirty {
		delete(s.dirty, id)
	}
	s.mu.Unlock()

	return nil
}

func (s *Store) syncPage(id uint64) error {
	file, err := s.fsys.Open(s.pagePath(id))
	if err != nil {
		// A dirty page that was freed and deallocated in the meantime.
		return nil //nolint:nilerr // freed pages have nothing to sync
	}

	err = file.Sync()
	closeErr := file.Close()

	if err != nil {
		return fmt.Errorf("sync page %d: %w: %v", id, kerr.ErrTransientIO, err)
	}

	if closeErr != nil {
		return fmt.Errorf("sync page %d: %w: %v", id, kerr.ErrTransientIO, closeErr)
	}

	return nil
}

// Checkpoint makes the current state a durable restart point: flushes dirty
// pages, snapshots the directory, logs and fsyncs a checkpoint record,
// publishes the manifest, truncates old WAL segments, and deallocates freed
// page chains.
func (s *Store) Checkpoint(ctx context.Context) error {
	const op = "checkpoint"

	if err := s.begin(ctx, op); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.checkpointLocked()
}

func (s *Store) checkpointLocked() error {
	const op = "checkpoint"

	err := s.flushLocked()
	if err != nil {
		return kerr.Wrap(op, err)
	}

	s.mu.Lock()
	snapID := s.snapshotID + 1
	dirCopy := make(map[types.DocumentID]entry, len(s.dir))
	for id, ent := range s.dir {
		dirCopy[id] = ent
	}
	freed := s.freed
	s.mu.Unlock()

	err = writeSnapshot(s.fsys, s.root, snapID, dirCopy)
	if err != nil {
		return kerr.Wrap(op, err)
	}

	s.mu.Lock()
	txn := s.nextTxn
	s.nextTxn++
	s.mu.Unlock()

	lsn, err := s.log.Append(wal.Record{Kind: wal.KindCheckpoint, Txn: txn, Snapshot: snapID})
	if err != nil {
		return kerr.Wrap(op, err)
	}

	err = s.log.Sync()
	if err != nil {
		return kerr.Wrap(op, err)
	}

	s.mu.Lock()
	m := manifest{
		snapshot:      snapID,
		checkpointLSN: lsn,
		nextPage:      s.nextPage,
		nextTxn:       s.nextTxn,
	}
	s.mu.Unlock()

	err = writeManifest(s.fsys, filepath.Join(s.root, manifestName), m)
	if err != nil {
		return kerr.Wrap(op, err)
	}

	err = s.log.Checkpoint(lsn)
	if err != nil {
		return kerr.Wrap(op, err)
	}

	// Deallocate replaced and deleted chains. Failures here leak files,
	// never correctness.
	for _, pageID := range freed {
		_ = s.fsys.Remove(s.pagePath(pageID))
	}

	if snapID > 1 {
		_ = s.fsys.Remove(snapshotPath(s.root, snapID-1))
	}

	s.mu.Lock()
	s.freed = nil
	s.snapshotID = snapID
	s.checkpointLSN = lsn
	s.sinceCkptBytes = 0
	s.mu.Unlock()

	return nil
}

// Count returns the number of live documents.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.dir)
}

// Bytes returns the total content bytes across live documents.
func (s *Store) Bytes() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total uint64
	for _, ent := range s.dir {
		total += ent.bytes
	}

	return total
}

// begin is the shared entry check: open store, live context, write allowed.
func (s *Store) begin(ctx context.Context, op string) error {
	if ctx == nil {
		return kerr.Invalid(op, "nil context")
	}

	if err := kerr.FromContext(ctx); err != nil {
		return kerr.Wrap(op, err)
	}

	if err := s.checkOpen(); err != nil {
		return kerr.Wrap(op, err)
	}

	if s.opts.ReadOnly {
		switch op {
		case "insert", "update", "delete", "flush", "checkpoint":
			return fmt.Errorf("%s: %w: store is read-only", op, kerr.ErrInvalidInput)
		}
	}

	return nil
}
