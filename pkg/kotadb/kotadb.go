package kotadb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/jayminwest/kotadb/internal/btree"
	"github.com/jayminwest/kotadb/internal/kerr"
	"github.com/jayminwest/kotadb/internal/pagestore"
	"github.com/jayminwest/kotadb/internal/trigram"
	"github.com/jayminwest/kotadb/internal/wrappers"
	"github.com/jayminwest/kotadb/pkg/fs"
)

// ErrClosed indicates an operation was attempted on a closed DB.
var ErrClosed = errors.New("kotadb closed")

// lockFileName guards the data directory against multi-process opens.
const lockFileName = "kotadb.lock"

// DB is an open KotaDB instance.
//
// # Concurrency
//
// Safe for concurrent use. An RWMutex coordinates in-process access and a
// flock on kotadb.lock coordinates across processes; the mutex is always
// acquired before the flock-guarded resources so goroutines queue on the
// mutex rather than the kernel. For any one document the effect order is
// WAL → pages → primary index → trigram index → cache publish; readers
// observe all of these or none.
type DB struct {
	cfg  Config
	fsys fs.FS
	log  *zap.Logger

	lock    *fs.DirLock
	store   *pagestore.Store
	tree    *btree.Tree
	index   *trigram.Index
	metrics *wrappers.Metrics

	storage  wrappers.Storage
	primary  wrappers.PrimaryIndex
	fulltext wrappers.FullTextIndex

	cachedStorage  *wrappers.CachedStorage
	cachedFullText *wrappers.CachedFullText

	mu     sync.RWMutex
	closed bool
}

// Option tweaks Open. Used by tests to inject a fault filesystem or a
// capturing logger; production callers rarely need either.
type Option func(*openState)

type openState struct {
	fsys fs.FS
	log  *zap.Logger
}

// WithFS substitutes the filesystem every layer performs I/O through.
func WithFS(fsys fs.FS) Option {
	return func(o *openState) { o.fsys = fsys }
}

// WithLogger injects the tracing logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *openState) { o.log = log }
}

// Open validates cfg, takes the directory lock, recovers storage from the
// WAL, loads or rebuilds both indexes, and composes the wrapper stack.
func Open(cfg Config, opts ...Option) (*DB, error) {
	const op = "open kotadb"

	state := &openState{fsys: fs.NewReal(), log: zap.NewNop()}
	for _, opt := range opts {
		opt(state)
	}

	err := cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	err = state.fsys.MkdirAll(cfg.DataDir, 0o750)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db := &DB{cfg: cfg, fsys: state.fsys, log: state.log}

	if !cfg.ReadOnly {
		db.lock, err = fs.AcquireDirLock(state.fsys, filepath.Join(cfg.DataDir, lockFileName))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	db.store, err = pagestore.Open(state.fsys, cfg.DataDir, pagestore.Options{
		WALSegmentBytes: cfg.WALSegmentBytes,
		FsyncOnCommit:   cfg.fsyncOnCommit(),
		CheckpointBytes: cfg.CheckpointIntervalBytes,
		ReadOnly:        cfg.ReadOnly,
	})
	if err != nil {
		db.releaseLock()

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	err = db.openIndexes()
	if err != nil {
		_ = db.store.Close()
		db.releaseLock()

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	err = db.compose()
	if err != nil {
		_ = db.store.Close()
		db.releaseLock()

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return db, nil
}

// openIndexes loads the persisted indexes, rebuilding both from storage
// when their stamps trail the storage generation (a crash between a commit
// and an index flush, or a torn index snapshot).
func (db *DB) openIndexes() error {
	lsn := db.store.LSN()

	tree, err := btree.Open(db.fsys, filepath.Join(db.cfg.DataDir, "btree"), db.cfg.BTreeFanout)
	if err != nil {
		if !errors.Is(err, kerr.ErrCorruption) {
			return err
		}

		db.log.Warn("primary index snapshot unreadable, rebuilding", zap.Error(err))

		tree, err = btree.New(db.fsys, filepath.Join(db.cfg.DataDir, "btree"), db.cfg.BTreeFanout)
		if err != nil {
			return err
		}
	}

	idxOpts := trigram.Options{
		ShortThreshold: db.cfg.TrigramScoreThresholdShort,
		LongThreshold:  db.cfg.TrigramScoreThresholdLong,
	}

	index, err := trigram.Open(db.fsys, filepath.Join(db.cfg.DataDir, "trigram"), idxOpts)
	if err != nil {
		if !errors.Is(err, kerr.ErrCorruption) {
			return err
		}

		db.log.Warn("trigram snapshot unreadable, rebuilding", zap.Error(err))

		index = trigram.NewIndex(idxOpts)
	}

	db.tree = tree
	db.index = index

	if tree.Stamp() == lsn && index.Stamp() == lsn {
		return nil
	}

	return db.rebuildIndexes(lsn)
}

// rebuildIndexes reconstructs both indexes from the recovered storage
// state. Storage is the source of truth; the indexes are derived and
// always rebuildable.
func (db *DB) rebuildIndexes(lsn uint64) error {
	db.log.Info("rebuilding indexes from storage",
		zap.Uint64("lsn", lsn),
		zap.Int("documents", db.store.Count()))

	tree, err := btree.New(db.fsys, filepath.Join(db.cfg.DataDir, "btree"), db.cfg.BTreeFanout)
	if err != nil {
		return err
	}

	index := trigram.NewIndex(trigram.Options{
		ShortThreshold: db.cfg.TrigramScoreThresholdShort,
		LongThreshold:  db.cfg.TrigramScoreThresholdLong,
	})

	ctx := context.Background()

	docs, err := db.store.List(ctx, 0, 0)
	if err != nil {
		return fmt.Errorf("rebuild indexes: %w", err)
	}

	for _, doc := range docs {
		err = tree.Insert(doc.Path, doc.ID)
		if err != nil {
			return fmt.Errorf("rebuild indexes: %w", err)
		}

		if utf8.Valid(doc.Content) {
			err = index.InsertWithContent(doc.ID, string(doc.Content))
			if err != nil {
				return fmt.Errorf("rebuild indexes: %w", err)
			}
		}
	}

	db.tree = tree
	db.index = index

	if db.cfg.ReadOnly {
		return nil
	}

	err = tree.Flush(lsn)
	if err != nil {
		return err
	}

	return index.Flush(db.fsys, filepath.Join(db.cfg.DataDir, "trigram"), lsn)
}

// compose applies the wrapper stack, outermost first:
// tracing → validation → retry → cache → metering.
func (db *DB) compose() error {
	db.metrics = wrappers.NewMetrics()

	var storage wrappers.Storage = wrappers.NewMeteredStorage(db.store, db.metrics)

	cached, err := wrappers.NewCachedStorage(storage, db.cfg.CacheCapacity)
	if err != nil {
		return err
	}

	db.cachedStorage = cached
	storage = cached

	storage = wrappers.NewRetriedStorage(storage, wrappers.RetryPolicy{
		MaxAttempts:    db.cfg.RetryMaxAttempts,
		InitialBackoff: time.Duration(db.cfg.RetryInitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(db.cfg.RetryMaxBackoffMs) * time.Millisecond,
	})
	storage = wrappers.NewValidatedStorage(storage)
	db.storage = wrappers.NewTracedStorage(storage, db.log)

	var primary wrappers.PrimaryIndex = wrappers.NewMeteredPrimary(db.tree, db.metrics)
	primary = wrappers.NewValidatedPrimary(primary)
	db.primary = wrappers.NewTracedPrimary(primary, db.log)

	var fulltext wrappers.FullTextIndex = wrappers.NewMeteredFullText(db.index, db.metrics)

	cachedFT, err := wrappers.NewCachedFullText(fulltext, db.cfg.CacheCapacity)
	if err != nil {
		return err
	}

	db.cachedFullText = cachedFT
	fulltext = cachedFT

	db.fulltext = wrappers.NewTracedFullText(fulltext, db.log)

	return nil
}

// Metrics exposes the stack's metrics snapshot surface.
func (db *DB) Metrics() *wrappers.Metrics {
	return db.metrics
}

// Close flushes both indexes, closes storage, and releases the directory
// lock. Safe to call twice.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}

	db.closed = true

	var errs []error

	if !db.cfg.ReadOnly {
		lsn := db.store.LSN()

		if err := db.tree.Flush(lsn); err != nil {
			errs = append(errs, err)
		}

		if err := db.index.Flush(db.fsys, filepath.Join(db.cfg.DataDir, "trigram"), lsn); err != nil {
			errs = append(errs, err)
		}
	}

	if err := db.store.Close(); err != nil {
		errs = append(errs, err)
	}

	if db.cachedStorage != nil {
		db.cachedStorage.Close()
	}

	if db.cachedFullText != nil {
		db.cachedFullText.Close()
	}

	db.releaseLock()

	if len(errs) > 0 {
		return fmt.Errorf("close kotadb: %w", errors.Join(errs...))
	}

	return nil
}

func (db *DB) releaseLock() {
	if db.lock != nil {
		_ = db.lock.Close()
		db.lock = nil
	}
}

// checkOpen guards every public call. Caller must not hold db.mu.
func (db *DB) checkOpen() error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return ErrClosed
	}

	return nil
}
