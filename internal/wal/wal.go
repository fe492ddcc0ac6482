// Package wal implements the segmented write-ahead log that orders every
// state change in the storage engine.
//
// Records are length-prefixed, CRC32C-checksummed, little-endian, and carry
// a monotonically increasing LSN. Segments are append-only files named by
// the first LSN they hold, rotated by size, and truncated below the last
// checkpoint. During recovery the log is scanned forward; the first record
// failing a length or CRC check is treated as a torn tail and everything
// from it on is discarded.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jayminwest/kotadb/internal/kerr"
	"github.com/jayminwest/kotadb/pkg/fs"
)

// Kind identifies a WAL record type.
type Kind uint8

// WAL record kinds.
const (
	KindBegin Kind = iota + 1
	KindPut
	KindDelete
	KindCommit
	KindCheckpoint
)

// Format constants.
const (
	// Version is stored in every record; a mismatch fails Open loudly.
	Version = 1

	segmentSuffix = ".log"
	segmentPerms  = 0o600

	// recordHeaderSize is length (4) + crc (4).
	recordHeaderSize = 8

	// maxRecordBytes bounds a single record body; anything larger in a
	// length prefix is treated as a torn tail.
	maxRecordBytes = 16 << 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is one WAL entry. Fields beyond LSN, Kind, and Txn are populated
// per kind: Put uses DocID/Path/HeadPage/PageCount, Delete uses DocID,
// Checkpoint uses Snapshot.
type Record struct {
	LSN  uint64
	Kind Kind
	Txn  uint64

	DocID     [16]byte
	Path      string
	HeadPage  uint64
	PageCount uint32

	// Snapshot identifies the page-directory snapshot a checkpoint refers to.
	Snapshot uint64
}

// Log is an open write-ahead log.
//
// A single writer appends under an internal mutex; the engine serializes
// writers above this anyway. Readers replay only during recovery, before
// the engine accepts traffic.
type Log struct {
	fsys         fs.FS
	dir          string
	segmentBytes int64
	fsyncOnWrite bool

	mu       sync.Mutex
	active   fs.File
	activeID uint64 // first LSN of the active segment
	written  int64  // bytes appended to the active segment
	nextLSN  uint64
}

// Options configure a Log.
type Options struct {
	// SegmentBytes rotates the active segment once it exceeds this size.
	SegmentBytes int64

	// FsyncOnWrite fsyncs after every Sync call. Disabled only by the
	// fsync_on_commit=false configuration.
	FsyncOnWrite bool
}

// Open scans dir for existing segments, locates the tail, and prepares the
// log for appending. The directory is created if missing. The next LSN
// continues after the last well-formed record.
func Open(fsys fs.FS, dir string, opts Options) (*Log, error) {
	if opts.SegmentBytes <= 0 {
		return nil, fmt.Errorf("open wal: %w: segment size must be positive", kerr.ErrConfig)
	}

	err := fsys.MkdirAll(dir, 0o750)
	if err != nil {
		return nil, fmt.Errorf("open wal: create dir: %w", err)
	}

	log := &Log{
		fsys:         fsys,
		dir:          dir,
		segmentBytes: opts.SegmentBytes,
		fsyncOnWrite: opts.FsyncOnWrite,
		nextLSN:      1,
	}

	ids, err := log.segmentIDs()
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	if len(ids) == 0 {
		err = log.startSegment(log.nextLSN)
		if err != nil {
			return nil, fmt.Errorf("open wal: %w", err)
		}

		return log, nil
	}

	// The tail segment decides the next LSN. Torn bytes after the last
	// well-formed record are chopped so appends continue cleanly.
	tail := ids[len(ids)-1]

	lastLSN, validBytes, err := scanSegment(fsys, log.segmentPath(tail), nil)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	if lastLSN >= log.nextLSN {
		log.nextLSN = lastLSN + 1
	}

	if lastLSN == 0 && tail >= log.nextLSN {
		// Empty tail segment created right before a crash.
		log.nextLSN = tail
	}

	file, err := fsys.OpenFile(log.segmentPath(tail), os.O_RDWR, segmentPerms)
	if err != nil {
		return nil, fmt.Errorf("open wal: open tail: %w", err)
	}

	err = file.Truncate(validBytes)
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("open wal: truncate torn tail: %w", err)
	}

	_, err = file.Seek(0, io.SeekEnd)
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("open wal: seek tail: %w", err)
	}

	log.active = file
	log.activeID = tail
	log.written = validBytes

	return log, nil
}

// Append encodes rec, assigns it the next LSN, and writes it to the active
// segment, rotating first if the segment is full. Returns the assigned LSN.
//
// Durability requires a subsequent [Log.Sync]; Append alone only orders.
func (l *Log) Append(rec Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active == nil {
		return 0, errors.New("append wal: log is closed")
	}

	if l.written >= l.segmentBytes {
		err := l.rotateLocked()
		if err != nil {
			return 0, fmt.Errorf("append wal: %w", err)
		}
	}

	rec.LSN = l.nextLSN

	buf := encodeRecord(rec)

	n, err := l.active.Write(buf)
	if err != nil {
		// Roll the file back to the last record boundary so a retried
		// append does not land behind torn bytes.
		if n > 0 {
			if truncErr := l.active.Truncate(l.written); truncErr == nil {
				_, _ = l.active.Seek(0, io.SeekEnd)
			}
		}

		return 0, fmt.Errorf("append wal: %w: %v", kerr.ErrTransientIO, err)
	}

	l.written += int64(n)
	l.nextLSN++

	return rec.LSN, nil
}

// Sync forces the active segment to stable storage. No-op when fsync is
// disabled by configuration.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active == nil {
		return errors.New("sync wal: log is closed")
	}

	if !l.fsyncOnWrite {
		return nil
	}

	err := l.active.Sync()
	if err != nil {
		return fmt.Errorf("sync wal: %w: %v", kerr.ErrTransientIO, err)
	}

	return nil
}

// NextLSN returns the LSN the next Append will receive.
func (l *Log) NextLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.nextLSN
}

// Replay scans all segments forward and invokes fn for each well-formed
// record with LSN >= from, stopping silently at the first torn record.
// fn errors abort the replay.
func (l *Log) Replay(from uint64, fn func(Record) error) error {
	ids, err := l.segmentIDs()
	if err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}

	for i, id := range ids {
		// Skip segments that end before the replay point: a segment's
		// records all precede the next segment's first LSN.
		if i+1 < len(ids) && ids[i+1] <= from {
			continue
		}

		_, _, err = scanSegment(l.fsys, l.segmentPath(id), func(rec Record) error {
			if rec.LSN < from {
				return nil
			}

			return fn(rec)
		})
		if err != nil {
			return fmt.Errorf("replay wal: %w", err)
		}
	}

	return nil
}

// Checkpoint seals the active segment, starts a fresh one, and removes
// segments whose records all precede lsn. Called by the engine after dirty
// pages are flushed and the checkpoint record is durable.
func (l *Log) Checkpoint(lsn uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active == nil {
		return errors.New("checkpoint wal: log is closed")
	}

	err := l.rotateLocked()
	if err != nil {
		return fmt.Errorf("checkpoint wal: %w", err)
	}

	ids, err := l.segmentIDs()
	if err != nil {
		return fmt.Errorf("checkpoint wal: %w", err)
	}

	for i, id := range ids {
		// A segment's records all precede the next segment's first LSN, so
		// it is removable once that first LSN is at most lsn+1.
		if i+1 >= len(ids) || ids[i+1] > lsn+1 {
			break
		}

		err = l.fsys.Remove(l.segmentPath(id))
		if err != nil {
			return fmt.Errorf("checkpoint wal: recycle segment %d: %w", id, err)
		}
	}

	return nil
}

// Close syncs and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active == nil {
		return nil
	}

	var errs []error

	if l.fsyncOnWrite {
		if err := l.active.Sync(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := l.active.Close(); err != nil {
		errs = append(errs, err)
	}

	l.active = nil

	if len(errs) > 0 {
		return fmt.Errorf("close wal: %w", errors.Join(errs...))
	}

	return nil
}

// rotateLocked seals the active segment and starts a new one whose id is
// the next LSN. Caller holds l.mu.
func (l *Log) rotateLocked() error {
	if l.fsyncOnWrite {
		err := l.active.Sync()
		if err != nil {
			return fmt.Errorf("rotate: sync sealed segment: %w", err)
		}
	}

	err := l.active.Close()
	if err != nil {
		return fmt.Errorf("rotate: close sealed segment: %w", err)
	}

	l.active = nil

	return l.startSegment(l.nextLSN)
}

func (l *Log) startSegment(id uint64) error {
	file, err := l.fsys.OpenFile(l.segmentPath(id), os.O_RDWR|os.O_CREATE|os.O_EXCL, segmentPerms)
	if err != nil {
		return fmt.Errorf("start segment %d: %w", id, err)
	}

	l.active = file
	l.activeID = id
	l.written = 0

	return nil
}

func (l *Log) segmentPath(id uint64) string {
	return filepath.Join(l.dir, fmt.Sprintf("%020d%s", id, segmentSuffix))
}

// segmentIDs lists existing segment ids in ascending order.
func (l *Log) segmentIDs() ([]uint64, error) {
	entries, err := l.fsys.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	ids := make([]uint64, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}

		id, parseErr := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64)
		if parseErr != nil {
			continue // foreign file, not ours
		}

		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids, nil
}

// scanSegment reads records forward, calling fn (when non-nil) for each
// well-formed record. It returns the last valid LSN seen and the byte
// offset where valid data ends; torn bytes after that offset are the
// caller's to discard.
func scanSegment(fsys fs.FS, path string, fn func(Record) error) (uint64, int64, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("scan segment %s: %w", path, err)
	}

	var (
		lastLSN uint64
		offset  int64
	)

	for int(offset)+recordHeaderSize <= len(data) {
		body, ok := sliceRecord(data[offset:])
		if !ok {
			break // torn tail
		}

		rec, decErr := decodeRecord(body)
		if decErr != nil {
			if errors.Is(decErr, kerr.ErrCorruption) {
				// Length and CRC are intact, so this is a record of another
				// format version, not a torn write: fail instead of truncating.
				return lastLSN, offset, fmt.Errorf("scan segment %s: %w", path, decErr)
			}

			break // torn or foreign bytes; recovery stops here
		}

		if fn != nil {
			err = fn(rec)
			if err != nil {
				return lastLSN, offset, err
			}
		}

		lastLSN = rec.LSN
		offset += int64(recordHeaderSize + len(body))
	}

	return lastLSN, offset, nil
}

// sliceRecord validates the length prefix and CRC of the record at the
// start of data, returning the body bytes.
func sliceRecord(data []byte) ([]byte, bool) {
	length := binary.LittleEndian.Uint32(data[0:4])
	crc := binary.LittleEndian.Uint32(data[4:8])

	if length == 0 || length > maxRecordBytes {
		return nil, false
	}

	end := recordHeaderSize + int(length)
	if end > len(data) {
		return nil, false
	}

	body := data[recordHeaderSize:end]
	if crc32.Checksum(body, castagnoli) != crc {
		return nil, false
	}

	return body, true
}

// encodeRecord serializes a record with its length + CRC header.
//
// Body layout (little-endian):
//
//	version u8 | kind u8 | lsn u64 | txn u64 | kind-specific fields
func encodeRecord(rec Record) []byte {
	body := make([]byte, 0, 64+len(rec.Path))

	body = append(body, Version, byte(rec.Kind))
	body = binary.LittleEndian.AppendUint64(body, rec.LSN)
	body = binary.LittleEndian.AppendUint64(body, rec.Txn)

	switch rec.Kind {
	case KindPut:
		body = append(body, rec.DocID[:]...)
		body = binary.LittleEndian.AppendUint16(body, uint16(len(rec.Path)))
		body = append(body, rec.Path...)
		body = binary.LittleEndian.AppendUint64(body, rec.HeadPage)
		body = binary.LittleEndian.AppendUint32(body, rec.PageCount)
	case KindDelete:
		body = append(body, rec.DocID[:]...)
	case KindCheckpoint:
		body = binary.LittleEndian.AppendUint64(body, rec.Snapshot)
	case KindBegin, KindCommit:
		// header only
	}

	buf := make([]byte, 0, recordHeaderSize+len(body))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
	buf = binary.LittleEndian.AppendUint32(buf, crc32.Checksum(body, castagnoli))
	buf = append(buf, body...)

	return buf
}

func decodeRecord(body []byte) (Record, error) {
	const minBody = 2 + 8 + 8

	if len(body) < minBody {
		return Record{}, errors.New("decode record: short body")
	}

	if body[0] != Version {
		return Record{}, fmt.Errorf("decode record: %w: version %d, want %d",
			kerr.ErrCorruption, body[0], Version)
	}

	rec := Record{
		Kind: Kind(body[1]),
		LSN:  binary.LittleEndian.Uint64(body[2:10]),
		Txn:  binary.LittleEndian.Uint64(body[10:18]),
	}

	rest := body[18:]

	switch rec.Kind {
	case KindPut:
		if len(rest) < 16+2 {
			return Record{}, errors.New("decode put: short body")
		}

		copy(rec.DocID[:], rest[:16])
		pathLen := int(binary.LittleEndian.Uint16(rest[16:18]))
		rest = rest[18:]

		if len(rest) < pathLen+12 {
			return Record{}, errors.New("decode put: short path")
		}

		rec.Path = string(rest[:pathLen])
		rec.HeadPage = binary.LittleEndian.Uint64(rest[pathLen : pathLen+8])
		rec.PageCount = binary.LittleEndian.Uint32(rest[pathLen+8 : pathLen+12])
	case KindDelete:
		if len(rest) < 16 {
			return Record{}, errors.New("decode delete: short body")
		}

		copy(rec.DocID[:], rest[:16])
	case KindCheckpoint:
		if len(rest) < 8 {
			return Record{}, errors.New("decode checkpoint: short body")
		}

		rec.Snapshot = binary.LittleEndian.Uint64(rest[:8])
	case KindBegin, KindCommit:
		// header only
	default:
		return Record{}, fmt.Errorf("decode record: unknown kind %d", rec.Kind)
	}

	return rec, nil
}
