package cache

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/reinfolib-cache/pkg/request"
)

const (
	entrySuffix = ".entry"
	tempPrefix  = ".tmp-"

	// recordVersion is bumped when the on-disk header changes shape.
	recordVersion = 1

	// maxHeaderSize bounds the JSON header line of an entry file.
	maxHeaderSize = 4 << 10

	// staleTempAge is how old an orphaned temp file must be before the
	// sweeper removes it.
	staleTempAge = time.Hour
)

// diskRecord is the header line of an entry file. Everything needed to
// compute expiry lives here so the sweeper never touches the payload.
type diskRecord struct {
	Version     int              `json:"v"`
	Key         string           `json:"key"`
	Class       request.TTLClass `json:"class"`
	ContentType string           `json:"content_type"`
	CreatedAt   time.Time        `json:"created_at"`
	TTL         time.Duration    `json:"ttl"`
	Size        int64            `json:"size"`
}

func (r diskRecord) expired(now time.Time) bool {
	return !now.Before(r.CreatedAt.Add(r.TTL))
}

// DiskTier stores entries as files addressed by their cache key:
//
//	<dir>/<key[0:2]>/<key>.entry
//
// Each file is one JSON header line followed by the raw payload. Files are
// written to a temp file and renamed into place, so a reader sees either the
// complete previous entry or the complete new one.
type DiskTier struct {
	dir string
	now func() time.Time

	// bytes is the size of all entry files under dir.
	bytes atomic.Int64

	mu    sync.Mutex
	locks map[request.Key]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// NewDiskTier creates (if needed) dir and returns a disk tier rooted there.
func NewDiskTier(dir string, now func() time.Time) (*DiskTier, error) {
	if dir == "" {
		return nil, errors.New("disk tier directory required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	d := &DiskTier{
		dir:   abs,
		now:   now,
		locks: make(map[request.Key]*entryLock),
	}
	// Entries may survive a restart; start the byte count from what is there.
	var total int64
	filepath.WalkDir(abs, func(path string, de fs.DirEntry, err error) error {
		if err != nil || de.IsDir() || !strings.HasSuffix(de.Name(), entrySuffix) {
			return nil
		}
		if info, err := de.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	d.addBytes(total)
	return d, nil
}

// Dir returns the absolute root directory.
func (d *DiskTier) Dir() string { return d.dir }

// Get reads the entry for key. Returns ErrCacheMiss when the file is absent
// or expired; expired files are removed on the way out.
func (d *DiskTier) Get(ctx context.Context, key request.Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(d.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("%w: open entry: %v", ErrCache, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	rec, err := readRecord(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if rec.Key != key.String() {
		return nil, fmt.Errorf("%w: key mismatch", ErrInvalidEntry)
	}

	if rec.expired(d.now()) {
		// The handle is already open, so removing the path cannot tear this read.
		d.removeIfExpired(key)
		CacheEvictions.WithLabelValues(string(TierDisk), "expired").Inc()
		return nil, ErrCacheMiss
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read payload: %v", ErrCache, err)
	}
	if int64(len(payload)) != rec.Size {
		return nil, fmt.Errorf("%w: payload size %d, header says %d", ErrInvalidEntry, len(payload), rec.Size)
	}

	return &Entry{
		Key:         key,
		Payload:     payload,
		ContentType: rec.ContentType,
		Class:       rec.Class,
		CreatedAt:   rec.CreatedAt,
		TTL:         rec.TTL,
		Size:        rec.Size,
		Tier:        TierDisk,
	}, nil
}

// Put writes entry atomically, replacing any previous file for the key.
func (d *DiskTier) Put(ctx context.Context, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := d.lockEntry(entry.Key)
	defer unlock()

	target := d.path(entry.Key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("%w: create shard dir: %v", ErrCache, err)
	}

	header, err := json.Marshal(diskRecord{
		Version:     recordVersion,
		Key:         entry.Key.String(),
		Class:       entry.Class,
		ContentType: entry.ContentType,
		CreatedAt:   entry.CreatedAt,
		TTL:         entry.TTL,
		Size:        int64(len(entry.Payload)),
	})
	if err != nil {
		return fmt.Errorf("marshal disk record: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrCache, err)
	}
	tmpName := tmp.Name()

	err = writeEntryFile(tmp, header, entry.Payload)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: write entry: %v", ErrCache, err)
	}

	previous := fileSize(target)
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename entry: %v", ErrCache, err)
	}
	d.addBytes(int64(len(header)+1+len(entry.Payload)) - previous)

	return nil
}

func writeEntryFile(f *os.File, header, payload []byte) error {
	w := bufio.NewWriter(f)
	if _, err := w.Write(header); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// Remove deletes the entry for key. Idempotent.
func (d *DiskTier) Remove(key request.Key) error {
	unlock := d.lockEntry(key)
	defer unlock()

	path := d.path(key)
	size := fileSize(path)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: remove entry: %v", ErrCache, err)
	}
	d.addBytes(-size)
	return nil
}

// EvictExpired walks the tier and removes expired entries and orphaned temp
// files. It only reads header lines.
func (d *DiskTier) EvictExpired(ctx context.Context) (int, error) {
	now := d.now()
	removed := 0

	err := filepath.WalkDir(d.dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if de.IsDir() {
			return nil
		}

		name := de.Name()
		switch {
		case strings.HasPrefix(name, tempPrefix):
			if info, err := de.Info(); err == nil && now.Sub(info.ModTime()) > staleTempAge {
				os.Remove(path)
			}
		case strings.HasSuffix(name, entrySuffix):
			key, err := request.ParseKey(strings.TrimSuffix(name, entrySuffix))
			if err != nil {
				return nil
			}
			rec, err := d.readHeader(key)
			if err != nil || rec.expired(now) {
				if d.removeIfExpired(key) {
					removed++
				}
			}
		}
		return nil
	})
	if removed > 0 {
		CacheEvictions.WithLabelValues(string(TierDisk), "expired").Add(float64(removed))
	}
	if err != nil {
		return removed, fmt.Errorf("%w: sweep: %v", ErrCache, err)
	}
	return removed, nil
}

// Clear removes every entry file under the tier root.
func (d *DiskTier) Clear() error {
	shards, err := os.ReadDir(d.dir)
	if err != nil {
		return fmt.Errorf("%w: read cache dir: %v", ErrCache, err)
	}
	var errs []error
	for _, shard := range shards {
		if err := os.RemoveAll(filepath.Join(d.dir, shard.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: clear: %v", ErrCache, errors.Join(errs...))
	}
	d.bytes.Store(0)
	CacheSize.WithLabelValues(string(TierDisk)).Set(0)
	return nil
}

// Bytes returns the size of all entry files, headers included.
func (d *DiskTier) Bytes() int64 { return d.bytes.Load() }

func (d *DiskTier) addBytes(delta int64) {
	CacheSize.WithLabelValues(string(TierDisk)).Set(float64(d.bytes.Add(delta)))
}

// fileSize returns 0 for missing files.
func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// removeIfExpired re-reads the header under the entry lock so that a fresh
// entry written concurrently is never deleted. Unreadable entries are removed.
func (d *DiskTier) removeIfExpired(key request.Key) bool {
	unlock := d.lockEntry(key)
	defer unlock()

	rec, err := d.readHeader(key)
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	if err == nil && !rec.expired(d.now()) {
		return false
	}
	path := d.path(key)
	size := fileSize(path)
	if os.Remove(path) != nil {
		return false
	}
	d.addBytes(-size)
	return true
}

func (d *DiskTier) readHeader(key request.Key) (diskRecord, error) {
	f, err := os.Open(d.path(key))
	if err != nil {
		return diskRecord{}, err
	}
	defer f.Close()
	return readRecord(bufio.NewReaderSize(f, maxHeaderSize))
}

func readRecord(r *bufio.Reader) (diskRecord, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		return diskRecord{}, fmt.Errorf("read header: %w", err)
	}
	var rec diskRecord
	if err := json.Unmarshal(bytes.TrimSuffix(line, []byte("\n")), &rec); err != nil {
		return diskRecord{}, fmt.Errorf("decode header: %w", err)
	}
	if rec.Version != recordVersion {
		return diskRecord{}, fmt.Errorf("unsupported record version %d", rec.Version)
	}
	return rec, nil
}

func (d *DiskTier) lockEntry(key request.Key) func() {
	d.mu.Lock()
	lock := d.locks[key]
	if lock == nil {
		lock = &entryLock{}
		d.locks[key] = lock
	}
	lock.refs++
	d.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		d.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(d.locks, key)
		}
		d.mu.Unlock()
	}
}

func (d *DiskTier) path(key request.Key) string {
	name := key.String()
	return filepath.Join(d.dir, name[:2], name+entrySuffix)
}
