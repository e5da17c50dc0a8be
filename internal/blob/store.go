package blob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	DefaultMaxBytes = 512 << 20
	handlePrefix    = "file-"
	maxExtLen       = 16
)

var (
	ErrNotFound      = errors.New("blob not found")
	ErrTooLarge      = errors.New("blob exceeds size limit")
	ErrInvalidHandle = errors.New("invalid blob handle")
)

type Object struct {
	Handle    string
	Name      string
	Size      int64
	CreatedAt time.Time
}

// Store keeps uploaded files under dir/uploads and indexes them in
// dir/index.db.
type Store struct {
	dir      string
	db       *sql.DB
	maxBytes int64
	clock    clock.Clock
}

type Options struct {
	MaxBytes int64
	Clock    clock.Clock
}

func OpenStore(dir string, opts Options) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("storage dir is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, "uploads"), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{dir: dir, db: db, maxBytes: opts.MaxBytes, clock: opts.Clock}
	if s.maxBytes <= 0 {
		s.maxBytes = DefaultMaxBytes
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS blobs (
			handle TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			size INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_blobs_created ON blobs(created_at);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// Put copies r into a new blob named after name's extension. Nothing is kept
// when r is larger than the size limit.
func (s *Store) Put(ctx context.Context, name string, r io.Reader) (Object, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "upload"
	}
	handle := handlePrefix + uuid.NewString() + safeExt(name)

	tmp, err := os.CreateTemp(filepath.Join(s.dir, "uploads"), ".upload-*")
	if err != nil {
		return Object{}, err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	n, err := io.Copy(tmp, io.LimitReader(r, s.maxBytes+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return Object{}, fmt.Errorf("write blob: %w", err)
	}
	if n > s.maxBytes {
		return Object{}, fmt.Errorf("%s: %w", name, ErrTooLarge)
	}
	if err := os.Rename(tmpPath, s.path(handle)); err != nil {
		return Object{}, err
	}

	obj := Object{Handle: handle, Name: name, Size: n, CreatedAt: s.clock.Now().UTC()}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO blobs(handle, name, size, created_at) VALUES(?, ?, ?, ?)`,
		obj.Handle, obj.Name, obj.Size, obj.CreatedAt.UnixNano())
	if err != nil {
		_ = os.Remove(s.path(handle))
		return Object{}, fmt.Errorf("index blob: %w", err)
	}
	return obj, nil
}

func (s *Store) Stat(ctx context.Context, handle string) (Object, error) {
	if !validHandle(handle) {
		return Object{}, ErrInvalidHandle
	}
	var (
		obj     Object
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT handle, name, size, created_at FROM blobs WHERE handle = ?`, handle).
		Scan(&obj.Handle, &obj.Name, &obj.Size, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, err
	}
	obj.CreatedAt = time.Unix(0, created).UTC()
	return obj, nil
}

// Get returns the blob's metadata and an open reader the caller must close.
func (s *Store) Get(ctx context.Context, handle string) (Object, *os.File, error) {
	obj, err := s.Stat(ctx, handle)
	if err != nil {
		return Object{}, nil, err
	}
	f, err := os.Open(s.path(handle))
	if errors.Is(err, os.ErrNotExist) {
		return Object{}, nil, ErrNotFound
	}
	if err != nil {
		return Object{}, nil, err
	}
	return obj, f, nil
}

// Prune deletes blobs created before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT handle FROM blobs WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			_ = rows.Close()
			return 0, err
		}
		handles = append(handles, h)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, h := range handles {
		if err := os.Remove(s.path(h)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE handle = ?`, h); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Store) path(handle string) string {
	return filepath.Join(s.dir, "uploads", handle)
}

func validHandle(handle string) bool {
	if !strings.HasPrefix(handle, handlePrefix) {
		return false
	}
	if strings.ContainsAny(handle, `/\`) || strings.Contains(handle, "..") {
		return false
	}
	return filepath.Base(handle) == handle
}

func safeExt(name string) string {
	ext := filepath.Ext(name)
	if len(ext) < 2 || len(ext) > maxExtLen {
		return ""
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return ext
}
