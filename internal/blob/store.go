// Package blob persists scan payloads as files on disk.
//
// Blobs are laid out under time-partitioned directories derived from the
// scan's capture timestamp in UTC:
//
//	<root>/<YYYY>/<MM>/<DD>/<HH>/<scanId>.scan
//
// The stored payload is the scan's encoded frame, byte for byte.
package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/pointsink/pointsink/config"
	"github.com/pointsink/pointsink/internal/codec"
	"github.com/pointsink/pointsink/internal/types"
)

// Store writes and removes scan blobs under a single root directory.
type Store struct {
	root string

	writeCount  atomic.Int64
	removeCount atomic.Int64
	byteCount   atomic.Int64
}

// WriteResult describes one persisted blob.
type WriteResult struct {
	// Path is relative to the store root, suitable for the metastore.
	Path string
	// SizeBytes is the exact encoded payload size.
	SizeBytes int64
}

// New creates a blob store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("blob root is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// PathFor returns the root-relative blob path for a scan.
func (s *Store) PathFor(scan *types.Scan) string {
	ts := scan.Time()
	return filepath.Join(
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", int(ts.Month())),
		fmt.Sprintf("%02d", ts.Day()),
		fmt.Sprintf("%02d", ts.Hour()),
		scan.ScanID+config.BlobExtension,
	)
}

// Write encodes the scan and persists it at its time-partitioned path.
// Writing a path that already exists overwrites it and is a success:
// encoding is deterministic for a given scan, so rewriting the same scan id
// converges on the same content.
func (s *Store) Write(scan *types.Scan) (WriteResult, error) {
	payload, err := codec.EncodeScan(scan)
	if err != nil {
		return WriteResult{}, fmt.Errorf("encode scan %s: %w", scan.ScanID, err)
	}

	rel := s.PathFor(scan)
	abs := filepath.Join(s.root, rel)

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return WriteResult{}, fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.WriteFile(abs, payload, 0644); err != nil {
		return WriteResult{}, fmt.Errorf("write blob %s: %w", rel, err)
	}

	s.writeCount.Add(1)
	s.byteCount.Add(int64(len(payload)))
	return WriteResult{Path: rel, SizeBytes: int64(len(payload))}, nil
}

// Read loads and decodes the blob at a root-relative path.
func (s *Store) Read(rel string) (*types.Scan, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", rel, err)
	}
	return codec.DecodeScan(data)
}

// Remove deletes the blob at a root-relative path. A missing file is not an
// error; retention may race a crashed partial write.
func (s *Store) Remove(rel string) error {
	abs, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("remove blob %s: %w", rel, err)
	}
	s.removeCount.Add(1)
	return nil
}

// resolve joins a root-relative path and rejects escapes from the root.
func (s *Store) resolve(rel string) (string, error) {
	clean := filepath.Clean(rel)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob path %q", rel)
	}
	return filepath.Join(s.root, clean), nil
}

// Stats returns blob store statistics.
func (s *Store) Stats() StoreStats {
	return StoreStats{
		Writes:       s.writeCount.Load(),
		Removes:      s.removeCount.Load(),
		BytesWritten: s.byteCount.Load(),
	}
}

// StoreStats holds blob store statistics.
type StoreStats struct {
	Writes       int64
	Removes      int64
	BytesWritten int64
}
