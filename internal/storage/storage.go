// Package storage implements the file-backed ContentStorage collaborator
// described in spec.md §6: a multi-file, piece-addressable byte store that
// the orchestrator reads from (upload serving) and writes verified pieces
// into.
//
// Grounded on two teacher generations: internal/storage/storage.go's
// multi-file layout (setupFiles/datafile, piece spanning several files via
// WriteAt/ReadAt over absolute byte offsets) and pkg/storage/storage.go's
// single-file verify-then-flush idiom (buffer blocks in memory, hash the
// assembled piece, only touch disk once verified). This module merges both:
// multi-file layout plus a verified-write path, dropping the teacher's
// channel/worker-loop indirection (scheduler.BlockData/PieceResult) since
// the orchestrator in this module drives storage synchronously from its own
// single-threaded event loop per §5, not via a second independent queue.
package storage

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/prxssh/rabbit-engine/internal/engineerr"
	"github.com/prxssh/rabbit-engine/internal/meta"
)

// datafile is one on-disk file backing a span of the torrent's logical byte
// stream [offset, offset+length).
type datafile struct {
	f      *os.File
	path   string
	offset int64
	length int64
}

// Store is a file-backed implementation of the engine's ContentStorage
// contract (§6): open(files, pieceLength); read/write by piece+offset;
// writePiece; writePieceVerified; close.
type Store struct {
	downloadDir string
	pieceLen    int32
	totalSize   int64
	files       []*datafile
	retry       backoff.BackOff
}

// Open lays out (creating and pre-allocating as needed) the on-disk files
// described by files under root/name, and returns a Store ready to
// read/write by absolute piece index.
//
// root is the download directory; name is the torrent's display name, used
// as the top-level directory for multi-file torrents or the file name
// itself for single-file torrents.
func Open(root, name string, files []*meta.File, singleFileLength int64, pieceLen int32) (*Store, error) {
	if pieceLen <= 0 {
		return nil, fmt.Errorf("storage: piece length must be > 0")
	}

	dfs, total, err := setupFiles(root, name, files, singleFileLength)
	if err != nil {
		return nil, &engineerr.StorageError{Op: "open", Path: root, Err: err}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxElapsedTime = 0 // bounded by WithMaxRetries below, not by elapsed time

	return &Store{
		downloadDir: root,
		pieceLen:    pieceLen,
		totalSize:   total,
		files:       dfs,
		retry:       backoff.WithMaxRetries(eb, 1), // §7: retry once for transient writes
	}, nil
}

// Close closes every underlying file.
func (s *Store) Close() error {
	var first error
	for _, f := range s.files {
		if err := f.f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Read returns length bytes starting at (pieceIndex, begin) within the
// logical byte stream, spanning as many underlying files as necessary.
func (s *Store) Read(pieceIndex int, begin, length int32) ([]byte, error) {
	buf := make([]byte, length)
	absOffset := int64(pieceIndex)*int64(s.pieceLen) + int64(begin)

	if err := s.ioAt(absOffset, buf, false); err != nil {
		return nil, &engineerr.StorageError{Op: "read", Path: s.downloadDir, Err: err}
	}
	return buf, nil
}

// Write stores data at (pieceIndex, begin) in the logical byte stream,
// retrying once on a transient failure per §7.
func (s *Store) Write(pieceIndex int, begin int32, data []byte) error {
	absOffset := int64(pieceIndex)*int64(s.pieceLen) + int64(begin)

	op := func() error { return s.ioAt(absOffset, data, true) }
	if err := backoff.Retry(op, s.retry); err != nil {
		return &engineerr.StorageError{Op: "write", Path: s.downloadDir, Err: err}
	}
	return nil
}

// WritePiece writes an entire assembled piece's bytes at its natural
// offset. Used when the caller has already verified (or is not verifying)
// the piece hash.
func (s *Store) WritePiece(pieceIndex int, data []byte) error {
	return s.Write(pieceIndex, 0, data)
}

// WritePieceVerified hashes data and, only on a match against expectedHash,
// writes it to disk. It returns used=true if the hash matched and the
// piece was written (the caller's single-file-fits-in-memory fast path
// from spec.md §4.10); used=false on a mismatch, with no write performed
// and no error (mismatch is the caller's concern: strikes, re-download).
func (s *Store) WritePieceVerified(pieceIndex int, data []byte, expectedHash [sha1.Size]byte) (used bool, err error) {
	got := sha1.Sum(data)
	if got != expectedHash {
		return false, nil
	}
	if err := s.WritePiece(pieceIndex, data); err != nil {
		return false, err
	}
	return true, nil
}

// ioAt performs a single WriteAt/ReadAt pass of buf across every
// underlying file overlapping [absOffset, absOffset+len(buf)).
func (s *Store) ioAt(absOffset int64, buf []byte, write bool) error {
	end := absOffset + int64(len(buf))
	if absOffset < 0 || end > s.totalSize {
		return fmt.Errorf("storage: span [%d,%d) out of range (total=%d)", absOffset, end, s.totalSize)
	}

	for _, df := range s.files {
		fileStart, fileEnd := df.offset, df.offset+df.length
		overlapStart := max64(absOffset, fileStart)
		overlapEnd := min64(end, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		n := overlapEnd - overlapStart
		bufOff := overlapStart - absOffset
		fileOff := overlapStart - fileStart

		var (
			wrote int
			err   error
		)
		if write {
			wrote, err = df.f.WriteAt(buf[bufOff:bufOff+n], fileOff)
		} else {
			wrote, err = df.f.ReadAt(buf[bufOff:bufOff+n], fileOff)
			if err == io.EOF && int64(wrote) == n {
				err = nil
			}
		}
		if err != nil {
			return fmt.Errorf("%s: %w", df.path, err)
		}
		if int64(wrote) != n {
			return fmt.Errorf("%s: short %s: got %d want %d", df.path, ioVerb(write), wrote, n)
		}
	}
	return nil
}

func ioVerb(write bool) string {
	if write {
		return "write"
	}
	return "read"
}

func setupFiles(root, name string, files []*meta.File, singleFileLength int64) ([]*datafile, int64, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, 0, err
	}

	if len(files) == 0 {
		df, err := openDatafile(filepath.Join(root, name), singleFileLength, 0)
		if err != nil {
			return nil, 0, err
		}
		return []*datafile{df}, singleFileLength, nil
	}

	var (
		offset int64
		out    []*datafile
	)
	for _, f := range files {
		parts := append([]string{root, name}, f.Path...)
		path := filepath.Join(parts...)

		df, err := openDatafile(path, f.Length, offset)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, df)
		offset += f.Length
	}
	return out, offset, nil
}

func openDatafile(path string, length, offset int64) (*datafile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(length); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &datafile{f: f, path: path, offset: offset, length: length}, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
