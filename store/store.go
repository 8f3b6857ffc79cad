// Package store implements the node's content-addressed file store: a
// sibling pair of directories where index_dir holds authoritative content
// named by its SHA-256 hash, and store_dir holds human-named symlinks into
// index_dir. See spec §3 and §4.A.
//
// Publication is always rename-then-symlink, both operations on the same
// filesystem, so a reader never observes a partially written file under
// either directory.
package store

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/privateshare/node/filecache"
	"github.com/privateshare/node/xerr"
)

// hashBufferSize is the buffer size used when streaming content through
// the hasher, matching spec §4.A's "1 MiB buffer" requirement.
const hashBufferSize = 1 << 20

const tmpDirName = ".tmp"

// FileInfo describes one entry discovered locally: its human name, its
// content hash (uppercase hex SHA-256), and its size in bytes.
type FileInfo struct {
	Filename string
	Hash     string
	Size     uint64
}

// Store is the content-addressed store rooted at a pair of sibling
// directories, index_dir and store_dir.
type Store struct {
	indexDir string
	storeDir string
	cache    *filecache.Cache
	log      zerolog.Logger
}

// New creates the index and store directories (and index_dir/.tmp) if they
// don't already exist, and returns a Store backed by them.
func New(indexDir, storeDir string, cache *filecache.Cache, log zerolog.Logger) (*Store, error) {
	for _, dir := range []string{indexDir, storeDir, filepath.Join(indexDir, tmpDirName)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, xerr.Wrapf(xerr.Other, "create store directory "+dir, err)
		}
	}
	return &Store{
		indexDir: indexDir,
		storeDir: storeDir,
		cache:    cache,
		log:      log.With().Str("component", "store").Logger(),
	}, nil
}

// IndexDir returns the root of the content-addressed index.
func (s *Store) IndexDir() string { return s.indexDir }

// StoreDir returns the root of the human-named symlink tree.
func (s *Store) StoreDir() string { return s.storeDir }

// IngestLocal hashes the file at path, copies it into index_dir under its
// hash if not already present, and publishes it in store_dir under
// filepath.Base(path). See spec §4.A "Ingest local path".
func (s *Store) IngestLocal(path string) (FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, xerr.Wrapf(xerr.Other, "open "+path, err)
	}
	defer f.Close()

	hash, size, err := hashReader(f)
	if err != nil {
		return FileInfo{}, xerr.Wrapf(xerr.Other, "hash "+path, err)
	}

	indexPath := filepath.Join(s.indexDir, hash)
	switch fi, statErr := os.Stat(indexPath); {
	case statErr == nil && fi.Mode().IsRegular():
		// Already present under this hash; nothing to copy.
	case statErr == nil:
		return FileInfo{}, xerr.Wrap(xerr.StoreBroken, "index entry "+hash+" is not a regular file")
	case os.IsNotExist(statErr):
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return FileInfo{}, xerr.Wrapf(xerr.Other, "rewind "+path, err)
		}
		if err := copyToIndex(f, indexPath); err != nil {
			return FileInfo{}, err
		}
	default:
		return FileInfo{}, xerr.Wrapf(xerr.Other, "stat "+indexPath, statErr)
	}

	name := filepath.Base(path)
	if err := s.publish(name, hash); err != nil {
		return FileInfo{}, err
	}

	s.log.Info().Str("filename", name).Str("hash", hash).Uint64("size", size).Msg("ingested local file")
	return FileInfo{Filename: name, Hash: hash, Size: size}, nil
}

// IngestStream streams r into index_dir/.tmp, hashing as it goes, then
// publishes the result under the computed hash. If expectedHash is
// non-nil and doesn't match, the mismatch is logged but the computed hash
// still wins — the store is always content-addressed by what was
// actually written. See spec §4.A "Ingest stream" and §9(c).
func (s *Store) IngestStream(filename string, expectedHash *string, r io.Reader) (FileInfo, error) {
	tmpPath, err := s.createUploadTemp()
	if err != nil {
		return FileInfo{}, err
	}
	tmpFile, err := os.OpenFile(tmpPath, os.O_WRONLY, 0)
	if err != nil {
		return FileInfo{}, xerr.Wrapf(xerr.Other, "open upload temp file", err)
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpPath)
	}()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmpFile, hasher), r)
	if err != nil {
		return FileInfo{}, xerr.Wrapf(xerr.Other, "write upload stream", err)
	}
	if err := tmpFile.Close(); err != nil {
		return FileInfo{}, xerr.Wrapf(xerr.Other, "close upload temp file", err)
	}
	hash := hex.EncodeToString(hasher.Sum(nil))
	hashUpper := upperHex(hash)

	if expectedHash != nil && !equalFoldHex(*expectedHash, hashUpper) {
		s.log.Warn().Str("expected", *expectedHash).Str("computed", hashUpper).
			Str("filename", filename).Msg("uploaded content hash mismatch; publishing under computed hash")
	}

	indexPath := filepath.Join(s.indexDir, hashUpper)
	if err := os.Rename(tmpPath, indexPath); err != nil && !errors.Is(err, os.ErrExist) {
		if !os.IsExist(err) {
			return FileInfo{}, xerr.Wrapf(xerr.Other, "publish index file", err)
		}
	}
	// Rename onto an existing path succeeds on POSIX (os.Rename replaces
	// silently), so content-addressed dedup is automatic: the later
	// upload's rename replaces the earlier file, and both are identical by
	// construction since they share a hash.

	if err := s.publish(filename, hashUpper); err != nil {
		return FileInfo{}, err
	}

	s.log.Info().Str("filename", filename).Str("hash", hashUpper).Uint64("size", uint64(size)).Msg("ingested uploaded stream")
	return FileInfo{Filename: filename, Hash: hashUpper, Size: uint64(size)}, nil
}

// PublishExisting symlinks filename to an already-indexed hash without
// re-ingesting content, used when UploadFile's caller already knows the
// hash is present. See spec §4.I "UploadFile".
func (s *Store) PublishExisting(filename, hash string) (FileInfo, error) {
	hash = upperHex(hash)
	indexPath := filepath.Join(s.indexDir, hash)
	fi, err := os.Stat(indexPath)
	if err != nil {
		return FileInfo{}, xerr.Wrapf(xerr.NotFound, "index file for hash "+hash, err)
	}
	if !fi.Mode().IsRegular() {
		return FileInfo{}, xerr.Wrap(xerr.StoreBroken, "index entry "+hash+" is not a regular file")
	}
	if err := s.publish(filename, hash); err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Filename: filename, Hash: hash, Size: uint64(fi.Size())}, nil
}

// OpenSyncTemp opens (creating if absent) index_dir/.tmp/<hash> for
// positional writes, used by the file-sync engine to write chunks
// received from peers as they arrive. Unlike the upload temp file, this
// one is named by hash, not randomly, so a sync in progress can be
// resumed by reopening the same path. See spec §4.H "Schedule phase".
func (s *Store) OpenSyncTemp(hash string) (*os.File, error) {
	hash = upperHex(hash)
	path := filepath.Join(s.indexDir, tmpDirName, hash)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, xerr.Wrapf(xerr.Other, "open sync temp file for "+hash, err)
	}
	return f, nil
}

// FinalizeSyncTemp renames index_dir/.tmp/<hash> into index_dir/<hash>,
// tolerating the temp file already being gone (NotFound) or the index
// entry already existing (AlreadyExists), matching spec §4.H "Finalize
// phase".
func (s *Store) FinalizeSyncTemp(hash string) error {
	hash = upperHex(hash)
	tmpPath := filepath.Join(s.indexDir, tmpDirName, hash)
	indexPath := filepath.Join(s.indexDir, hash)

	if _, err := os.Stat(tmpPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerr.Wrapf(xerr.Other, "stat sync temp file for "+hash, err)
	}
	if err := os.Rename(tmpPath, indexPath); err != nil {
		if os.IsExist(err) {
			return nil
		}
		return xerr.Wrapf(xerr.Other, "finalize sync temp file for "+hash, err)
	}
	return nil
}

// ListLocal scans store_dir and returns a descriptor for every published
// name. See spec §4.A "List local".
func (s *Store) ListLocal() ([]FileInfo, error) {
	entries, err := os.ReadDir(s.storeDir)
	if err != nil {
		return nil, xerr.Wrapf(xerr.Other, "read store dir", err)
	}

	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		hash, size, err := s.resolveLink(name)
		if err != nil {
			return nil, err
		}
		infos = append(infos, FileInfo{Filename: name, Hash: hash, Size: size})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Filename < infos[j].Filename })
	return infos, nil
}

// ResolveForServing verifies filename exists in store_dir, that its
// target's hash matches the requested hash, and returns a cached open
// handle to the index file. See spec §4.A "Resolve for serving".
func (s *Store) ResolveForServing(filename, hash string) (*filecache.Handle, error) {
	actualHash, _, err := s.resolveLink(filename)
	if err != nil {
		return nil, err
	}
	hash = upperHex(hash)
	if actualHash != hash {
		return nil, xerr.Wrap(xerr.InvalidData, "requested hash doesn't match store entry for "+filename)
	}
	return s.cache.GetOrOpen(hash, func() (*os.File, error) {
		return os.Open(filepath.Join(s.indexDir, hash))
	})
}

// resolveLink reads the store_dir/name symlink, checks that its target
// exists and is a regular file, and returns the target's basename as the
// hash together with the file's size. A missing or non-regular target is
// reported as xerr.StoreBroken, with no auto-repair. The target's content
// is not re-hashed, so a basename that differs from the content hash is
// not detected, and the target is not checked to lie under index_dir.
func (s *Store) resolveLink(name string) (hash string, size uint64, err error) {
	linkPath := filepath.Join(s.storeDir, name)
	target, err := os.Readlink(linkPath)
	if err != nil {
		return "", 0, xerr.Wrapf(xerr.NotFound, "read symlink for "+name, err)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(s.storeDir, target)
	}
	fi, err := os.Stat(target)
	if err != nil {
		return "", 0, xerr.Wrap(xerr.StoreBroken, "symlink target for "+name+" doesn't exist")
	}
	if !fi.Mode().IsRegular() {
		return "", 0, xerr.Wrap(xerr.StoreBroken, "symlink target for "+name+" is not a regular file")
	}
	return filepath.Base(target), uint64(fi.Size()), nil
}

// publish unlinks any existing store_dir/name entry and symlinks it to
// index_dir/hash. AlreadyExists races (two concurrent publishes of the
// same name) are tolerated.
func (s *Store) publish(name, hash string) error {
	linkPath := filepath.Join(s.storeDir, name)
	indexPath := filepath.Join(s.indexDir, hash)

	if err := os.Remove(linkPath); err != nil && !os.IsNotExist(err) {
		return xerr.Wrapf(xerr.Other, "remove existing store entry "+name, err)
	}
	if err := os.Symlink(indexPath, linkPath); err != nil {
		if os.IsExist(err) {
			return nil
		}
		return xerr.Wrapf(xerr.Other, "symlink store entry "+name, err)
	}
	return nil
}

func (s *Store) createUploadTemp() (string, error) {
	var suffix [16]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", xerr.Wrapf(xerr.Other, "generate upload temp name", err)
	}
	name := ".upload." + hex.EncodeToString(suffix[:])
	path := filepath.Join(s.indexDir, tmpDirName, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", xerr.Wrapf(xerr.Other, "create upload temp file", err)
	}
	f.Close()
	return path, nil
}

func hashReader(r io.Reader) (hash string, size uint64, err error) {
	hasher := sha256.New()
	buf := make([]byte, hashBufferSize)
	n, err := io.CopyBuffer(hasher, r, buf)
	if err != nil {
		return "", 0, err
	}
	return upperHex(hex.EncodeToString(hasher.Sum(nil))), uint64(n), nil
}

func copyToIndex(r io.Reader, indexPath string) error {
	f, err := os.OpenFile(indexPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return xerr.Wrapf(xerr.Other, "create index file", err)
	}
	defer f.Close()
	buf := make([]byte, hashBufferSize)
	if _, err := io.CopyBuffer(f, r, buf); err != nil {
		return xerr.Wrapf(xerr.Other, "copy into index file", err)
	}
	return nil
}

func upperHex(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'f' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

func equalFoldHex(a, b string) bool {
	return upperHex(a) == upperHex(b)
}
