package mirror

import (
	"crypto/md5" // #nosec G501 - digest_name=md5 is a supported, documented compare-method option
	"crypto/sha256"
	"encoding/json"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/pypimirror/pypimirror/internal/pypi"
)

const fileIndexName = ".fileindex.json"

// CompareMethod selects how Diff-against-disk (§4.4 step 5) decides
// whether a planned file already exists locally.
type CompareMethod string

const (
	// CompareHash recomputes the configured digest and compares against
	// metadata. Safe for every backend; the default.
	CompareHash CompareMethod = "hash"
	// CompareStat compares the on-disk size against metadata and
	// requires the path to be recorded in the storage file index with
	// that size, without re-reading file contents; no mtime is
	// compared. Filesystem backend only (see SPEC_FULL.md §9 resolution).
	CompareStat CompareMethod = "stat"
)

// validatePath rejects a storage-relative path that could escape the
// storage root: absolute paths and ".." components are both refused.
func validatePath(path string) error {
	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return errors.New("unsafe path (contains directory traversal): " + path)
	}
	if filepath.IsAbs(cleanPath) {
		return errors.New("unsafe path (absolute path not allowed): " + path)
	}
	return nil
}

// Storage is the filesystem backend of the Storage Abstraction (C1): a
// directory tree mirroring a PyPI simple index and package pool, plus
// an in-memory index of already-stored files that lets a rerun reuse
// bytes without re-downloading them.
//
// Object-store backends (S3, Swift) are out of scope (spec.md §1); this
// type and the methods below are the filesystem instance of the
// interface those backends would also need to satisfy.
type Storage struct {
	dir string

	mu    sync.RWMutex
	index map[string]*pypi.FileInfo
}

// NewStorage constructs a Storage rooted at dir, which must already
// exist.
func NewStorage(dir string) (*Storage, error) {
	if !filepath.IsAbs(dir) {
		return nil, errors.New("storage directory must be absolute: " + dir)
	}
	dir = filepath.Clean(dir)
	st, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrap(err, "stat storage directory")
	}
	if !st.IsDir() {
		return nil, errors.New("not a directory: " + dir)
	}
	return &Storage{dir: dir, index: make(map[string]*pypi.FileInfo)}, nil
}

// Dir returns the storage root.
func (s *Storage) Dir() string { return s.dir }

// Load reads the persisted file index, if any. A missing index is not
// an error: it means this is either a fresh mirror or one created
// before the index existed.
func (s *Storage) Load() error {
	p := filepath.Join(s.dir, fileIndexName)
	f, err := os.Open(p) // #nosec G304 - p is built from validated config.Dir and a constant
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return errors.Wrap(err, "Storage.Load")
	}
	defer f.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := json.NewDecoder(f).Decode(&s.index); err != nil {
		return errors.Wrap(err, "Storage.Load: decode "+p)
	}
	return nil
}

// Save persists the file index durably.
func (s *Storage) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := filepath.Join(s.dir, fileIndexName)
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644) // #nosec G304 - see Load
	if err != nil {
		return errors.Wrap(err, "Storage.Save")
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(s.index); err != nil {
		return errors.Wrap(err, "Storage.Save: encode")
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "Storage.Save: sync")
	}
	return errors.Wrap(DirSyncTree(s.dir), "Storage.Save: DirSyncTree")
}

// Exists reports whether path exists under the storage root.
func (s *Storage) Exists(path string) bool {
	if err := validatePath(path); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(s.dir, path))
	return err == nil
}

// TempFile creates a new temporary file in the storage directory, open
// for reading and writing: the staging area for write-temp-then-rename.
func (s *Storage) TempFile() (*os.File, error) {
	return os.CreateTemp(s.dir, ".tmp-")
}

// WriteBinary atomically replaces path's contents: data is written to a
// sibling temp file, fsynced, then renamed over the destination so
// concurrent readers never observe a partial write.
func (s *Storage) WriteBinary(path string, data []byte) error {
	if err := validatePath(path); err != nil {
		return errors.Wrap(err, "WriteBinary")
	}
	dst := filepath.Join(s.dir, path)
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return errors.Wrap(err, "WriteBinary: mkdir")
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-")
	if err != nil {
		return errors.Wrap(err, "WriteBinary: create temp")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "WriteBinary: write")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "WriteBinary: sync")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "WriteBinary: close")
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return errors.Wrap(err, "WriteBinary: rename")
	}
	return errors.Wrap(DirSync(filepath.Dir(dst)), "WriteBinary: DirSync")
}

// ReadBinary reads the full contents of path.
func (s *Storage) ReadBinary(path string) ([]byte, error) {
	if err := validatePath(path); err != nil {
		return nil, errors.Wrap(err, "ReadBinary")
	}
	return os.ReadFile(filepath.Join(s.dir, path)) // #nosec G304 - validated above
}

// Delete removes a single file.
func (s *Storage) Delete(path string) error {
	if err := validatePath(path); err != nil {
		return errors.Wrap(err, "Delete")
	}
	return os.Remove(filepath.Join(s.dir, path))
}

// RemoveTree removes path and everything beneath it, used by project
// deletion (explicit `delete` command and Verify/Repair orphan cleanup).
func (s *Storage) RemoveTree(path string) error {
	if err := validatePath(path); err != nil {
		return errors.Wrap(err, "RemoveTree")
	}
	return os.RemoveAll(filepath.Join(s.dir, path))
}

// Mkdir creates path and any missing parents.
func (s *Storage) Mkdir(path string) error {
	if err := validatePath(path); err != nil {
		return errors.Wrap(err, "Mkdir")
	}
	return os.MkdirAll(filepath.Join(s.dir, path), 0750)
}

// Scandir lists the immediate children of path.
func (s *Storage) Scandir(path string) ([]os.DirEntry, error) {
	if err := validatePath(path); err != nil {
		return nil, errors.Wrap(err, "Scandir")
	}
	return os.ReadDir(filepath.Join(s.dir, path))
}

// Symlink atomically points link at target: written via a temp name
// plus rename, so a reader never observes a half-created symlink.
// Matches the teacher's replaceLink used for snapshot/index rotation.
func (s *Storage) Symlink(target, link string) error {
	if err := validatePath(link); err != nil {
		return errors.Wrap(err, "Symlink")
	}
	fullLink := filepath.Join(s.dir, link)
	if err := os.MkdirAll(filepath.Dir(fullLink), 0750); err != nil {
		return errors.Wrap(err, "Symlink: mkdir")
	}
	tmp := fullLink + ".tmp-link"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return errors.Wrap(err, "Symlink: create")
	}
	if err := os.Rename(tmp, fullLink); err != nil {
		return errors.Wrap(err, "Symlink: rename")
	}
	return errors.Wrap(DirSync(filepath.Dir(fullLink)), "Symlink: DirSync")
}

// StoreContentAddressed hard-links the bytes at tempPath (produced by
// TempFile + a streaming download) into fi's canonical content-
// addressed path, and records fi in the file index.
//
// A hard link is used rather than a copy or rename because the same
// bytes may also live under another release's by-hash-equivalent
// identity in future schema extensions, mirroring the teacher's
// StoreLink/StoreLinkWithHash dedup strategy.
func (s *Storage) StoreContentAddressed(fi *pypi.FileInfo, tempPath string) error {
	p := fi.Path()
	if err := validatePath(p); err != nil {
		return errors.Wrap(err, "StoreContentAddressed")
	}
	dst := filepath.Join(s.dir, p)
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return errors.Wrap(err, "StoreContentAddressed: mkdir")
	}

	err := os.Link(tempPath, dst)
	if err != nil && os.IsExist(err) {
		// A concurrent or prior run already produced this content-
		// addressed path; the bytes are identical by construction
		// (same sha256 implies same path), so this is not a conflict.
		err = nil
	}
	if err != nil {
		return errors.Wrap(err, "StoreContentAddressed: link")
	}
	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "StoreContentAddressed: remove temp")
	}

	s.mu.Lock()
	s.index[p] = fi
	s.mu.Unlock()
	return nil
}

// ReplaceContentAddressed is StoreContentAddressed's repair-path
// sibling: it unconditionally overwrites whatever bytes currently live
// at fi's content-addressed path. Verify/Repair calls this instead of
// StoreContentAddressed when CompareFiles has already proven the
// on-disk bytes don't actually hash to their own path's digest (bit
// rot) — the ordinary write path's "link already exists" short circuit
// would otherwise leave corrupted bytes in place forever.
func (s *Storage) ReplaceContentAddressed(fi *pypi.FileInfo, tempPath string) error {
	p := fi.Path()
	if err := validatePath(p); err != nil {
		return errors.Wrap(err, "ReplaceContentAddressed")
	}
	dst := filepath.Join(s.dir, p)
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return errors.Wrap(err, "ReplaceContentAddressed: mkdir")
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "ReplaceContentAddressed: remove stale")
	}
	if err := os.Link(tempPath, dst); err != nil {
		return errors.Wrap(err, "ReplaceContentAddressed: link")
	}
	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "ReplaceContentAddressed: remove temp")
	}

	s.mu.Lock()
	s.index[p] = fi
	s.mu.Unlock()
	return nil
}

// Lookup reports whether fi's bytes are already present in storage,
// returning the previously recorded FileInfo and its full path if so.
func (s *Storage) Lookup(fi *pypi.FileInfo) (*pypi.FileInfo, string) {
	if err := validatePath(fi.Path()); err != nil {
		return nil, ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing, ok := s.index[fi.Path()]
	if !ok || !fi.Same(existing) {
		return nil, ""
	}
	return existing, filepath.Join(s.dir, fi.Path())
}

// CompareFiles implements the Diff-against-disk step (§4.4 step 5) for
// one planned file: it reports whether the file already on disk at
// path matches the metadata in fi, under the configured method.
func (s *Storage) CompareFiles(path string, fi *pypi.FileInfo, method CompareMethod) (bool, error) {
	if err := validatePath(path); err != nil {
		return false, errors.Wrap(err, "CompareFiles")
	}
	full := filepath.Join(s.dir, path)
	st, err := os.Stat(full)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "CompareFiles: stat")
	}

	switch method {
	case CompareStat:
		// Warehouse reports no per-file mtime we could compare against,
		// so "stat" here means: the on-disk size matches the declared
		// size, and this exact path is recorded in the in-memory file
		// index with that same size. No mtime is stored or compared. A
		// file that exists on disk but is not recorded in the index -
		// e.g. left by an external process - is treated as a mismatch,
		// so the caller fetches it again.
		if uint64(st.Size()) != fi.Size() {
			return false, nil
		}
		s.mu.RLock()
		recorded, ok := s.index[path]
		s.mu.RUnlock()
		if !ok {
			return false, nil
		}
		return recorded.Size() == fi.Size(), nil
	case CompareHash, "":
		digest, err := s.HashFile(path, "sha256")
		if err != nil {
			return false, errors.Wrap(err, "CompareFiles: hash")
		}
		computed := pypi.NewFileInfo(path, uint64(st.Size()), pypi.Checksums{SHA256: digest})
		return computed.Same(fi), nil
	default:
		return false, errors.Newf("unknown compare method %q", method)
	}
}

// HashFile computes the named digest over path's contents.
func (s *Storage) HashFile(path, digestName string) ([]byte, error) {
	if err := validatePath(path); err != nil {
		return nil, errors.Wrap(err, "HashFile")
	}
	f, err := os.Open(filepath.Join(s.dir, path)) // #nosec G304 - validated above
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var h hash.Hash
	switch digestName {
	case "sha256", "":
		h = sha256.New()
	case "md5":
		h = md5.New() // #nosec G401 - digest_name=md5 is a supported, documented compare-method option
	default:
		return nil, errors.Newf("unknown digest %q", digestName)
	}
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// AcquireMirrorLock opens and locks the mirror-wide lock file at
// <dir>/.lock, returning the held Flock. Callers must Unlock it on
// every exit path.
func (s *Storage) AcquireMirrorLock() (*Flock, error) {
	lockPath := filepath.Join(s.dir, ".lock")
	if err := validateLockFilePath(s.dir, lockPath); err != nil {
		return nil, err
	}
	fl, err := NewFlock(lockPath)
	if err != nil {
		return nil, err
	}
	if err := fl.Lock(); err != nil {
		return nil, err
	}
	return fl, nil
}
