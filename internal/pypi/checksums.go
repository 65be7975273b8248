package pypi

import (
	"bytes"
	"crypto/md5" // #nosec G501 - MD5 retained for compatibility with Warehouse's md5_digest field
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math"

	"github.com/cockroachdb/errors"
)

// Checksums holds the digest values Warehouse reports for a release
// file. A nil value means the digest wasn't supplied upstream.
type Checksums struct {
	MD5    []byte
	SHA256 []byte
}

// Same reports whether c and other agree on every checksum both have.
func (c Checksums) Same(other Checksums) bool {
	if c.MD5 != nil && other.MD5 != nil && !bytes.Equal(c.MD5, other.MD5) {
		return false
	}
	if c.SHA256 != nil && other.SHA256 != nil && !bytes.Equal(c.SHA256, other.SHA256) {
		return false
	}
	return true
}

// FileInfo is the set of metadata pypimirror tracks for one release
// file: its storage-relative path, size, and checksums.
type FileInfo struct {
	path      string
	size      uint64
	checksums Checksums
}

// NewFileInfo constructs a FileInfo from already-known metadata, e.g.
// values reported by the Warehouse JSON API before the bytes are
// fetched.
func NewFileInfo(path string, size uint64, checksums Checksums) *FileInfo {
	return &FileInfo{path: path, size: size, checksums: checksums}
}

// Path returns the storage-relative path identifying the file.
func (fi *FileInfo) Path() string { return fi.path }

// Size returns the declared size in bytes.
func (fi *FileInfo) Size() uint64 { return fi.size }

// Checksums returns the known checksums.
func (fi *FileInfo) Checksums() Checksums { return fi.checksums }

// Same reports whether fi and t identify the same file: same path,
// same size, and agreeing checksums wherever both have a value.
func (fi *FileInfo) Same(t *FileInfo) bool {
	if fi == t {
		return true
	}
	if fi.path != t.path {
		return false
	}
	if fi.size != t.size {
		return false
	}
	return fi.checksums.Same(t.checksums)
}

type fileInfoJSON struct {
	Path      string
	Size      int64
	MD5Sum    string
	SHA256Sum string
}

// MarshalJSON implements json.Marshaler.
func (fi *FileInfo) MarshalJSON() ([]byte, error) {
	var fij fileInfoJSON
	fij.Path = fi.path
	if fi.size > math.MaxInt64 {
		return nil, errors.Newf("file size %d exceeds maximum int64 value", fi.size)
	}
	fij.Size = int64(fi.size)
	if fi.checksums.MD5 != nil {
		fij.MD5Sum = hex.EncodeToString(fi.checksums.MD5)
	}
	if fi.checksums.SHA256 != nil {
		fij.SHA256Sum = hex.EncodeToString(fi.checksums.SHA256)
	}
	return json.Marshal(&fij)
}

// UnmarshalJSON implements json.Unmarshaler.
func (fi *FileInfo) UnmarshalJSON(data []byte) error {
	var fij fileInfoJSON
	if err := json.Unmarshal(data, &fij); err != nil {
		return err
	}
	fi.path = fij.Path
	if fij.Size < 0 {
		return errors.Newf("negative file size %d not allowed", fij.Size)
	}
	fi.size = uint64(fij.Size)
	if fij.MD5Sum != "" {
		b, err := hex.DecodeString(fij.MD5Sum)
		if err != nil {
			return errors.Wrap(err, "UnmarshalJSON MD5Sum for "+fij.Path)
		}
		fi.checksums.MD5 = b
	}
	if fij.SHA256Sum != "" {
		b, err := hex.DecodeString(fij.SHA256Sum)
		if err != nil {
			return errors.Wrap(err, "UnmarshalJSON SHA256Sum for "+fij.Path)
		}
		fi.checksums.SHA256 = b
	}
	return nil
}

// CopyWithFileInfo copies from src to dst until EOF or error, returning
// a FileInfo computed from the bytes actually seen.
func CopyWithFileInfo(dst io.Writer, src io.Reader, p string) (*FileInfo, error) {
	md5hash := md5.New() // #nosec G401 - see Checksums doc comment
	sha256hash := sha256.New()

	w := io.MultiWriter(md5hash, sha256hash, dst)
	n, err := io.Copy(w, src)
	if err != nil {
		return nil, err
	}

	return &FileInfo{
		path: p,
		size: uint64(n), // #nosec G115 - io.Copy returns int64, n >= 0
		checksums: Checksums{
			MD5:    md5hash.Sum(nil),
			SHA256: sha256hash.Sum(nil),
		},
	}, nil
}
