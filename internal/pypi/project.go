package pypi

import (
	"encoding/hex"
	"time"

	"github.com/cockroachdb/errors"
)

// timeLayout is the timestamp format Warehouse embeds as
// upload_time_iso_8601 in both project and file metadata.
const timeLayout = time.RFC3339

// ReleaseFile is a single artifact (sdist or wheel) belonging to one
// Release. Its canonical on-mirror path is derived from its SHA256
// digest via ArtifactPath.
type ReleaseFile struct {
	URL            string
	Filename       string
	PackageType    string // sdist, bdist_wheel, ...
	PythonVersion  string
	RequiresPython string
	Size           uint64
	Checksums      Checksums
	HasSig         bool
	Yanked         bool
	YankedReason   string
	UploadTime     time.Time
}

// StoragePath returns the content-addressed path this file is stored
// and served at, or an error if it lacks a usable SHA256 digest.
func (f *ReleaseFile) StoragePath() (string, error) {
	if len(f.Checksums.SHA256) == 0 {
		return "", errors.New("release file has no sha256 digest: " + f.Filename)
	}
	return ArtifactPath(hex.EncodeToString(f.Checksums.SHA256), f.Filename)
}

// Release is one version of a Project.
type Release struct {
	Version      Version
	UploadTime   time.Time
	Yanked       bool
	YankedReason string
	Files        []ReleaseFile
}

// IsPreRelease reports whether the release's version is a pre-release,
// development release, or other unstable version per PEP 440.
func (r *Release) IsPreRelease() bool {
	return r.Version.IsPreRelease()
}

// TotalSize sums the declared sizes of every file in the release.
func (r *Release) TotalSize() uint64 {
	var total uint64
	for _, f := range r.Files {
		total += f.Size
	}
	return total
}

// Project is a named collection of releases, keyed by its normalized
// name.
type Project struct {
	Name           string // as reported upstream
	NormalizedName string
	LastSerial     int64
	Releases       map[string]*Release // keyed by raw version string
	Info           WarehouseInfo       // metadata of the latest release, for metadata filters
}

// NewProject constructs a Project, normalizing its name.
func NewProject(name string, lastSerial int64) *Project {
	return &Project{
		Name:           name,
		NormalizedName: NormalizeName(name),
		LastSerial:     lastSerial,
		Releases:       make(map[string]*Release),
	}
}

// TotalSize sums the declared sizes of every file across every release.
func (p *Project) TotalSize() uint64 {
	var total uint64
	for _, r := range p.Releases {
		total += r.TotalSize()
	}
	return total
}

// SortedVersions returns the project's versions ordered from newest to
// oldest.
func (p *Project) SortedVersions() []Version {
	versions := make([]Version, 0, len(p.Releases))
	for _, r := range p.Releases {
		versions = append(versions, r.Version)
	}
	SortDescending(versions)
	return versions
}

// AllFiles returns every release file across every remaining release,
// the "planned file set" of §4.4 step 4.
func (p *Project) AllFiles() []*ReleaseFile {
	var out []*ReleaseFile
	for _, r := range p.Releases {
		for i := range r.Files {
			out = append(out, &r.Files[i])
		}
	}
	return out
}

// FromWarehouse populates a Project from a parsed Warehouse JSON
// document, matching the field set named in spec §6's wire contracts.
func FromWarehouse(doc *WarehouseProject) (*Project, error) {
	p := NewProject(doc.Info.Name, doc.LastSerial)
	p.Info = doc.Info
	for verStr, files := range doc.Releases {
		if len(files) == 0 {
			continue
		}
		v, err := ParseVersion(verStr)
		if err != nil {
			// Unparsable versions are kept with only their raw string;
			// version-aware filters see a zero parsed version for them,
			// and the pipeline mirrors them if the filters keep them.
			v = Version{raw: verStr}
		}
		rel := &Release{Version: v}
		for _, wf := range files {
			rf := ReleaseFile{
				URL:            wf.URL,
				Filename:       wf.Filename,
				PackageType:    wf.PackageType,
				PythonVersion:  wf.PythonVersion,
				RequiresPython: wf.RequiresPython,
				Size:           uint64(wf.Size),
				HasSig:         wf.HasSig,
				Yanked:         wf.Yanked,
				YankedReason:   wf.YankedReason,
			}
			if t, err := time.Parse(timeLayout, wf.UploadTimeISO); err == nil {
				rf.UploadTime = t
			}
			if wf.Digests.SHA256 != "" {
				if b, err := hex.DecodeString(wf.Digests.SHA256); err == nil {
					rf.Checksums.SHA256 = b
				}
			}
			if wf.Digests.MD5 != "" {
				if b, err := hex.DecodeString(wf.Digests.MD5); err == nil {
					rf.Checksums.MD5 = b
				}
			}
			if wf.Yanked {
				rel.Yanked = true
				rel.YankedReason = wf.YankedReason
			}
			if rf.UploadTime.After(rel.UploadTime) {
				rel.UploadTime = rf.UploadTime
			}
			rel.Files = append(rel.Files, rf)
		}
		p.Releases[verStr] = rel
	}
	return p, nil
}
