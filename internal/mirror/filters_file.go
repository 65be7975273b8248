package mirror

import (
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/pypimirror/pypimirror/internal/pypi"
)

func init() {
	registerFileFilter("platform_exclude", newPlatformExcludeFilter)
	registerFileFilter("python_version_exclude", newPythonVersionExcludeFilter)
	registerFileFilter("file_metadata_regex", newFileMetadataRegexFilter)
}

// platformExcludeFilter drops wheel files built for an excluded
// platform tag, matched against the trailing platform component of the
// wheel filename (spec.md §4.3's "platform exclusion" file filter).
type platformExcludeFilter struct{ excluded []string }

func newPlatformExcludeFilter(s FilterSection) (FileFilter, error) {
	if len(s.Platforms) == 0 {
		return nil, errors.New("platform_exclude: platforms is required")
	}
	return &platformExcludeFilter{excluded: s.Platforms}, nil
}

func (f *platformExcludeFilter) Name() string { return "platform_exclude" }

func (f *platformExcludeFilter) FilterFile(p *pypi.Project, r *pypi.Release, file *pypi.ReleaseFile) Decision {
	if file.PackageType != "bdist_wheel" {
		return Keep
	}
	platform := strings.TrimSuffix(file.Filename, ".whl")
	if i := strings.LastIndex(platform, "-"); i >= 0 {
		platform = platform[i+1:]
	}
	for _, tag := range f.excluded {
		if strings.Contains(platform, tag) {
			return Drop
		}
	}
	return Keep
}

// pythonVersionExcludeFilter drops files whose declared python_version
// tag is in the exclusion list (e.g. "py2" on a mirror serving a
// Python-3-only fleet).
type pythonVersionExcludeFilter struct{ excluded map[string]struct{} }

func newPythonVersionExcludeFilter(s FilterSection) (FileFilter, error) {
	if len(s.PythonVersions) == 0 {
		return nil, errors.New("python_version_exclude: python_versions is required")
	}
	set := make(map[string]struct{}, len(s.PythonVersions))
	for _, v := range s.PythonVersions {
		set[v] = struct{}{}
	}
	return &pythonVersionExcludeFilter{excluded: set}, nil
}

func (f *pythonVersionExcludeFilter) Name() string { return "python_version_exclude" }

func (f *pythonVersionExcludeFilter) FilterFile(p *pypi.Project, r *pypi.Release, file *pypi.ReleaseFile) Decision {
	if _, ok := f.excluded[file.PythonVersion]; ok {
		return Drop
	}
	return Keep
}

// fileMetadataRegexFilter matches a regular expression against one
// string field of the release file's own metadata (its filename,
// package type, or requires_python marker).
type fileMetadataRegexFilter struct {
	field string
	re    *regexp.Regexp
	deny  bool
}

func newFileMetadataRegexFilter(s FilterSection) (FileFilter, error) {
	if s.MetadataField == "" || s.MetadataRegex == "" {
		return nil, errors.New("file_metadata_regex: metadata_field and metadata_regex are required")
	}
	re, err := regexp.Compile(s.MetadataRegex)
	if err != nil {
		return nil, errors.Wrap(err, "file_metadata_regex: metadata_regex")
	}
	return &fileMetadataRegexFilter{field: s.MetadataField, re: re, deny: s.Tag == "deny"}, nil
}

func (f *fileMetadataRegexFilter) Name() string { return "file_metadata_regex" }

func (f *fileMetadataRegexFilter) value(file *pypi.ReleaseFile) string {
	switch f.field {
	case "filename":
		return file.Filename
	case "packagetype":
		return file.PackageType
	case "requires_python":
		return file.RequiresPython
	default:
		return ""
	}
}

func (f *fileMetadataRegexFilter) FilterFile(p *pypi.Project, r *pypi.Release, file *pypi.ReleaseFile) Decision {
	matched := f.re.MatchString(f.value(file))
	if f.deny {
		if matched {
			return Drop
		}
		return Keep
	}
	if matched {
		return Keep
	}
	return Drop
}
