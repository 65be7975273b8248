package mirror

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/pypimirror/pypimirror/internal/pypi"
)

func init() {
	registerProjectFilter("allowlist", newAllowlistProjectFilter)
	registerProjectFilter("denylist", newDenylistProjectFilter)
	registerProjectFilter("project_regex", newProjectRegexFilter)
	registerProjectFilter("requirements_file", newRequirementsFileFilter)
	registerProjectFilter("project_metadata_regex", newProjectMetadataRegexFilter)
	registerProjectFilter("size_cap", newSizeCapFilter)
}

// allowlistProjectFilter keeps only the named projects, matching
// spec.md §4.3's "allow-list" project filter. Names are compared after
// PEP 503 normalization so "Django" and "django" are the same entry.
type allowlistProjectFilter struct{ allowed map[string]struct{} }

func newAllowlistProjectFilter(s FilterSection) (ProjectFilter, error) {
	return &allowlistProjectFilter{allowed: normalizedSet(s.Projects)}, nil
}

func (f *allowlistProjectFilter) Name() string { return "allowlist" }

func (f *allowlistProjectFilter) FilterProject(p *pypi.Project) Decision {
	if _, ok := f.allowed[p.NormalizedName]; ok {
		return Keep
	}
	return DropProject
}

// denylistProjectFilter drops the named projects and keeps everything
// else.
type denylistProjectFilter struct{ denied map[string]struct{} }

func newDenylistProjectFilter(s FilterSection) (ProjectFilter, error) {
	return &denylistProjectFilter{denied: normalizedSet(s.Projects)}, nil
}

func (f *denylistProjectFilter) Name() string { return "denylist" }

func (f *denylistProjectFilter) FilterProject(p *pypi.Project) Decision {
	if _, ok := f.denied[p.NormalizedName]; ok {
		return DropProject
	}
	return Keep
}

// projectRegexFilter matches the project's normalized name against a
// regular expression. By default a match drops the project (a
// deny-pattern); set tag = "allow" to invert it into an allow-pattern
// that keeps only matching names.
type projectRegexFilter struct {
	re    *regexp.Regexp
	allow bool
}

func newProjectRegexFilter(s FilterSection) (ProjectFilter, error) {
	if s.Pattern == "" {
		return nil, errors.New("project_regex: pattern is required")
	}
	re, err := regexp.Compile(s.Pattern)
	if err != nil {
		return nil, errors.Wrap(err, "project_regex: pattern")
	}
	return &projectRegexFilter{re: re, allow: s.Tag == "allow"}, nil
}

func (f *projectRegexFilter) Name() string { return "project_regex" }

func (f *projectRegexFilter) FilterProject(p *pypi.Project) Decision {
	matched := f.re.MatchString(p.NormalizedName)
	if f.allow {
		if matched {
			return Keep
		}
		return DropProject
	}
	if matched {
		return DropProject
	}
	return Keep
}

// requirementsFileFilter builds an allow-list from pip-style
// requirements files (one "package" or "package==version" per line,
// "#" comments and blank lines ignored), matching spec.md §4.3's
// "requirements-file" project filter. requirements_file may be a glob
// pattern such as "requirements*.txt"; the names of every matching file
// are combined, and a pattern matching no file is an error.
type requirementsFileFilter struct{ allowed map[string]struct{} }

func newRequirementsFileFilter(s FilterSection) (ProjectFilter, error) {
	if s.RequirementsFile == "" {
		return nil, errors.New("requirements_file: requirements_file path is required")
	}
	paths, err := filepath.Glob(s.RequirementsFile)
	if err != nil {
		return nil, errors.Wrap(err, "requirements_file")
	}
	if len(paths) == 0 {
		return nil, errors.Newf("requirements_file: no file matches %q", s.RequirementsFile)
	}
	var names []string
	for _, p := range paths {
		found, err := parseRequirementsFile(p)
		if err != nil {
			return nil, errors.Wrap(err, "requirements_file")
		}
		names = append(names, found...)
	}
	return &requirementsFileFilter{allowed: normalizedSet(names)}, nil
}

// parseRequirementsFileLines reads a pip-style requirements file and
// returns its non-comment, non-blank lines, each trimmed of leading
// and trailing whitespace. Shared by the project-level allow-list
// filter and the release-level pinned-requirements filter.
func parseRequirementsFileLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func parseRequirementsFile(path string) ([]string, error) {
	lines, err := parseRequirementsFileLines(path)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range lines {
		name := line
		for _, sep := range []string{"==", ">=", "<=", "!=", "~=", ">", "<", ";"} {
			if idx := strings.Index(name, sep); idx >= 0 {
				name = name[:idx]
			}
		}
		name = strings.TrimSpace(name)
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func normalizedSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[pypi.NormalizeName(n)] = struct{}{}
	}
	return set
}

// projectMetadataRegexFilter matches a regular expression against one
// metadata field of the project's latest known Info block (summary,
// classifiers, home page, ...). The tag qualifier controls how
// multi-valued fields (classifiers) are combined:
//
//	all        every classifier must match
//	any        at least one classifier matches (default)
//	none       no classifier matches
//	match-null empty field counts as a match
//	not-null   empty field counts as a non-match (default for empty)
type projectMetadataRegexFilter struct {
	field string
	re    *regexp.Regexp
	tag   string
}

func newProjectMetadataRegexFilter(s FilterSection) (ProjectFilter, error) {
	if s.MetadataField == "" || s.MetadataRegex == "" {
		return nil, errors.New("project_metadata_regex: metadata_field and metadata_regex are required")
	}
	re, err := regexp.Compile(s.MetadataRegex)
	if err != nil {
		return nil, errors.Wrap(err, "project_metadata_regex: metadata_regex")
	}
	tag := s.Tag
	if tag == "" {
		tag = "any"
	}
	return &projectMetadataRegexFilter{field: s.MetadataField, re: re, tag: tag}, nil
}

func (f *projectMetadataRegexFilter) Name() string { return "project_metadata_regex" }

func (f *projectMetadataRegexFilter) metadataValues(p *pypi.Project) []string {
	switch f.field {
	case "summary":
		return []string{p.Info.Summary}
	case "home_page":
		return []string{p.Info.HomePage}
	case "project_url":
		return []string{p.Info.ProjectURL}
	case "requires_python":
		return []string{p.Info.RequiresPython}
	case "classifiers":
		return p.Info.Classifiers
	default:
		return nil
	}
}

func (f *projectMetadataRegexFilter) FilterProject(p *pypi.Project) Decision {
	values := f.metadataValues(p)
	if len(values) == 0 || (len(values) == 1 && values[0] == "") {
		if f.tag == "match-null" {
			return Keep
		}
		return DropProject
	}

	matches := 0
	for _, v := range values {
		if f.re.MatchString(v) {
			matches++
		}
	}

	var keep bool
	switch f.tag {
	case "all":
		keep = matches == len(values)
	case "none":
		keep = matches == 0
	default: // "any", "not-null"
		keep = matches > 0
	}
	if keep {
		return Keep
	}
	return DropProject
}

// sizeCapFilter drops the whole project when the sum of its current
// release file sizes exceeds max_size_bytes (spec.md §4.3's
// "max_package_size" project filter). An exempt project list lets it
// combine with an allow-list as "allow OR ≤cap" (spec.md §8 scenario
// 5): a project named in exempt is always kept regardless of size.
type sizeCapFilter struct {
	max    int64
	exempt map[string]struct{}
}

func newSizeCapFilter(s FilterSection) (ProjectFilter, error) {
	if s.MaxSizeBytes <= 0 {
		return nil, errors.New("size_cap: max_size_bytes must be positive")
	}
	var exempt map[string]struct{}
	if len(s.ProjectScope) > 0 {
		exempt = normalizedSet(s.ProjectScope)
	}
	return &sizeCapFilter{max: s.MaxSizeBytes, exempt: exempt}, nil
}

func (f *sizeCapFilter) Name() string { return "size_cap" }

func (f *sizeCapFilter) FilterProject(p *pypi.Project) Decision {
	if f.exempt != nil {
		if _, ok := f.exempt[p.NormalizedName]; ok {
			return Keep
		}
	}
	if int64(p.TotalSize()) > f.max {
		return DropProject
	}
	return Keep
}
