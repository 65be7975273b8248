package mirror

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/pypimirror/pypimirror/internal/pypi"
)

func init() {
	registerReleaseFilter("prerelease", newPrereleaseFilter)
	registerReleaseFilter("latest_n", newLatestNFilter)
	registerReleaseFilter("upload_time_window", newUploadTimeWindowFilter)
	registerReleaseFilter("specifiers", newSpecifiersFilter)
	registerReleaseFilter("project_requirements_pinned", newPinnedRequirementsFilter)
}

// prereleaseFilter drops pre-release and dev versions, optionally
// scoped to a subset of projects (an empty project_scope applies it to
// every project, matching spec.md §4.3's "prerelease" filter).
type prereleaseFilter struct{ scope map[string]struct{} }

func newPrereleaseFilter(s FilterSection) (ReleaseFilter, error) {
	var scope map[string]struct{}
	if len(s.ProjectScope) > 0 {
		scope = normalizedSet(s.ProjectScope)
	}
	return &prereleaseFilter{scope: scope}, nil
}

func (f *prereleaseFilter) Name() string { return "prerelease" }

func (f *prereleaseFilter) FilterRelease(p *pypi.Project, r *pypi.Release) Decision {
	if f.scope != nil {
		if _, ok := f.scope[p.NormalizedName]; !ok {
			return Keep
		}
	}
	if r.IsPreRelease() {
		return Drop
	}
	return Keep
}

// latestNFilter keeps only the N most recent releases of each project,
// ordered newest-first by parsed version - spec.md §4.3's "latest-N"
// filter. Releases whose parsed versions compare equal are ordered by
// their raw version strings (pypi.SortDescending); upload time and
// filename play no part in the ranking. Because each
// project is filtered independently and FilterRelease sees one release
// at a time, the ranking is precomputed per project on first use.
type latestNFilter struct {
	n      int
	ranked map[string]map[string]int // project -> version string -> rank (0 = newest)
}

func newLatestNFilter(s FilterSection) (ReleaseFilter, error) {
	if s.Count <= 0 {
		return nil, errors.New("latest_n: count must be positive")
	}
	return &latestNFilter{n: s.Count, ranked: make(map[string]map[string]int)}, nil
}

func (f *latestNFilter) Name() string { return "latest_n" }

func (f *latestNFilter) rankFor(p *pypi.Project) map[string]int {
	if r, ok := f.ranked[p.NormalizedName]; ok {
		return r
	}
	type entry struct {
		verStr string
		v      pypi.Version
		upload time.Time
	}
	entries := make([]entry, 0, len(p.Releases))
	for verStr, rel := range p.Releases {
		entries = append(entries, entry{verStr: verStr, v: rel.Version, upload: rel.UploadTime})
	}
	versions := make([]pypi.Version, len(entries))
	for i, e := range entries {
		versions[i] = e.v
	}
	pypi.SortDescending(versions)

	order := make(map[string]int, len(entries))
	for rank, v := range versions {
		for _, e := range entries {
			if e.v.String() == v.String() {
				if _, already := order[e.verStr]; !already {
					order[e.verStr] = rank
				}
			}
		}
	}
	f.ranked[p.NormalizedName] = order
	return order
}

func (f *latestNFilter) FilterRelease(p *pypi.Project, r *pypi.Release) Decision {
	ranks := f.rankFor(p)
	rank, ok := ranks[r.Version.String()]
	if !ok {
		return Keep
	}
	if rank < f.n {
		return Keep
	}
	return Drop
}

// uploadTimeWindowFilter drops releases uploaded more than since_days
// ago.
type uploadTimeWindowFilter struct{ cutoff time.Duration }

func newUploadTimeWindowFilter(s FilterSection) (ReleaseFilter, error) {
	if s.SinceDays <= 0 {
		return nil, errors.New("upload_time_window: since_days must be positive")
	}
	return &uploadTimeWindowFilter{cutoff: time.Duration(s.SinceDays) * 24 * time.Hour}, nil
}

func (f *uploadTimeWindowFilter) Name() string { return "upload_time_window" }

func (f *uploadTimeWindowFilter) FilterRelease(p *pypi.Project, r *pypi.Release) Decision {
	if r.UploadTime.IsZero() {
		return Keep
	}
	if time.Since(r.UploadTime) > f.cutoff {
		return Drop
	}
	return Keep
}

// specifiersFilter keeps (or, with tag = "deny", drops) releases whose
// version matches any of a list of PEP 440 specifiers, e.g. ">=1.0,<2.0".
type specifiersFilter struct {
	specs []pypi.Specifier
	deny  bool
}

func newSpecifiersFilter(s FilterSection) (ReleaseFilter, error) {
	if len(s.Specifiers) == 0 {
		return nil, errors.New("specifiers: at least one specifier is required")
	}
	specs := make([]pypi.Specifier, 0, len(s.Specifiers))
	for _, raw := range s.Specifiers {
		spec, err := pypi.ParseSpecifier(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "specifiers: %q", raw)
		}
		specs = append(specs, spec)
	}
	return &specifiersFilter{specs: specs, deny: s.Tag == "deny"}, nil
}

func (f *specifiersFilter) Name() string { return "specifiers" }

func (f *specifiersFilter) FilterRelease(p *pypi.Project, r *pypi.Release) Decision {
	matched := false
	for _, spec := range f.specs {
		if spec.Matches(r.Version) {
			matched = true
			break
		}
	}
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

// pinnedRequirementsFilter reads the same requirements file format as
// the project-level requirements_file filter, but at release
// granularity: any release matching a project's pinned PEP 440
// specifier (e.g. "numpy>=1.20,<2.0", not just an exact "=="
// version) always survives every other release filter, per spec.md
// §4.3's "project_requirements_pinned" short-circuit and bandersnatch's
// own PEP 508/440-specifier-based pinned filter.
type pinnedRequirementsFilter struct{ pinned map[string][]pypi.Specifier }

func newPinnedRequirementsFilter(s FilterSection) (ReleaseFilter, error) {
	if s.RequirementsFile == "" {
		return nil, errors.New("project_requirements_pinned: requirements_file is required")
	}
	pins, err := parsePinnedRequirements(s.RequirementsFile)
	if err != nil {
		return nil, errors.Wrap(err, "project_requirements_pinned")
	}
	return &pinnedRequirementsFilter{pinned: pins}, nil
}

func parsePinnedRequirements(path string) (map[string][]pypi.Specifier, error) {
	lines, err := parseRequirementsFileLines(path)
	if err != nil {
		return nil, err
	}
	pins := make(map[string][]pypi.Specifier)
	for _, line := range lines {
		name, specText, ok := splitPinSpecifier(line)
		if !ok {
			continue
		}
		spec, err := pypi.ParseSpecifier(specText)
		if err != nil {
			// A malformed specifier in one requirements line shouldn't
			// fail the whole file; it simply never force-keeps anything.
			continue
		}
		n := pypi.NormalizeName(name)
		pins[n] = append(pins[n], spec)
	}
	return pins, nil
}

// pinOperators are PEP 440's comparison operators, longest-prefix forms
// first so scanning a line finds the earliest operator regardless of
// which one it is; the full remainder (potentially a comma-separated
// range like ">=1.20,<2.0") is handed to ParseSpecifier as one string.
var pinOperators = []string{"~=", "==", "!=", "<=", ">=", "<", ">"}

// splitPinSpecifier splits a pip-requirement-style line into a project
// name and its PEP 440 specifier set, e.g. "numpy>=1.20,<2.0" ->
// ("numpy", ">=1.20,<2.0"). A trailing ";" environment marker, if any,
// is dropped first.
func splitPinSpecifier(line string) (name, spec string, ok bool) {
	if idx := strings.Index(line, ";"); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}

	cut := -1
	for i := range line {
		for _, op := range pinOperators {
			if strings.HasPrefix(line[i:], op) {
				cut = i
				break
			}
		}
		if cut >= 0 {
			break
		}
	}
	if cut < 0 {
		return "", "", false
	}
	name = strings.TrimSpace(line[:cut])
	spec = strings.TrimSpace(line[cut:])
	if name == "" || spec == "" {
		return "", "", false
	}
	return name, spec, true
}

func (f *pinnedRequirementsFilter) Name() string { return "project_requirements_pinned" }

func (f *pinnedRequirementsFilter) FilterRelease(p *pypi.Project, r *pypi.Release) Decision {
	specs, ok := f.pinned[p.NormalizedName]
	if !ok {
		return Keep
	}
	for _, spec := range specs {
		if spec.Matches(r.Version) {
			return ForceKeep
		}
	}
	return Keep
}
