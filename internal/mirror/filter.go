package mirror

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/pypimirror/pypimirror/internal/pypi"
)

// Decision is a filter's verdict on the item it inspected. Grounded on
// the teacher's boolean exclude/keep shape in apt_parser.go's
// applyPackageFilters, generalized to a three-way result because
// spec.md §4.3 distinguishes dropping one release or file from
// dropping the whole project outright.
type Decision int

const (
	// Keep lets the item continue through the rest of the chain.
	Keep Decision = iota
	// Drop removes just this item (a release, or a file) and continues
	// evaluating its siblings.
	Drop
	// DropProject removes the entire project being mirrored. Only
	// meaningful from a project-scoped filter; returning it from a
	// release or file filter drops that project as a whole.
	DropProject
	// ForceKeep ends evaluation with a Keep verdict. From a release
	// filter it overrides every other release filter, wherever it sits
	// in the chain; from a project or file filter it overrides the
	// filters that would otherwise run later. It exists
	// for "pinned requirements always win" style short-circuits (spec.md
	// §4.3's project_requirements_pinned).
	ForceKeep
)

func (d Decision) String() string {
	switch d {
	case Keep:
		return "keep"
	case Drop:
		return "drop"
	case DropProject:
		return "drop-project"
	case ForceKeep:
		return "force-keep"
	default:
		return "unknown"
	}
}

// FilterSection is the generic TOML shape every named filter under
// [filters.<name>] decodes into; concrete filter constructors pick the
// fields relevant to them and ignore the rest, the way the teacher's
// own PackageFilters does for its single APT-specific filter.
type FilterSection struct {
	Enabled bool `toml:"enabled"`

	Projects         []string `toml:"projects,omitempty"`
	Pattern          string   `toml:"pattern,omitempty"`
	RequirementsFile string   `toml:"requirements_file,omitempty"`
	Specifiers       []string `toml:"specifiers,omitempty"`

	Count int `toml:"count,omitempty"`

	MaxSizeBytes int64 `toml:"max_size_bytes,omitempty"`

	SinceDays int `toml:"since_days,omitempty"`

	MetadataField string `toml:"metadata_field,omitempty"`
	MetadataRegex string `toml:"metadata_regex,omitempty"`
	Tag           string `toml:"tag,omitempty"` // all|any|none|match-null|not-null

	Platforms      []string `toml:"platforms,omitempty"`
	PythonVersions []string `toml:"python_versions,omitempty"`

	ProjectScope []string `toml:"project_scope,omitempty"` // empty = every project
}

// ProjectFilter decides whether a whole project is mirrored at all,
// before any release or file of it is inspected.
type ProjectFilter interface {
	Name() string
	FilterProject(p *pypi.Project) Decision
}

// ReleaseFilter decides whether one version of a project is mirrored.
type ReleaseFilter interface {
	Name() string
	FilterRelease(p *pypi.Project, r *pypi.Release) Decision
}

// FileFilter decides whether one release artifact is mirrored.
type FileFilter interface {
	Name() string
	FilterFile(p *pypi.Project, r *pypi.Release, f *pypi.ReleaseFile) Decision
}

type (
	projectFilterFactory func(FilterSection) (ProjectFilter, error)
	releaseFilterFactory func(FilterSection) (ReleaseFilter, error)
	fileFilterFactory    func(FilterSection) (FileFilter, error)
)

// Static build-time registries. Filters aren't discovered dynamically
// (no plugin loading, no reflection over a directory of .so files);
// every name a config can reference is registered here at init time,
// matching spec.md §4.3's Resolution that the "plugin" vocabulary
// describes a fixed catalog, not a loadable-plugin mechanism.
var (
	projectFilterRegistry = map[string]projectFilterFactory{}
	releaseFilterRegistry = map[string]releaseFilterFactory{}
	fileFilterRegistry    = map[string]fileFilterFactory{}
)

func registerProjectFilter(name string, f projectFilterFactory) {
	projectFilterRegistry[name] = f
}

func registerReleaseFilter(name string, f releaseFilterFactory) {
	releaseFilterRegistry[name] = f
}

func registerFileFilter(name string, f fileFilterFactory) {
	fileFilterRegistry[name] = f
}

// FilterChain holds the ordered, constructed filters for one mirror
// run. Order follows the order filter names were declared enabled in
// plugins.enabled, matching spec.md §4.3 ("filters run in configured
// order; first Drop/DropProject wins").
type FilterChain struct {
	projects []ProjectFilter
	releases []ReleaseFilter
	files    []FileFilter
}

// BuildFilterChain constructs a FilterChain from the root config: for
// every name in plugins.enabled (or every registered name if "all" is
// set, per PluginsConfig.IsEnabled), look up a matching section under
// [filters.<name>] (a zero-value FilterSection if the operator didn't
// provide one) and instantiate it from whichever registry knows the
// name. A name enabled but registered nowhere is a configuration
// error.
func BuildFilterChain(cfg *Config) (*FilterChain, error) {
	chain := &FilterChain{}
	for _, name := range cfg.Plugins.Enabled {
		if name == "all" {
			continue
		}
		section := cfg.Filters[name]

		found := false
		if f, ok := projectFilterRegistry[name]; ok {
			pf, err := f(section)
			if err != nil {
				return nil, errors.Wrapf(err, "filter %q", name)
			}
			chain.projects = append(chain.projects, pf)
			found = true
		}
		if f, ok := releaseFilterRegistry[name]; ok {
			rf, err := f(section)
			if err != nil {
				return nil, errors.Wrapf(err, "filter %q", name)
			}
			chain.releases = append(chain.releases, rf)
			found = true
		}
		if f, ok := fileFilterRegistry[name]; ok {
			ff, err := f(section)
			if err != nil {
				return nil, errors.Wrapf(err, "filter %q", name)
			}
			chain.files = append(chain.files, ff)
			found = true
		}
		if !found {
			return nil, fmt.Errorf("unknown filter %q in plugins.enabled", name)
		}
	}

	if contains(cfg.Plugins.Enabled, "all") {
		chain.projects = allProjectFilters(cfg)
		chain.releases = allReleaseFilters(cfg)
		chain.files = allFileFilters(cfg)
	}

	return chain, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func allProjectFilters(cfg *Config) []ProjectFilter {
	out := make([]ProjectFilter, 0, len(projectFilterRegistry))
	for name, f := range projectFilterRegistry {
		pf, err := f(cfg.Filters[name])
		if err != nil {
			continue
		}
		out = append(out, pf)
	}
	return out
}

func allReleaseFilters(cfg *Config) []ReleaseFilter {
	out := make([]ReleaseFilter, 0, len(releaseFilterRegistry))
	for name, f := range releaseFilterRegistry {
		rf, err := f(cfg.Filters[name])
		if err != nil {
			continue
		}
		out = append(out, rf)
	}
	return out
}

func allFileFilters(cfg *Config) []FileFilter {
	out := make([]FileFilter, 0, len(fileFilterRegistry))
	for name, f := range fileFilterRegistry {
		ff, err := f(cfg.Filters[name])
		if err != nil {
			continue
		}
		out = append(out, ff)
	}
	return out
}

// EvaluateProject runs every project filter in order, stopping at the
// first non-Keep verdict.
func (fc *FilterChain) EvaluateProject(p *pypi.Project) Decision {
	for _, f := range fc.projects {
		switch d := f.FilterProject(p); d {
		case Keep:
			continue
		case ForceKeep:
			return Keep
		default:
			return d
		}
	}
	return Keep
}

// EvaluateRelease runs every release filter in order. A ForceKeep from
// any release filter wins over every other release filter's verdict,
// so it is looked for before the ordered pass.
func (fc *FilterChain) EvaluateRelease(p *pypi.Project, r *pypi.Release) Decision {
	for _, f := range fc.releases {
		if f.FilterRelease(p, r) == ForceKeep {
			return Keep
		}
	}
	for _, f := range fc.releases {
		switch d := f.FilterRelease(p, r); d {
		case Keep:
			continue
		case ForceKeep:
			return Keep
		default:
			return d
		}
	}
	return Keep
}

// EvaluateFile runs every file filter in order.
func (fc *FilterChain) EvaluateFile(p *pypi.Project, r *pypi.Release, file *pypi.ReleaseFile) Decision {
	for _, f := range fc.files {
		switch d := f.FilterFile(p, r, file); d {
		case Keep:
			continue
		case ForceKeep:
			return Keep
		default:
			return d
		}
	}
	return Keep
}

// Apply walks p's releases and files in place, removing whatever the
// chain decides to drop, and reports whether the project itself
// survives. This is the single entry point the Package Pipeline (C4)
// calls per project.
func (fc *FilterChain) Apply(p *pypi.Project) bool {
	if fc.EvaluateProject(p) != Keep {
		return false
	}

	for verStr, rel := range p.Releases {
		if d := fc.EvaluateRelease(p, rel); d != Keep {
			delete(p.Releases, verStr)
			if d == DropProject {
				return false
			}
			continue
		}

		kept := rel.Files[:0]
		for i := range rel.Files {
			f := &rel.Files[i]
			d := fc.EvaluateFile(p, rel, f)
			if d == DropProject {
				return false
			}
			if d == Keep {
				kept = append(kept, *f)
			}
		}
		rel.Files = kept
		if len(rel.Files) == 0 {
			delete(p.Releases, verStr)
		}
	}

	return len(p.Releases) > 0
}
