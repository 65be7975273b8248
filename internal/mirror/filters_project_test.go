package mirror

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pypimirror/pypimirror/internal/pypi"
)

func TestAllowlistProjectFilter(t *testing.T) {
	f, err := newAllowlistProjectFilter(FilterSection{Projects: []string{"Example-Pkg"}})
	if err != nil {
		t.Fatalf("newAllowlistProjectFilter: %v", err)
	}
	if d := f.FilterProject(testProject()); d != Keep {
		t.Errorf("FilterProject() = %v, want Keep for an allow-listed name (normalized match)", d)
	}
	other := pypi.NewProject("not-listed", 1)
	if d := f.FilterProject(other); d != DropProject {
		t.Errorf("FilterProject() = %v, want DropProject for a name not on the list", d)
	}
}

func TestDenylistProjectFilter(t *testing.T) {
	f, err := newDenylistProjectFilter(FilterSection{Projects: []string{"pyaib"}})
	if err != nil {
		t.Fatalf("newDenylistProjectFilter: %v", err)
	}
	denied := pypi.NewProject("PyAIB", 1)
	if d := f.FilterProject(denied); d != DropProject {
		t.Errorf("FilterProject() = %v, want DropProject for a denied name", d)
	}
	if d := f.FilterProject(testProject()); d != Keep {
		t.Errorf("FilterProject() = %v, want Keep for a name not on the deny list", d)
	}
}

func TestProjectRegexFilter(t *testing.T) {
	t.Run("deny pattern (default)", func(t *testing.T) {
		f, err := newProjectRegexFilter(FilterSection{Pattern: "^test-"})
		if err != nil {
			t.Fatalf("newProjectRegexFilter: %v", err)
		}
		matching := pypi.NewProject("test-something", 1)
		if d := f.FilterProject(matching); d != DropProject {
			t.Errorf("FilterProject() = %v, want DropProject for a matching name", d)
		}
		if d := f.FilterProject(testProject()); d != Keep {
			t.Errorf("FilterProject() = %v, want Keep for a non-matching name", d)
		}
	})

	t.Run("allow pattern (tag=allow)", func(t *testing.T) {
		f, err := newProjectRegexFilter(FilterSection{Pattern: "^test-", Tag: "allow"})
		if err != nil {
			t.Fatalf("newProjectRegexFilter: %v", err)
		}
		matching := pypi.NewProject("test-something", 1)
		if d := f.FilterProject(matching); d != Keep {
			t.Errorf("FilterProject() = %v, want Keep for a matching name under tag=allow", d)
		}
		if d := f.FilterProject(testProject()); d != DropProject {
			t.Errorf("FilterProject() = %v, want DropProject for a non-matching name under tag=allow", d)
		}
	})

	t.Run("missing pattern is a config error", func(t *testing.T) {
		if _, err := newProjectRegexFilter(FilterSection{}); err == nil {
			t.Error("newProjectRegexFilter() with no pattern should error")
		}
	})
}

func TestRequirementsFileFilter(t *testing.T) {
	dir := t.TempDir()
	reqPath := filepath.Join(dir, "requirements.txt")
	content := "# comment\n\nExample-Pkg==1.0.0\nother-pkg>=2.0\n"
	if err := os.WriteFile(reqPath, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := newRequirementsFileFilter(FilterSection{RequirementsFile: reqPath})
	if err != nil {
		t.Fatalf("newRequirementsFileFilter: %v", err)
	}
	if d := f.FilterProject(testProject()); d != Keep {
		t.Errorf("FilterProject() = %v, want Keep: example-pkg is named in the requirements file", d)
	}
	unlisted := pypi.NewProject("unlisted-pkg", 1)
	if d := f.FilterProject(unlisted); d != DropProject {
		t.Errorf("FilterProject() = %v, want DropProject: unlisted-pkg isn't in the requirements file", d)
	}

	if _, err := newRequirementsFileFilter(FilterSection{}); err == nil {
		t.Error("newRequirementsFileFilter() with no path should error")
	}
}

func TestProjectMetadataRegexFilter(t *testing.T) {
	withSummary := func(s string) *pypi.Project {
		p := testProject()
		p.Info.Summary = s
		return p
	}
	withClassifiers := func(cs ...string) *pypi.Project {
		p := testProject()
		p.Info.Classifiers = cs
		return p
	}

	tests := []struct {
		name    string
		section FilterSection
		project *pypi.Project
		want    Decision
	}{
		{
			name:    "summary match keeps (default tag=any)",
			section: FilterSection{MetadataField: "summary", MetadataRegex: "scientific"},
			project: withSummary("a scientific computing library"),
			want:    Keep,
		},
		{
			name:    "summary no match drops",
			section: FilterSection{MetadataField: "summary", MetadataRegex: "scientific"},
			project: withSummary("a web framework"),
			want:    DropProject,
		},
		{
			name:    "classifiers tag=all requires every value to match",
			section: FilterSection{MetadataField: "classifiers", MetadataRegex: "^License", Tag: "all"},
			project: withClassifiers("License :: OSI Approved :: MIT License", "Topic :: Software Development"),
			want:    DropProject,
		},
		{
			name:    "classifiers tag=any requires one value to match",
			section: FilterSection{MetadataField: "classifiers", MetadataRegex: "^License", Tag: "any"},
			project: withClassifiers("License :: OSI Approved :: MIT License", "Topic :: Software Development"),
			want:    Keep,
		},
		{
			name:    "classifiers tag=none requires no value to match",
			section: FilterSection{MetadataField: "classifiers", MetadataRegex: "^License", Tag: "none"},
			project: withClassifiers("Topic :: Software Development"),
			want:    Keep,
		},
		{
			name:    "empty field with tag=match-null keeps",
			section: FilterSection{MetadataField: "summary", MetadataRegex: ".*", Tag: "match-null"},
			project: testProject(),
			want:    Keep,
		},
		{
			name:    "empty field with tag=not-null drops",
			section: FilterSection{MetadataField: "summary", MetadataRegex: ".*", Tag: "not-null"},
			project: testProject(),
			want:    DropProject,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := newProjectMetadataRegexFilter(tt.section)
			if err != nil {
				t.Fatalf("newProjectMetadataRegexFilter: %v", err)
			}
			if d := f.FilterProject(tt.project); d != tt.want {
				t.Errorf("FilterProject() = %v, want %v", d, tt.want)
			}
		})
	}
}

// TestSizeCapFilter covers spec.md §8 scenario 5: max_package_size
// combined with an allow-list as "allow OR <= cap" — a 5 GB project is
// skipped but a 2 GB allow-listed project is mirrored regardless of a
// 1 GB cap.
func TestSizeCapFilter(t *testing.T) {
	const gb = 1 << 30
	tensorflow := pypi.NewProject("tensorflow", 1)
	tensorflow.Releases["1.0.0"] = &pypi.Release{
		Version: mustParseVersion("1.0.0"),
		Files:   []pypi.ReleaseFile{{Filename: "tensorflow-1.0.0.whl", Size: 5 * gb}},
	}
	numpy := pypi.NewProject("numpy", 1)
	numpy.Releases["1.0.0"] = &pypi.Release{
		Version: mustParseVersion("1.0.0"),
		Files:   []pypi.ReleaseFile{{Filename: "numpy-1.0.0.whl", Size: 2 * gb}},
	}

	f, err := newSizeCapFilter(FilterSection{MaxSizeBytes: gb, ProjectScope: []string{"numpy"}})
	if err != nil {
		t.Fatalf("newSizeCapFilter: %v", err)
	}
	if d := f.FilterProject(tensorflow); d != DropProject {
		t.Errorf("FilterProject(tensorflow) = %v, want DropProject: 5 GB exceeds the 1 GB cap", d)
	}
	if d := f.FilterProject(numpy); d != Keep {
		t.Errorf("FilterProject(numpy) = %v, want Keep: exempted by project_scope despite exceeding the cap", d)
	}

	small := testProject() // 600 bytes total, well under the cap
	if d := f.FilterProject(small); d != Keep {
		t.Errorf("FilterProject(small) = %v, want Keep: total size is under the cap", d)
	}

	if _, err := newSizeCapFilter(FilterSection{}); err == nil {
		t.Error("newSizeCapFilter() with max_size_bytes <= 0 should error")
	}
}
