package mirror

import (
	"testing"

	"github.com/pypimirror/pypimirror/internal/pypi"
)

func TestPlatformExcludeFilter(t *testing.T) {
	f, err := newPlatformExcludeFilter(FilterSection{Platforms: []string{"win_amd64"}})
	if err != nil {
		t.Fatalf("newPlatformExcludeFilter: %v", err)
	}
	p, r := testProject(), &pypi.Release{}

	windows := &pypi.ReleaseFile{Filename: "example_pkg-1.0.0-cp39-cp39-win_amd64.whl", PackageType: "bdist_wheel"}
	if d := f.FilterFile(p, r, windows); d != Drop {
		t.Errorf("FilterFile(windows wheel) = %v, want Drop", d)
	}

	linux := &pypi.ReleaseFile{Filename: "example_pkg-1.0.0-cp39-cp39-manylinux_x86_64.whl", PackageType: "bdist_wheel"}
	if d := f.FilterFile(p, r, linux); d != Keep {
		t.Errorf("FilterFile(linux wheel) = %v, want Keep", d)
	}

	sdist := &pypi.ReleaseFile{Filename: "example_pkg-1.0.0.win_amd64.tar.gz", PackageType: "sdist"}
	if d := f.FilterFile(p, r, sdist); d != Keep {
		t.Errorf("FilterFile(sdist) = %v, want Keep: platform exclusion only applies to wheels", d)
	}

	if _, err := newPlatformExcludeFilter(FilterSection{}); err == nil {
		t.Error("newPlatformExcludeFilter() with no platforms should error")
	}
}

func TestPythonVersionExcludeFilter(t *testing.T) {
	f, err := newPythonVersionExcludeFilter(FilterSection{PythonVersions: []string{"py2"}})
	if err != nil {
		t.Fatalf("newPythonVersionExcludeFilter: %v", err)
	}
	p, r := testProject(), &pypi.Release{}

	py2 := &pypi.ReleaseFile{Filename: "example_pkg-1.0.0-py2-none-any.whl", PythonVersion: "py2"}
	if d := f.FilterFile(p, r, py2); d != Drop {
		t.Errorf("FilterFile(py2) = %v, want Drop", d)
	}
	py3 := &pypi.ReleaseFile{Filename: "example_pkg-1.0.0-py3-none-any.whl", PythonVersion: "py3"}
	if d := f.FilterFile(p, r, py3); d != Keep {
		t.Errorf("FilterFile(py3) = %v, want Keep", d)
	}

	if _, err := newPythonVersionExcludeFilter(FilterSection{}); err == nil {
		t.Error("newPythonVersionExcludeFilter() with no python_versions should error")
	}
}

func TestFileMetadataRegexFilter(t *testing.T) {
	p, r := testProject(), &pypi.Release{}

	t.Run("allow (default)", func(t *testing.T) {
		f, err := newFileMetadataRegexFilter(FilterSection{MetadataField: "packagetype", MetadataRegex: "^bdist_wheel$"})
		if err != nil {
			t.Fatalf("newFileMetadataRegexFilter: %v", err)
		}
		wheel := &pypi.ReleaseFile{PackageType: "bdist_wheel"}
		if d := f.FilterFile(p, r, wheel); d != Keep {
			t.Errorf("FilterFile(wheel) = %v, want Keep", d)
		}
		sdist := &pypi.ReleaseFile{PackageType: "sdist"}
		if d := f.FilterFile(p, r, sdist); d != Drop {
			t.Errorf("FilterFile(sdist) = %v, want Drop: doesn't match the allow pattern", d)
		}
	})

	t.Run("deny", func(t *testing.T) {
		f, err := newFileMetadataRegexFilter(FilterSection{MetadataField: "filename", MetadataRegex: "-linux_", Tag: "deny"})
		if err != nil {
			t.Fatalf("newFileMetadataRegexFilter: %v", err)
		}
		matching := &pypi.ReleaseFile{Filename: "example_pkg-1.0.0-linux_x86_64.whl"}
		if d := f.FilterFile(p, r, matching); d != Drop {
			t.Errorf("FilterFile(matching) = %v, want Drop under tag=deny", d)
		}
		other := &pypi.ReleaseFile{Filename: "example_pkg-1.0.0-any.whl"}
		if d := f.FilterFile(p, r, other); d != Keep {
			t.Errorf("FilterFile(other) = %v, want Keep under tag=deny", d)
		}
	})

	if _, err := newFileMetadataRegexFilter(FilterSection{}); err == nil {
		t.Error("newFileMetadataRegexFilter() with no field/regex should error")
	}
}
