package mirror

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/pypimirror/pypimirror/internal/pypi"
)

func testIndexProject() *pypi.Project {
	p := pypi.NewProject("Example-Pkg", 7)
	digest, _ := hex.DecodeString(strings.Repeat("ab", 32))
	p.Releases["1.0.0"] = &pypi.Release{
		Version: mustParseVersion("1.0.0"),
		Files: []pypi.ReleaseFile{
			{
				Filename:  "example_pkg-1.0.0-py3-none-any.whl",
				URL:       "https://files.pythonhosted.org/packages/ab/ab/rest/example_pkg-1.0.0-py3-none-any.whl",
				Size:      123,
				Checksums: pypi.Checksums{SHA256: digest},
			},
		},
	}
	return p
}

func newTestIndexWriter(t *testing.T, mc *MirrorConfig) (*IndexWriter, *Storage) {
	t.Helper()
	s := newTestStorage(t)
	if mc == nil {
		mc = &MirrorConfig{SimpleFormat: SimpleFormatAll, ReleaseFiles: true}
	}
	return NewIndexWriter(mc, s), s
}

func TestPublishProjectWritesAllThreeDocuments(t *testing.T) {
	w, s := newTestIndexWriter(t, nil)
	p := testIndexProject()

	if err := w.PublishProject(p, 7); err != nil {
		t.Fatalf("PublishProject: %v", err)
	}

	dir := w.projectDir(p.NormalizedName)
	for _, ext := range []string{extLegacyHTML, extVersionedHTML, extVersionedJSON} {
		rel := dir + "/index." + ext
		if !s.Exists(rel) {
			t.Errorf("expected %s to exist", rel)
		}
	}

	html, err := s.ReadBinary(dir + "/index." + extLegacyHTML)
	if err != nil {
		t.Fatalf("ReadBinary: %v", err)
	}
	if !strings.Contains(string(html), "example_pkg-1.0.0-py3-none-any.whl") {
		t.Error("legacy html index should link the release file")
	}

	body, err := s.ReadBinary(dir + "/index." + extVersionedJSON)
	if err != nil {
		t.Fatalf("ReadBinary: %v", err)
	}
	if !strings.Contains(string(body), `"sha256"`) {
		t.Error("v1 json index should carry a sha256 hash")
	}
}

func TestProjectIndexDirHonorsHashIndex(t *testing.T) {
	if got := projectIndexDir(false, "example-pkg"); got != "simple/example-pkg" {
		t.Errorf("projectIndexDir(flat) = %q, want simple/example-pkg", got)
	}
	if got := projectIndexDir(true, "example-pkg"); got != "simple/e/example-pkg" {
		t.Errorf("projectIndexDir(hash) = %q, want simple/e/example-pkg", got)
	}
}

func TestPublishRootListsEveryProject(t *testing.T) {
	w, s := newTestIndexWriter(t, &MirrorConfig{SimpleFormat: SimpleFormatHTML})
	if err := w.PublishRoot([]string{"numpy", "requests"}, 1); err != nil {
		t.Fatalf("PublishRoot: %v", err)
	}
	body, err := s.ReadBinary("simple/index." + extLegacyHTML)
	if err != nil {
		t.Fatalf("ReadBinary: %v", err)
	}
	for _, name := range []string{"numpy", "requests"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("root index missing project %q", name)
		}
	}
}

func TestKeepIndexVersionsRotatesAndPrunes(t *testing.T) {
	mc := &MirrorConfig{SimpleFormat: SimpleFormatHTML, KeepIndexVersions: 2}
	w, s := newTestIndexWriter(t, mc)
	p := testIndexProject()
	dir := w.projectDir(p.NormalizedName)

	for serial := int64(1); serial <= 4; serial++ {
		if err := w.PublishProject(p, serial); err != nil {
			t.Fatalf("PublishProject(serial=%d): %v", serial, err)
		}
	}

	entries, err := s.Scandir(dir + "/versions")
	if err != nil {
		t.Fatalf("Scandir: %v", err)
	}
	var htmlVersions int
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "."+extLegacyHTML) {
			htmlVersions++
		}
	}
	if htmlVersions != 2 {
		t.Errorf("retained %d legacy html versions, want 2 (keep_index_versions=2)", htmlVersions)
	}

	if !s.Exists(dir + "/index." + extLegacyHTML) {
		t.Error("pointer index.html should still resolve")
	}
}

func TestPublishProjectMetadataJSON(t *testing.T) {
	w, s := newTestIndexWriter(t, nil)
	if err := w.PublishProjectMetadataJSON("example-pkg", []byte(`{"info":{}}`)); err != nil {
		t.Fatalf("PublishProjectMetadataJSON: %v", err)
	}
	if !s.Exists("web/json/example-pkg") {
		t.Error("canonical json document should exist")
	}
	if !s.Exists("web/pypi/example-pkg/json") {
		t.Error("pointer should exist")
	}
}
