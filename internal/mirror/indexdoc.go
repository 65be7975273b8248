package mirror

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/pypimirror/pypimirror/internal/pypi"
)

// indexExtensions names the three representations a project (or the
// root) index is rendered as, per spec.md §3's "Index Document":
// legacy HTML, versioned HTML, versioned JSON. All three carry
// identical content for HTML; index.v1_json is the PEP 691 document.
const (
	extLegacyHTML   = "html"
	extVersionedHTML = "v1_html"
	extVersionedJSON = "v1_json"
)

// IndexWriter renders and atomically publishes index documents,
// applying the keep_index_versions rotation-by-pointer-indirection
// scheme. Grounded on the teacher's snapshot.go naming/rotation
// convention and its replaceLink atomic-symlink-swap in mirror.go,
// adapted from "named, promoted snapshot directories" to "versioned
// index files behind a stable pointer name".
type IndexWriter struct {
	storage      *Storage
	format       SimpleFormat
	keepVersions int
	rootURI      string
	releaseFiles bool
	hashIndex    bool
}

// NewIndexWriter builds an IndexWriter from the mirror configuration.
func NewIndexWriter(mc *MirrorConfig, storage *Storage) *IndexWriter {
	return &IndexWriter{
		storage:      storage,
		format:       mc.SimpleFormat,
		keepVersions: mc.KeepIndexVersions,
		rootURI:      mc.RootURI,
		releaseFiles: mc.ReleaseFiles,
		hashIndex:    mc.HashIndex,
	}
}

// projectIndexDir returns the directory a project's index lives under,
// honoring hash_index's simple/<letter>/<project>/ layout (spec.md's
// Data Model invariant on hash-index) versus the flat simple/<project>/
// layout. Shared by every site that needs to locate or remove a
// project's index tree, so the two layouts never diverge between
// writers and deleters.
func projectIndexDir(hashIndex bool, normalizedName string) string {
	if hashIndex && normalizedName != "" {
		return path.Join("simple", normalizedName[0:1], normalizedName)
	}
	return pypi.ProjectIndexDir(normalizedName)
}

func (w *IndexWriter) projectDir(normalizedName string) string {
	return projectIndexDir(w.hashIndex, normalizedName)
}

// PublishProject renders and writes project p's index documents, per
// spec.md §4.4 step 7.
func (w *IndexWriter) PublishProject(p *pypi.Project, serial int64) error {
	dir := w.projectDir(p.NormalizedName)

	var writeHTML, writeJSON bool
	switch w.format {
	case SimpleFormatHTML:
		writeHTML = true
	case SimpleFormatJSON:
		writeJSON = true
	default:
		writeHTML, writeJSON = true, true
	}

	if writeHTML {
		htmlBody := renderProjectHTML(p)
		if err := w.writeVersioned(dir, extLegacyHTML, htmlBody, serial); err != nil {
			return errors.Wrapf(err, "PublishProject(%s): legacy html", p.NormalizedName)
		}
		if err := w.writeVersioned(dir, extVersionedHTML, htmlBody, serial); err != nil {
			return errors.Wrapf(err, "PublishProject(%s): v1 html", p.NormalizedName)
		}
	}
	if writeJSON {
		jsonBody, err := renderProjectJSON(p, dir, w.rootURI, w.releaseFiles)
		if err != nil {
			return errors.Wrapf(err, "PublishProject(%s): render json", p.NormalizedName)
		}
		if err := w.writeVersioned(dir, extVersionedJSON, jsonBody, serial); err != nil {
			return errors.Wrapf(err, "PublishProject(%s): v1 json", p.NormalizedName)
		}
	}
	return nil
}

// PublishRoot renders and writes the root simple index listing every
// mirrored project's normalized name.
func (w *IndexWriter) PublishRoot(normalizedNames []string, serial int64) error {
	sorted := append([]string(nil), normalizedNames...)
	sort.Strings(sorted)

	switch w.format {
	case SimpleFormatHTML:
		if err := w.writeVersioned("simple", extLegacyHTML, renderRootHTML(sorted), serial); err != nil {
			return errors.Wrap(err, "PublishRoot: legacy html")
		}
		return w.writeVersioned("simple", extVersionedHTML, renderRootHTML(sorted), serial)
	case SimpleFormatJSON:
		body, err := renderRootJSON(sorted)
		if err != nil {
			return errors.Wrap(err, "PublishRoot: render json")
		}
		return w.writeVersioned("simple", extVersionedJSON, body, serial)
	default:
		if err := w.writeVersioned("simple", extLegacyHTML, renderRootHTML(sorted), serial); err != nil {
			return errors.Wrap(err, "PublishRoot: legacy html")
		}
		if err := w.writeVersioned("simple", extVersionedHTML, renderRootHTML(sorted), serial); err != nil {
			return errors.Wrap(err, "PublishRoot: v1 html")
		}
		body, err := renderRootJSON(sorted)
		if err != nil {
			return errors.Wrap(err, "PublishRoot: render json")
		}
		return w.writeVersioned("simple", extVersionedJSON, body, serial)
	}
}

// PublishProjectMetadataJSON writes the project's upstream-equivalent
// JSON document to web/json/<project> and points web/pypi/<project>/json
// at it, per spec.md §4.4 step 8. Only called when the `json` config
// key is enabled.
func (w *IndexWriter) PublishProjectMetadataJSON(name string, raw []byte) error {
	canonical := path.Join("web", "json", name)
	if err := w.storage.WriteBinary(canonical, raw); err != nil {
		return errors.Wrapf(err, "PublishProjectMetadataJSON(%s)", name)
	}

	pointerDir := path.Join("web", "pypi", name)
	rel, err := filepathRel(pointerDir, canonical)
	if err != nil {
		return errors.Wrapf(err, "PublishProjectMetadataJSON(%s): relative pointer", name)
	}
	return errors.Wrapf(w.storage.Symlink(rel, path.Join(pointerDir, "json")), "PublishProjectMetadataJSON(%s): pointer", name)
}

func filepathRel(fromDir, to string) (string, error) {
	fromParts := strings.Split(path.Clean(fromDir), "/")
	toParts := strings.Split(path.Clean(to), "/")
	i := 0
	for i < len(fromParts) && i < len(toParts) && fromParts[i] == toParts[i] {
		i++
	}
	up := strings.Repeat("../", len(fromParts)-i)
	return up + strings.Join(toParts[i:], "/"), nil
}

// writeVersioned writes body as dir's current index.<ext>. When
// keep_index_versions > 0, it's written under versions/index_<serial>_
// <timestamp>.<ext> and dir/index.<ext> becomes a pointer to it
// (spec.md §4.4 step 7 / §9's pointer-indirection resolution); older
// versions beyond the retention count are pruned. With
// keep_index_versions == 0, body replaces dir/index.<ext> directly.
func (w *IndexWriter) writeVersioned(dir, ext string, body []byte, serial int64) error {
	target := path.Join(dir, "index."+ext)
	if w.keepVersions <= 0 {
		return w.storage.WriteBinary(target, body)
	}

	versionsDir := path.Join(dir, "versions")
	name := fmt.Sprintf("index_%d_%d.%s", serial, time.Now().UTC().Unix(), ext)
	versionedPath := path.Join(versionsDir, name)
	if err := w.storage.WriteBinary(versionedPath, body); err != nil {
		return err
	}

	rel, err := filepathRel(dir, versionedPath)
	if err != nil {
		return err
	}
	if err := w.storage.Symlink(rel, target); err != nil {
		return err
	}
	return w.pruneVersions(versionsDir, ext)
}

func (w *IndexWriter) pruneVersions(versionsDir, ext string) error {
	entries, err := w.storage.Scandir(versionsDir)
	if err != nil {
		return nil // versions dir not readable yet; nothing to prune
	}
	suffix := "." + ext
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	if len(names) <= w.keepVersions {
		return nil
	}
	sort.Strings(names) // index_<serial>_<ts>.ext sorts chronologically for fixed-width serials
	toRemove := names[:len(names)-w.keepVersions]
	for _, n := range toRemove {
		if err := w.storage.Delete(path.Join(versionsDir, n)); err != nil {
			return errors.Wrapf(err, "pruneVersions: delete %s", n)
		}
	}
	return nil
}

// renderProjectHTML renders the PEP 503 legacy HTML index for one
// project: an anchor per release file, data-requires-python and
// data-yanked attributes carried through per spec.md §4.4's edge
// cases.
func renderProjectHTML(p *pypi.Project) []byte {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n  <head>\n    <meta name=\"pypi:repository-version\" content=\"")
	b.WriteString(pypi.SimpleAPIVersion)
	b.WriteString("\">\n    <title>Links for ")
	b.WriteString(html.EscapeString(p.Name))
	b.WriteString("</title>\n  </head>\n  <body>\n    <h1>Links for ")
	b.WriteString(html.EscapeString(p.Name))
	b.WriteString("</h1>\n")

	for _, f := range sortedFiles(p) {
		b.WriteString("    <a href=\"")
		b.WriteString(html.EscapeString(fileHref(f)))
		if f.RequiresPython != "" {
			b.WriteString("\" data-requires-python=\"")
			b.WriteString(html.EscapeString(f.RequiresPython))
		}
		if f.yanked {
			b.WriteString("\" data-yanked=\"")
			b.WriteString(html.EscapeString(f.yankedReason))
		}
		b.WriteString("\">")
		b.WriteString(html.EscapeString(f.Filename))
		b.WriteString("</a>\n")
	}
	b.WriteString("  </body>\n</html>\n")
	return []byte(b.String())
}

func fileHref(f renderFile) string {
	digest := ""
	if len(f.Checksums.SHA256) > 0 {
		digest = "#sha256=" + hex.EncodeToString(f.Checksums.SHA256)
	}
	return f.URL + digest
}

// renderFile flattens a release+file pair for index rendering.
type renderFile struct {
	pypi.ReleaseFile
	yanked       bool
	yankedReason string
}

func sortedFiles(p *pypi.Project) []renderFile {
	var out []renderFile
	for _, r := range p.Releases {
		for _, f := range r.Files {
			yanked := f.Yanked || r.Yanked
			reason := f.YankedReason
			if reason == "" {
				reason = r.YankedReason
			}
			out = append(out, renderFile{ReleaseFile: f, yanked: yanked, yankedReason: reason})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

// renderProjectJSON renders the PEP 691 Simple JSON document for one
// project. When releaseFiles is false, URLs point at rootURI (serving
// bytes from the authoritative origin, e.g.
// https://files.pythonhosted.org/) instead of this mirror's own
// packages/ tree.
func renderProjectJSON(p *pypi.Project, dir, rootURI string, releaseFiles bool) ([]byte, error) {
	idx := pypi.SimpleProjectIndex{
		Meta: pypi.SimpleMeta{APIVersion: pypi.SimpleAPIVersion},
		Name: p.NormalizedName,
	}
	for _, v := range p.SortedVersions() {
		idx.Versions = append(idx.Versions, v.String())
	}
	for _, f := range sortedFiles(p) {
		sf := pypi.SimpleFile{
			Filename:       f.Filename,
			RequiresPython: f.RequiresPython,
			Yanked:         f.yanked,
			Size:           int64(f.Size),
			Hashes:         map[string]string{},
		}
		if len(f.Checksums.SHA256) > 0 {
			sf.Hashes["sha256"] = hex.EncodeToString(f.Checksums.SHA256)
		}
		if len(f.Checksums.MD5) > 0 {
			sf.Hashes["md5"] = hex.EncodeToString(f.Checksums.MD5)
		}
		if !f.UploadTime.IsZero() {
			sf.UploadTime = f.UploadTime.UTC().Format(time.RFC3339)
		}
		if releaseFiles {
			storagePath, err := f.StoragePath()
			if err != nil {
				return nil, err
			}
			rel, err := filepathRel(dir, storagePath)
			if err != nil {
				return nil, err
			}
			sf.URL = rel
		} else {
			sf.URL = strings.TrimRight(rootURI, "/") + "/" + path.Join("packages", filenameDigestPath(f.ReleaseFile), f.Filename)
		}
		idx.Files = append(idx.Files, sf)
	}
	return json.Marshal(idx)
}

func filenameDigestPath(f pypi.ReleaseFile) string {
	if len(f.Checksums.SHA256) < 2 {
		return ""
	}
	hexDigest := hex.EncodeToString(f.Checksums.SHA256)
	return path.Join(hexDigest[0:2], hexDigest[2:4], hexDigest[4:])
}

func renderRootHTML(normalizedNames []string) []byte {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n  <head>\n    <meta name=\"pypi:repository-version\" content=\"")
	b.WriteString(pypi.SimpleAPIVersion)
	b.WriteString("\">\n    <title>Simple index</title>\n  </head>\n  <body>\n")
	for _, n := range normalizedNames {
		b.WriteString("    <a href=\"")
		b.WriteString(html.EscapeString(n))
		b.WriteString("/\">")
		b.WriteString(html.EscapeString(n))
		b.WriteString("</a>\n")
	}
	b.WriteString("  </body>\n</html>\n")
	return []byte(b.String())
}

func renderRootJSON(normalizedNames []string) ([]byte, error) {
	root := pypi.SimpleRootIndex{Meta: pypi.SimpleMeta{APIVersion: pypi.SimpleAPIVersion}}
	for _, n := range normalizedNames {
		root.Projects = append(root.Projects, pypi.SimpleIndexProject{Name: n})
	}
	return json.Marshal(root)
}
