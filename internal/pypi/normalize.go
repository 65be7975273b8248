package pypi

import (
	"path"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
)

var nameSepRun = regexp.MustCompile(`[-_.]+`)

// NormalizeName applies PEP 503 name normalization: runs of "-", "_" and
// "." are collapsed to a single "-" and the result is lower-cased. Two
// project names that normalize to the same string refer to the same
// project.
func NormalizeName(name string) string {
	return strings.ToLower(nameSepRun.ReplaceAllString(name, "-"))
}

// ValidateProjectName rejects names that cannot appear as a path
// component, guarding every call site that joins an upstream-reported
// name into a storage path.
func ValidateProjectName(name string) error {
	if name == "" {
		return errors.New("empty project name")
	}
	clean := path.Clean(name)
	if clean != name || strings.Contains(name, "/") || strings.Contains(name, "\\") {
		return errors.New("unsafe project name: " + name)
	}
	if name == "." || name == ".." {
		return errors.New("unsafe project name: " + name)
	}
	return nil
}

// ArtifactPath returns the content-addressed storage path for a release
// file, given its SHA256 hex digest and filename:
//
//	packages/<b1b2>/<b3b4>/<rest-of-sha256>/<filename>
//
// matching the layout Warehouse itself uses for package URLs.
func ArtifactPath(sha256Hex, filename string) (string, error) {
	if len(sha256Hex) < 4 {
		return "", errors.New("sha256 digest too short: " + sha256Hex)
	}
	if err := ValidateProjectName(filename); err != nil {
		return "", errors.Wrap(err, "ArtifactPath")
	}
	b1b2 := sha256Hex[0:2]
	b3b4 := sha256Hex[2:4]
	rest := sha256Hex[4:]
	return path.Join("packages", b1b2, b3b4, rest, filename), nil
}

// ProjectIndexDir returns the directory under which a project's simple
// index documents live, keyed by its normalized name. Metadata JSON is
// not stored here; it lives under web/json and web/pypi.
func ProjectIndexDir(normalizedName string) string {
	return path.Join("simple", normalizedName)
}
