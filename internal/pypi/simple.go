package pypi

// SimpleAPIVersion is the meta.api-version value pypimirror emits in
// every rendered Simple JSON document (PEP 691).
const SimpleAPIVersion = "1.1"

// SimpleMeta is the "meta" object of a Simple JSON document.
type SimpleMeta struct {
	APIVersion string `json:"api-version"`
}

// SimpleFile is one entry of a project's "files" array in the Simple
// JSON API (PEP 691/700).
type SimpleFile struct {
	Filename        string            `json:"filename"`
	URL             string            `json:"url"`
	Hashes          map[string]string `json:"hashes"`
	RequiresPython  string            `json:"requires-python,omitempty"`
	Yanked          bool              `json:"yanked,omitempty"`
	Size            int64             `json:"size"`
	UploadTime      string            `json:"upload-time,omitempty"`
}

// SimpleProjectIndex is the document served at /simple/<project>/.
type SimpleProjectIndex struct {
	Meta     SimpleMeta   `json:"meta"`
	Name     string       `json:"name"`
	Files    []SimpleFile `json:"files"`
	Versions []string     `json:"versions,omitempty"`
}

// SimpleIndexProject is one entry of the root index's "projects" array.
type SimpleIndexProject struct {
	Name string `json:"name"`
}

// SimpleRootIndex is the document served at /simple/.
type SimpleRootIndex struct {
	Meta     SimpleMeta            `json:"meta"`
	Projects []SimpleIndexProject `json:"projects"`
}
