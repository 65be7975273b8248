package mirror

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/pypimirror/pypimirror/internal/pypi"
)

const changelogResponseXML = `<?xml version="1.0"?>
<methodResponse><params><param><value><array><data>
<value><array><data>
<value><string>numpy</string></value>
<value><string>1.0.0</string></value>
<value><int>1700000000</int></value>
<value><string>new release</string></value>
<value><int>42</int></value>
</data></array></value>
</data></array></value></param></params></methodResponse>`

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	storage := newTestStorage(t)
	c, err := NewClient(&MirrorConfig{
		Master:  tomlURL{URL: base},
		Workers: 2,
		Timeout: 5,
	}, storage)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, srv
}

func TestClientChangelogSince(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/pypi"):
			w.Header().Set("Content-Type", "text/xml")
			fmt.Fprint(w, changelogResponseXML)
		case r.Method == http.MethodHead && strings.HasSuffix(r.URL.Path, "/simple/"):
			w.Header().Set(lastSerialHeader, "99")
		default:
			http.NotFound(w, r)
		}
	})

	current, entries, err := c.ChangelogSince(context.Background(), 0)
	if err != nil {
		t.Fatalf("ChangelogSince: %v", err)
	}
	if current != 99 {
		t.Errorf("current serial = %d, want 99", current)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Project != "numpy" || entries[0].Serial != 42 {
		t.Errorf("entries[0] = %+v, want project numpy serial 42", entries[0])
	}
}

func TestClientCurrentSerial(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			http.Error(w, "want HEAD", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set(lastSerialHeader, "7")
	})

	serial, err := c.CurrentSerial(context.Background())
	if err != nil {
		t.Fatalf("CurrentSerial: %v", err)
	}
	if serial != 7 {
		t.Errorf("serial = %d, want 7", serial)
	}
}

func TestClientCurrentSerialMissingHeader(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {})
	if _, err := c.CurrentSerial(context.Background()); err == nil {
		t.Fatal("CurrentSerial() = nil error, want one for a missing X-PyPI-Last-Serial header")
	}
}

func TestClientFetchProjectMetadata(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pypi/example-pkg/json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		fmt.Fprint(w, `{"info":{"name":"example-pkg"},"last_serial":5,"releases":{}}`)
	})

	etag, doc, err := c.FetchProjectMetadata(context.Background(), "example-pkg")
	if err != nil {
		t.Fatalf("FetchProjectMetadata: %v", err)
	}
	if etag != `"abc"` {
		t.Errorf("etag = %q, want \"abc\"", etag)
	}
	if doc.Info.Name != "example-pkg" || doc.LastSerial != 5 {
		t.Errorf("doc = %+v, unexpected", doc)
	}
}

func TestClientFetchProjectMetadataNotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	if _, _, err := c.FetchProjectMetadata(context.Background(), "missing-pkg"); !errors.Is(err, ErrUpstreamNotFound) {
		t.Errorf("FetchProjectMetadata() error = %v, want ErrUpstreamNotFound", err)
	}
}

func TestClientFetchSimpleJSON(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/simple/example-pkg/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", simpleAcceptHeader)
		fmt.Fprint(w, `{"meta":{"api-version":"1.1"},"name":"example-pkg","files":[]}`)
	})

	idx, err := c.FetchSimpleJSON(context.Background(), "example-pkg")
	if err != nil {
		t.Fatalf("FetchSimpleJSON: %v", err)
	}
	if idx.Name != "example-pkg" {
		t.Errorf("Name = %q, want example-pkg", idx.Name)
	}
}

func TestClientFetchSimpleJSONNonJSONIsFatal(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html></html>")
	})
	if _, err := c.FetchSimpleJSON(context.Background(), "example-pkg"); !errors.Is(err, ErrNotJSON) {
		t.Errorf("FetchSimpleJSON() error = %v, want ErrNotJSON", err)
	}
}

func TestClientFetchSignature(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/packages/example_pkg-1.0.0.tar.gz.asc" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "-----BEGIN PGP SIGNATURE-----\n...\n-----END PGP SIGNATURE-----")
	})

	sig, err := c.FetchSignature(context.Background(), srv.URL+"/packages/example_pkg-1.0.0.tar.gz")
	if err != nil {
		t.Fatalf("FetchSignature: %v", err)
	}
	if !strings.Contains(string(sig), "BEGIN PGP SIGNATURE") {
		t.Errorf("signature body = %q, missing armor header", sig)
	}
}

func TestClientDownloadArtifact(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	sum := sha256.Sum256(payload)

	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/packages/example_pkg-1.0.0.tar.gz" {
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	})

	rf := &pypi.ReleaseFile{
		URL:       srv.URL + "/packages/example_pkg-1.0.0.tar.gz",
		Filename:  "example_pkg-1.0.0.tar.gz",
		Size:      uint64(len(payload)),
		Checksums: pypi.Checksums{SHA256: sum[:]},
	}

	tempPath, fi, err := c.DownloadArtifact(context.Background(), rf)
	if err != nil {
		t.Fatalf("DownloadArtifact: %v", err)
	}
	defer os.Remove(tempPath)

	if fi.Size() != uint64(len(payload)) {
		t.Errorf("Size() = %d, want %d", fi.Size(), len(payload))
	}
	got, err := os.ReadFile(tempPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(payload) {
		t.Error("downloaded bytes don't match served payload")
	}
}

func TestClientDownloadArtifactIntegrityMismatch(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not what was promised"))
	})

	badSum := sha256.Sum256([]byte("something else entirely"))
	rf := &pypi.ReleaseFile{
		URL:       srv.URL + "/packages/example_pkg-1.0.0.tar.gz",
		Filename:  "example_pkg-1.0.0.tar.gz",
		Size:      999,
		Checksums: pypi.Checksums{SHA256: badSum[:]},
	}

	if _, _, err := c.DownloadArtifact(context.Background(), rf); !errors.Is(err, ErrIntegrity) {
		t.Errorf("DownloadArtifact() error = %v, want ErrIntegrity", err)
	}
}
