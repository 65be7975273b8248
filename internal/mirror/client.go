package mirror

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"log/slog"

	"github.com/pypimirror/pypimirror/internal/pypi"
)

// Errors classified per spec.md §7's taxonomy. Callers (the Package
// Pipeline, C4) branch on these with errors.Is.
var (
	// ErrUpstreamNotFound is returned by FetchProjectMetadata when
	// upstream reports 404/410 for a project: terminal, treated as a
	// deletion by the pipeline.
	ErrUpstreamNotFound = errors.New("project not found upstream")
	// ErrStaleMetadata is returned when the fetched document's
	// last_serial is lower than the serial the caller expected.
	ErrStaleMetadata = errors.New("stale metadata: served serial regressed")
	// ErrNotJSON is returned by FetchSimpleJSON when upstream serves
	// something other than the PEP 691 JSON representation: fatal for
	// the project per spec.md §4.2 ("no HTML fallback").
	ErrNotJSON = errors.New("simple index response was not JSON")
	// ErrIntegrity is returned by DownloadArtifact after every retry is
	// exhausted and the downloaded bytes still don't match the
	// declared digest/size.
	ErrIntegrity = errors.New("artifact integrity check failed")
)

const (
	simpleAcceptHeader  = "application/vnd.pypi.simple.v1+json"
	lastSerialHeader    = "X-PyPI-Last-Serial"
	userAgent           = "pypimirror (+https://github.com/pypimirror/pypimirror)"
	maxBackoff          = 30 * time.Second
)

// Client is the Upstream Client (C2): it issues every network call the
// engine makes against the upstream index, sharing one connection pool
// and one retry policy. Grounded on the teacher's HTTPClient
// (clonedTransport, semaphore-bounded concurrency, the retry-with-
// backoff loop in http_client.go:download) and retargeted at PyPI's
// three endpoints instead of APT's Release/Packages/.deb triad.
type Client struct {
	http      *http.Client
	semaphore chan struct{}
	storage   *Storage

	master                   *url.URL
	downloadMirror           *url.URL
	downloadMirrorNoFallback bool

	changelog *xmlrpcChangelogClient

	retries      int
	perRequestTO time.Duration
}

// NewClient builds a Client from the `[mirror]` configuration section.
// storage supplies the temp-file staging area DownloadArtifact uses.
func NewClient(mc *MirrorConfig, storage *Storage) (*Client, error) {
	pf, err := proxyFunc(mc.Proxy)
	if err != nil {
		return nil, errors.Wrap(err, "NewClient: proxy")
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = pf
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = mc.Workers * 4
	tr.IdleConnTimeout = 90 * time.Second

	if mc.TLS != nil {
		tlsConf, err := mc.TLS.BuildTLSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "NewClient: tls")
		}
		tr.TLSClientConfig = tlsConf
	}

	httpClient := &http.Client{Transport: tr} // timeout enforced via context, not Client.Timeout

	var dlMirror *url.URL
	if mc.DownloadMirror.URL != nil {
		dlMirror = mc.DownloadMirror.URL
	}

	retries := 3
	timeout := time.Duration(mc.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	concurrency := mc.Workers * 4
	if concurrency < 1 {
		concurrency = 4
	}

	return &Client{
		http:                     httpClient,
		semaphore:                make(chan struct{}, concurrency),
		storage:                  storage,
		master:                   mc.Master.URL,
		downloadMirror:           dlMirror,
		downloadMirrorNoFallback: mc.DownloadMirrorNoFallback,
		changelog:                newXMLRPCChangelogClient(resolveRef(mc.Master.URL, "pypi").String(), httpClient),
		retries:                  retries,
		perRequestTO:             timeout,
	}, nil
}

func resolveRef(base *url.URL, ref string) *url.URL {
	return base.ResolveReference(&url.URL{Path: ref})
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() { <-c.semaphore }

// isTransientStatus reports whether an HTTP status is retried per
// spec.md §7: any 5xx is transient. Transport errors (connect resets,
// timeouts) are retried by doWithRetry itself, not classified here.
func isTransientStatus(status int) bool {
	return status >= 500
}

func isTerminalStatus(status int) bool {
	return status == http.StatusNotFound || status == http.StatusGone
}

// backoff returns attempt's exponential delay with jitter, matching the
// teacher's `time.Sleep(time.Duration(1<<(retries-1)) * time.Second)`
// shape but with added jitter so a thundering herd of workers retrying
// the same transient 5xx doesn't resynchronize.
func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second // #nosec G115 - attempt bounded by c.retries (small int)
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2)) // #nosec G404 - jitter, not security sensitive
	return d + jitter
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, accept string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return req, nil
}

// doWithRetry executes fn (which issues one HTTP round trip) up to
// c.retries+1 times, retrying transient failures with backoff+jitter.
// fn must itself construct a fresh request each call (request bodies
// can't be replayed otherwise).
func (c *Client) doWithRetry(ctx context.Context, label string, fn func(ctx context.Context) (*http.Response, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			slog.Warn("retrying upstream request", "what", label, "attempt", attempt+1)
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.perRequestTO)
		resp, err := fn(reqCtx)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if isTerminalStatus(resp.StatusCode) {
			return resp, nil
		}
		if isTransientStatus(resp.StatusCode) {
			resp.Body.Close()
			lastErr = errors.Newf("%s: transient status %d", label, resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, errors.Wrapf(lastErr, "%s: exhausted retries", label)
}

// ChangelogSince implements spec.md §4.2's changelog_since(serial): it
// returns the current upstream serial and every changelog row recorded
// since serial, unmerged (a project changed several times appears once
// per row). serial == 0 asks for everything.
func (c *Client) ChangelogSince(ctx context.Context, serial int64) (int64, []pypi.ChangelogEntry, error) {
	if err := c.acquire(ctx); err != nil {
		return 0, nil, err
	}
	defer c.release()

	entries, err := c.changelog.changelogSinceSerial(ctx, serial)
	if err != nil {
		return 0, nil, errors.Wrap(err, "ChangelogSince")
	}

	current, err := c.CurrentSerial(ctx)
	if err != nil {
		// Fall back to the highest serial observed in the delta itself;
		// a fresh mirror with an empty changelog has no other source.
		current = pypi.MaxSerial(entries)
		if current < serial {
			current = serial
		}
	}
	return current, entries, nil
}

// CurrentSerial asks upstream for its current serial by reading the
// X-PyPI-Last-Serial header off a lightweight request to the root
// simple index, the same header PyPI has attached to every simple/JSON
// response for this purpose.
func (c *Client) CurrentSerial(ctx context.Context) (int64, error) {
	if err := c.acquire(ctx); err != nil {
		return 0, err
	}
	defer c.release()

	u := resolveRef(c.master, "simple/")
	resp, err := c.doWithRetry(ctx, "CurrentSerial", func(rctx context.Context) (*http.Response, error) {
		req, err := c.newRequest(rctx, http.MethodHead, u.String(), simpleAcceptHeader)
		if err != nil {
			return nil, err
		}
		return c.http.Do(req)
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	serial, parseErr := strconv.ParseInt(resp.Header.Get(lastSerialHeader), 10, 64)
	if parseErr != nil {
		return 0, errors.Wrap(parseErr, "CurrentSerial: missing or malformed "+lastSerialHeader)
	}
	return serial, nil
}

// FetchProjectMetadata fetches /pypi/<project>/json, per spec.md §4.2.
func (c *Client) FetchProjectMetadata(ctx context.Context, project string) (etag string, doc *pypi.WarehouseProject, err error) {
	if err := pypi.ValidateProjectName(project); err != nil {
		return "", nil, errors.Wrap(err, "FetchProjectMetadata")
	}
	if err := c.acquire(ctx); err != nil {
		return "", nil, err
	}
	defer c.release()

	u := resolveRef(c.master, path.Join("pypi", project, "json"))
	resp, err := c.doWithRetry(ctx, "FetchProjectMetadata("+project+")", func(rctx context.Context) (*http.Response, error) {
		req, err := c.newRequest(rctx, http.MethodGet, u.String(), "application/json")
		if err != nil {
			return nil, err
		}
		return c.http.Do(req)
	})
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if isTerminalStatus(resp.StatusCode) {
		return "", nil, errors.Wrapf(ErrUpstreamNotFound, "project %q", project)
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, errors.Newf("FetchProjectMetadata(%s): unexpected status %d", project, resp.StatusCode)
	}

	var warehouse pypi.WarehouseProject
	if err := json.NewDecoder(resp.Body).Decode(&warehouse); err != nil {
		return "", nil, errors.Wrapf(err, "FetchProjectMetadata(%s): decode", project)
	}
	return resp.Header.Get("ETag"), &warehouse, nil
}

// FetchSimpleJSON fetches /simple/<project>/ with the PEP 691 JSON
// Accept header. A non-JSON response (legacy HTML, a misconfigured
// proxy) is a fatal, non-retryable error for the project per spec.md
// §4.2 ("Failure on non-JSON response is fatal... no HTML fallback").
func (c *Client) FetchSimpleJSON(ctx context.Context, project string) (*pypi.SimpleProjectIndex, error) {
	if err := pypi.ValidateProjectName(project); err != nil {
		return nil, errors.Wrap(err, "FetchSimpleJSON")
	}
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	u := resolveRef(c.master, path.Join("simple", project)+"/")
	resp, err := c.doWithRetry(ctx, "FetchSimpleJSON("+project+")", func(rctx context.Context) (*http.Response, error) {
		req, err := c.newRequest(rctx, http.MethodGet, u.String(), simpleAcceptHeader)
		if err != nil {
			return nil, err
		}
		return c.http.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if isTerminalStatus(resp.StatusCode) {
		return nil, errors.Wrapf(ErrUpstreamNotFound, "project %q", project)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("FetchSimpleJSON(%s): unexpected status %d", project, resp.StatusCode)
	}

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "json") {
		return nil, errors.Wrapf(ErrNotJSON, "project %q (content-type %q)", project, ct)
	}

	var idx pypi.SimpleProjectIndex
	if err := json.NewDecoder(resp.Body).Decode(&idx); err != nil {
		return nil, errors.Wrapf(ErrNotJSON, "project %q: decode: %v", project, err)
	}
	return &idx, nil
}

// FetchSignature retrieves a release file's detached ASCII-armored
// signature from <url>.asc, which PyPI publishes alongside any file
// with has_sig=true. It isn't integrity-checked against a digest like
// artifact bytes are: the PGP verification step it feeds is the
// integrity check.
func (c *Client) FetchSignature(ctx context.Context, artifactURL string) ([]byte, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	resp, err := c.doWithRetry(ctx, "FetchSignature", func(rctx context.Context) (*http.Response, error) {
		req, err := c.newRequest(rctx, http.MethodGet, artifactURL+".asc", "")
		if err != nil {
			return nil, err
		}
		return c.http.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if isTerminalStatus(resp.StatusCode) {
		return nil, errors.Wrapf(ErrUpstreamNotFound, "signature for %q", artifactURL)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("FetchSignature(%s): unexpected status %d", artifactURL, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// DownloadArtifact streams rf's bytes to a temp file under storage,
// hashing progressively, and verifies the result against rf's declared
// sha256 and size (spec.md §4.4 step 6). It tries the configured
// download-mirror first and falls back to the authoritative URL unless
// download_mirror_no_fallback is set. On success it returns the temp
// file's path (ready for StoreContentAddressed) and the FileInfo
// computed from the bytes actually received. On integrity mismatch or
// exhausted retries, the temp file is removed and ErrIntegrity (wrapped)
// is returned.
func (c *Client) DownloadArtifact(ctx context.Context, rf *pypi.ReleaseFile) (tempPath string, fi *pypi.FileInfo, err error) {
	wantPath, err := rf.StoragePath()
	if err != nil {
		return "", nil, errors.Wrap(err, "DownloadArtifact")
	}
	want := pypi.NewFileInfo(wantPath, rf.Size, rf.Checksums)

	urls := []string{rf.URL}
	if c.downloadMirror != nil {
		mirrorURL := c.downloadMirror.ResolveReference(&url.URL{Path: path.Join(c.downloadMirror.Path, rf.Filename)})
		if c.downloadMirrorNoFallback {
			urls = []string{mirrorURL.String()}
		} else {
			urls = []string{mirrorURL.String(), rf.URL}
		}
	}

	var lastErr error
	for _, u := range urls {
		tempPath, fi, lastErr = c.downloadOnce(ctx, u, want)
		if lastErr == nil {
			return tempPath, fi, nil
		}
		slog.Warn("artifact download attempt failed", "url", u, "error", lastErr)
	}
	return "", nil, errors.Wrapf(ErrIntegrity, "%s: %v", rf.Filename, lastErr)
}

func (c *Client) downloadOnce(ctx context.Context, rawURL string, want *pypi.FileInfo) (string, *pypi.FileInfo, error) {
	if err := c.acquire(ctx); err != nil {
		return "", nil, err
	}
	defer c.release()

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt - 1)):
			case <-ctx.Done():
				return "", nil, ctx.Err()
			}
		}

		tempPath, fi, err := c.attemptDownload(ctx, rawURL, want.Path())
		if err == nil {
			if !fi.Same(want) {
				os.Remove(tempPath)
				lastErr = errors.Newf("checksum/size mismatch for %s", want.Path())
				continue
			}
			return tempPath, fi, nil
		}
		lastErr = err
	}
	return "", nil, lastErr
}

func (c *Client) attemptDownload(ctx context.Context, rawURL, path string) (string, *pypi.FileInfo, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.perRequestTO)
	defer cancel()

	req, err := c.newRequest(reqCtx, http.MethodGet, rawURL, "")
	if err != nil {
		return "", nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if isTerminalStatus(resp.StatusCode) {
		return "", nil, errors.Wrapf(ErrUpstreamNotFound, "download %s", rawURL)
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, errors.Newf("download %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	tmp, err := c.storage.TempFile()
	if err != nil {
		return "", nil, errors.Wrap(err, "attemptDownload: temp file")
	}
	defer tmp.Close()

	fi, err := pypi.CopyWithFileInfo(tmp, io.LimitReader(resp.Body, maxArtifactBytes), path)
	if err != nil {
		os.Remove(tmp.Name())
		return "", nil, errors.Wrap(err, "attemptDownload: copy")
	}
	if err := tmp.Sync(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, errors.Wrap(err, "attemptDownload: sync")
	}
	return tmp.Name(), fi, nil
}

// maxArtifactBytes bounds a single artifact download: no PyPI sdist or
// wheel approaches this, it exists solely so a misbehaving or malicious
// upstream can't stream an unbounded body into local disk.
const maxArtifactBytes = 10 << 30 // 10 GiB
