package mirror

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/cockroachdb/errors"
)

func newTestController(t *testing.T, changelogXML, serial string) (*Controller, *Storage) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.Header().Set("Content-Type", "text/xml")
			w.Write([]byte(changelogXML))
		case r.Method == http.MethodHead:
			w.Header().Set(lastSerialHeader, serial)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	storage := newTestStorage(t)
	client, err := NewClient(&MirrorConfig{Master: tomlURL{URL: base}, Workers: 1, Timeout: 5}, storage)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	mc := &MirrorConfig{SimpleFormat: SimpleFormatAll, Workers: 1}
	index := NewIndexWriter(mc, storage)
	sigs, err := NewSignatureVerifier(mc)
	if err != nil {
		t.Fatalf("NewSignatureVerifier: %v", err)
	}
	pipeline := NewPipeline(mc, PipelineDeps{
		Client:   client,
		Storage:  storage,
		Filters:  &FilterChain{},
		Index:    index,
		Sigs:     sigs,
		Metrics:  NewMetrics(),
		Progress: NewProgressReporter(false, 0),
	})

	cfg := &Config{Mirror: *mc}
	ctl := NewController(cfg, storage, client, pipeline, index)
	return ctl, storage
}

const emptyChangelogXML = `<?xml version="1.0"?>
<methodResponse><params><param><value><array><data>
</data></array></value></param></params></methodResponse>`

func TestControllerRunEmptyChangelogFinalizes(t *testing.T) {
	ctl, storage := newTestController(t, emptyChangelogXML, "10")

	result, err := ctl.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TargetSerial != 10 {
		t.Errorf("TargetSerial = %d, want 10", result.TargetSerial)
	}
	if result.Failed != 0 {
		t.Errorf("Failed = %d, want 0", result.Failed)
	}

	cursor, err := LoadCursorState(storage)
	if err != nil {
		t.Fatalf("LoadCursorState: %v", err)
	}
	if cursor.Status != 10 {
		t.Errorf("cursor.Status = %d, want 10 after finalize", cursor.Status)
	}
	if storage.Exists(todoPath) {
		t.Error("todo file should be deleted after a successful finalize")
	}
}

func TestControllerPlanDoesNotFinalize(t *testing.T) {
	ctl, storage := newTestController(t, emptyChangelogXML, "10")

	todo, err := ctl.Plan(context.Background(), false)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if todo.TargetSerial != 10 {
		t.Errorf("TargetSerial = %d, want 10", todo.TargetSerial)
	}

	cursor, err := LoadCursorState(storage)
	if err != nil {
		t.Fatalf("LoadCursorState: %v", err)
	}
	if cursor.Status != 0 {
		t.Errorf("cursor.Status = %d, want 0: Plan must not finalize", cursor.Status)
	}
	if !storage.Exists(todoPath) {
		t.Error("Plan should still persist the discovered todo for a later resume")
	}
}

func TestControllerRunResumesExistingTodo(t *testing.T) {
	ctl, storage := newTestController(t, emptyChangelogXML, "99")

	seeded := NewTodo(50, []string{"numpy"})
	if err := seeded.Save(storage); err != nil {
		t.Fatalf("seed Save: %v", err)
	}

	result, err := ctl.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TargetSerial != 50 {
		t.Errorf("TargetSerial = %d, want 50 (resumed todo, not a fresh discovery)", result.TargetSerial)
	}
}

func TestControllerRunForceCheckIgnoresExistingTodo(t *testing.T) {
	ctl, storage := newTestController(t, emptyChangelogXML, "99")

	seeded := NewTodo(50, []string{"numpy"})
	if err := seeded.Save(storage); err != nil {
		t.Fatalf("seed Save: %v", err)
	}

	result, err := ctl.Run(context.Background(), true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TargetSerial != 99 {
		t.Errorf("TargetSerial = %d, want 99 (force-check discards the existing todo)", result.TargetSerial)
	}
}

func TestControllerRunSecondRunFailsToAcquireLock(t *testing.T) {
	ctl, storage := newTestController(t, emptyChangelogXML, "10")

	lock, err := storage.AcquireMirrorLock()
	if err != nil {
		t.Fatalf("AcquireMirrorLock: %v", err)
	}
	defer lock.Unlock()

	if _, err := ctl.Run(context.Background(), false); !errors.Is(err, ErrLocked) {
		t.Errorf("Run() error = %v, want ErrLocked while the lock is already held", err)
	}
}
