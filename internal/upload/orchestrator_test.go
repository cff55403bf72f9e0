package upload_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/wopan/gateway/internal/envelope"
	"github.com/wopan/gateway/internal/upload"
	"github.com/wopan/gateway/internal/upstream"
)

const testToken = "test-token-0123456789abcdef"

// fakeReporter records every ReportSuccess/ReportError call made against it.
type fakeReporter struct {
	mu        sync.Mutex
	successes int
	errors    []string
}

func (f *fakeReporter) ReportSuccess(token string) {
	f.mu.Lock()
	f.successes++
	f.mu.Unlock()
}

func (f *fakeReporter) ReportError(token, reason string) {
	f.mu.Lock()
	f.errors = append(f.errors, reason)
	f.mu.Unlock()
}

// fakeUpstream serves both the control-plane dispatcher (CreateDirectory)
// and the chunk-upload endpoint, mirroring just enough of the real wire
// protocol for the orchestrator to drive them end to end.
type fakeUpstream struct {
	codec   *envelope.Codec
	dirSeq  int
	mu      sync.Mutex
}

func newFakeUpstream() *fakeUpstream {
	c := &envelope.Codec{}
	c.BindToken(testToken)
	return &fakeUpstream{codec: c}
}

func (f *fakeUpstream) dispatcher(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.dirSeq++
	newID := fmt.Sprintf("dir-%d", f.dirSeq)
	f.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"id": newID})
	encrypted := f.codec.Encrypt(string(payload), "wohome")

	resp := map[string]any{
		"STATUS": "200",
		"MSG":    "ok",
		"RSP": map[string]any{
			"RSP_CODE": "0000",
			"RSP_DESC": "ok",
			"DATA":     encrypted,
		},
	}
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeUpstream) chunkUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	totalPart := r.FormValue("totalPart")
	partIndex := r.FormValue("partIndex")

	fid := ""
	if partIndex == totalPart {
		fid = "UPLOADED-FID"
	}

	json.NewEncoder(w).Encode(map[string]any{
		"code": "0000",
		"msg":  "ok",
		"data": map[string]string{"fid": fid},
	})
}

func newTestClient(t *testing.T, fu *fakeUpstream) *upstream.Client {
	t.Helper()
	dispatcherSrv := httptest.NewServer(http.HandlerFunc(fu.dispatcher))
	t.Cleanup(dispatcherSrv.Close)
	uploadSrv := httptest.NewServer(http.HandlerFunc(fu.chunkUpload))
	t.Cleanup(uploadSrv.Close)

	return upstream.NewClient(testToken,
		upstream.WithBaseURL(dispatcherSrv.URL),
		upstream.WithUploadBaseURL(uploadSrv.URL),
	)
}

func TestUploadSingleSmallFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	job, err := upload.NewJob(path, upstream.RootID, nil)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}

	fu := newFakeUpstream()
	client := newTestClient(t, fu)
	reporter := &fakeReporter{}

	job.Run(client, reporter)

	reports := job.Reports()
	if len(reports) != 1 {
		t.Fatalf("expected 1 item, got %d", len(reports))
	}
	r := reports[0]
	if r.State != upload.ItemSuccess {
		t.Fatalf("item state = %v, want success (err=%q)", r.State, r.ErrorMessage)
	}
	if r.Progress != 100 {
		t.Fatalf("progress = %d, want 100", r.Progress)
	}
	if r.Fid != "UPLOADED-FID" {
		t.Fatalf("fid = %q, want UPLOADED-FID", r.Fid)
	}
	if reporter.successes == 0 {
		t.Fatalf("expected at least one ReportSuccess call")
	}
}

func TestUploadDirectorySharedPrefixCreatesOnce(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "a.txt"), []byte("aaaa"), 0o644); err != nil {
		t.Fatalf("WriteFile a: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("bbbb"), 0o644); err != nil {
		t.Fatalf("WriteFile b: %v", err)
	}

	job, err := upload.NewJob(root, upstream.RootID, nil)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if len(job.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(job.Items))
	}

	fu := newFakeUpstream()
	client := newTestClient(t, fu)
	reporter := &fakeReporter{}

	job.Run(client, reporter)

	for _, r := range job.Reports() {
		if r.State != upload.ItemSuccess {
			t.Fatalf("item %q state = %v, want success (err=%q)", r.RelativePath, r.State, r.ErrorMessage)
		}
	}

	fu.mu.Lock()
	dirCalls := fu.dirSeq
	fu.mu.Unlock()
	if dirCalls != 1 {
		t.Fatalf("CreateDirectory called %d times, want exactly 1 for the shared sub/ prefix", dirCalls)
	}
}

func TestUploadIsolatesPerFileFailure(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "ok.txt"), []byte("fine"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	job, err := upload.NewJob(root, upstream.RootID, nil)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}

	// A client pointed at a server that always answers 400 (a non-retriable
	// status) on the chunk endpoint exercises the failed-item path without
	// crashing the job.
	failingSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer failingSrv.Close()

	client := upstream.NewClient(testToken, upstream.WithUploadBaseURL(failingSrv.URL))
	reporter := &fakeReporter{}

	job.Run(client, reporter)

	reports := job.Reports()
	if reports[0].State != upload.ItemFailed {
		t.Fatalf("item state = %v, want failed", reports[0].State)
	}
	if len(reporter.errors) == 0 {
		t.Fatalf("expected ReportError to be called")
	}
}
