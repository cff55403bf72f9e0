package upstream_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wopan/gateway/internal/metrics"
	"github.com/wopan/gateway/internal/upstream"
)

// TestUploadChunkRetriesOnRetriableStatusThenSucceeds covers spec §8
// scenario 6: a chunk POST that first answers with a retriable status
// (503) must be retried and ultimately succeed, bumping
// wopan_upload_chunk_retries_total.
func TestUploadChunkRetriesOnRetriableStatusThenSucceeds(t *testing.T) {
	var attempts int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": "0000",
			"msg":  "ok",
			"data": map[string]any{"fid": "F1"},
		})
	}))
	defer srv.Close()

	client := upstream.NewClient(clientTestToken, upstream.WithUploadBaseURL(srv.URL))

	before := testutil.ToFloat64(metrics.UploadChunkRetries)

	data := []byte("hello world")
	fid, err := client.UploadFile(bytes.NewReader(data), int64(len(data)), "hello.txt", "0", nil)
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if fid != "F1" {
		t.Fatalf("fid = %q, want F1", fid)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("attempts = %d, want 2 (one retry)", got)
	}

	after := testutil.ToFloat64(metrics.UploadChunkRetries)
	if after-before != 1 {
		t.Fatalf("UploadChunkRetries increased by %v, want 1", after-before)
	}
}
