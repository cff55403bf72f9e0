package gateway

import (
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/wopan/gateway/internal/tokenpool"
	"github.com/wopan/gateway/internal/upload"
)

const progressPollInterval = 200 * time.Millisecond

// handleUpload implements POST /api/upload: multipart files[] + folder_id.
// Each part is streamed to a scratch file, uploaded via the orchestrator,
// and the scratch file is removed once the job completes.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeFailure(w, http.StatusBadRequest, 401, "bad_request", err.Error())
		return
	}

	folderID := r.FormValue("folder_id")
	if folderID == "" {
		folderID = "0"
	}

	files := r.MultipartForm.File["files[]"]
	if len(files) == 0 {
		writeFailure(w, http.StatusBadRequest, 401, "bad_request", "files[] is required")
		return
	}

	if err := os.MkdirAll(h.cfg.UploadScratchDir, 0o755); err != nil {
		writeFailure(w, http.StatusInternalServerError, 500, "scratch_dir", err.Error())
		return
	}

	client, token, err := h.acquireClient(tokenpool.RoundRobin)
	if err != nil {
		writeFailure(w, http.StatusServiceUnavailable, 404, "no token", err.Error())
		return
	}

	jobID := uuid.NewString()
	reporter := clientReporter{pool: h.pool}

	results := make([]map[string]any, 0, len(files))
	for _, fh := range files {
		scratchPath, err := h.stageScratchFile(fh)
		if err != nil {
			results = append(results, map[string]any{"name": fh.Filename, "state": "failed", "error": err.Error()})
			continue
		}

		job, err := upload.NewJob(scratchPath, folderID, h.logger)
		if err != nil {
			os.Remove(scratchPath)
			results = append(results, map[string]any{"name": fh.Filename, "state": "failed", "error": err.Error()})
			continue
		}

		stop := h.streamJobProgress(jobID, job)
		job.Run(client, reporter)
		close(stop)

		os.Remove(scratchPath)

		for _, item := range job.Reports() {
			results = append(results, map[string]any{
				"name":     fh.Filename,
				"state":    item.State,
				"progress": item.Progress,
				"error":    item.ErrorMessage,
				"fid":      item.Fid,
			})
		}
	}

	writeSuccess(w, map[string]any{"job_id": jobID, "results": results})
}

// stageScratchFile copies an uploaded multipart part to a scratch file
// under the gateway's upload scratch directory.
func (h *Handler) stageScratchFile(fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	scratchPath := filepath.Join(h.cfg.UploadScratchDir, uuid.NewString()+"_"+filepath.Base(fh.Filename))
	dst, err := os.Create(scratchPath)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(scratchPath)
		return "", err
	}
	return scratchPath, nil
}

// streamJobProgress polls job's per-item state at a fixed interval,
// broadcasting only the transitions since the last poll over the
// WebSocket hub. Returns a channel the caller closes to stop polling.
func (h *Handler) streamJobProgress(jobID string, job *upload.Job) chan struct{} {
	stop := make(chan struct{})
	last := make(map[string]upload.ItemState)

	go func() {
		ticker := time.NewTicker(progressPollInterval)
		defer ticker.Stop()

		emit := func() {
			for _, item := range job.Reports() {
				if last[item.RelativePath] == item.State {
					continue
				}
				last[item.RelativePath] = item.State
				h.hub.broadcast(UploadEvent{
					JobID:        jobID,
					RelativePath: item.RelativePath,
					State:        string(item.State),
					Progress:     item.Progress,
					ErrorMessage: item.ErrorMessage,
				})
			}
		}

		for {
			select {
			case <-ticker.C:
				emit()
			case <-stop:
				emit()
				return
			}
		}
	}()

	return stop
}
