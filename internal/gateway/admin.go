package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wopan/gateway/internal/tokenpool"
)

// handleDelete implements POST /api/delete: {file_id, is_folder}.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileID   string `json:"file_id"`
		IsFolder bool   `json:"is_folder"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileID == "" {
		writeFailure(w, http.StatusBadRequest, 401, "bad_request", "file_id is required")
		return
	}

	client, token, err := h.acquireClient(tokenpool.RoundRobin)
	if err != nil {
		writeFailure(w, http.StatusServiceUnavailable, 404, "no token", err.Error())
		return
	}

	var dirIDs, fileIDs []string
	if req.IsFolder {
		dirIDs = []string{req.FileID}
	} else {
		fileIDs = []string{req.FileID}
	}

	err = client.Delete(dirIDs, fileIDs)
	h.reportResult(token, err)
	if err != nil {
		writeFailure(w, http.StatusUnauthorized, 401, "transport", err.Error())
		return
	}

	writeSuccess(w, nil)
}

// handleCreateFolder implements POST /api/create_folder: {folder_name, parent_id}.
func (h *Handler) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FolderName string `json:"folder_name"`
		ParentID   string `json:"parent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FolderName == "" {
		writeFailure(w, http.StatusBadRequest, 401, "bad_request", "folder_name is required")
		return
	}
	if req.ParentID == "" {
		req.ParentID = "0"
	}

	client, token, err := h.acquireClient(tokenpool.RoundRobin)
	if err != nil {
		writeFailure(w, http.StatusServiceUnavailable, 404, "no token", err.Error())
		return
	}

	id, err := client.CreateDirectory(req.ParentID, req.FolderName)
	h.reportResult(token, err)
	if err != nil {
		writeFailure(w, http.StatusUnauthorized, 401, "transport", err.Error())
		return
	}

	writeSuccess(w, map[string]any{"id": id})
}

// handleTokenGet implements GET /api/token/get?strategy=, exposing
// TokenPool.Acquire to peer processes.
func (h *Handler) handleTokenGet(w http.ResponseWriter, r *http.Request) {
	strategy := tokenpool.Strategy(r.URL.Query().Get("strategy"))
	if strategy == "" {
		strategy = tokenpool.RoundRobin
	}

	token, err := h.pool.Acquire(strategy)
	if err != nil {
		writeFailure(w, http.StatusServiceUnavailable, 404, "no token", err.Error())
		return
	}
	writeSuccess(w, map[string]any{"token": token})
}

// handleTokenReport implements POST /api/token/report: {token, success, error?}.
func (h *Handler) handleTokenReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token   string `json:"token"`
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeFailure(w, http.StatusBadRequest, 401, "bad_request", "token is required")
		return
	}

	if req.Success {
		h.pool.ReportSuccess(req.Token)
	} else {
		h.pool.ReportError(req.Token, req.Error)
	}
	writeSuccess(w, nil)
}

// handleTokenStats implements GET /api/token/stats.
func (h *Handler) handleTokenStats(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]any{"tokens": h.pool.Stats()})
}

// handleTokenAdd implements POST /api/token/add: {token, name?}.
func (h *Handler) handleTokenAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeFailure(w, http.StatusBadRequest, 401, "bad_request", "token is required")
		return
	}

	if err := h.pool.Add(req.Token, req.Name); err != nil {
		if errors.Is(err, tokenpool.ErrDuplicateToken) {
			writeFailure(w, http.StatusConflict, 409, "duplicate_token", err.Error())
			return
		}
		writeFailure(w, http.StatusInternalServerError, 500, "persist_failed", err.Error())
		return
	}
	writeSuccess(w, nil)
}

// handleTokenRemove implements DELETE /api/token/remove: {token}.
func (h *Handler) handleTokenRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeFailure(w, http.StatusBadRequest, 401, "bad_request", "token is required")
		return
	}

	if err := h.pool.Remove(req.Token); err != nil {
		writeFailure(w, http.StatusInternalServerError, 500, "persist_failed", err.Error())
		return
	}
	writeSuccess(w, nil)
}
