package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/wopan/gateway/internal/tokenpool"
	"github.com/wopan/gateway/internal/upstream"
)

// handleDownloadURL implements GET /api/download/?url=<path>, where path is
// seg1/seg2/.../filename (at least 2 segments). It walks each segment via
// ListChildren, matching exact string equality on name, then resolves the
// terminal file's direct download URL.
func (h *Handler) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("url")
	segs := strings.Split(path, "/")
	if len(segs) < 2 || segs[0] == "" {
		writeFailure(w, http.StatusBadRequest, 401, "bad_request", "url must have at least 2 segments")
		return
	}

	client, token, err := h.acquireClient(tokenpool.RoundRobin)
	if err != nil {
		writeFailure(w, http.StatusServiceUnavailable, 404, "no token", err.Error())
		return
	}

	fid, err := h.resolveFid(client, segs)
	h.reportResult(token, err)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			writeFailure(w, http.StatusUnauthorized, 401, "not_found", "文件未找到")
			return
		}
		writeFailure(w, http.StatusUnauthorized, 401, "not_found", err.Error())
		return
	}

	entries, err := client.GetDownloadURLs([]string{fid})
	h.reportResult(token, err)
	if err != nil || len(entries) == 0 {
		writeFailure(w, http.StatusUnauthorized, 401, "transport", errString(err, "no download url returned"))
		return
	}

	writeSuccess(w, map[string]any{"url": entries[0].URL})
}

func errString(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}

// resolveFid performs the whole list traversal as one logical operation:
// only its overall success or failure is reported to the token pool, not
// each intermediate ListChildren call.
func (h *Handler) resolveFid(client *upstream.Client, segs []string) (string, error) {
	currentID := upstream.RootID
	for i, seg := range segs {
		nodes, err := client.ListChildren(currentID)
		if err != nil {
			return "", err
		}
		var found *upstream.RemoteNode
		for j := range nodes {
			if nodes[j].Name == seg {
				found = &nodes[j]
				break
			}
		}
		if found == nil {
			return "", upstream.ErrNotFound
		}
		if i == len(segs)-1 {
			if found.Kind != upstream.KindFile {
				return "", upstream.ErrNotFound
			}
			return found.FID, nil
		}
		if found.Kind != upstream.KindDirectory {
			return "", upstream.ErrNotFound
		}
		currentID = found.ID
	}
	return "", upstream.ErrNotFound
}

// handleFolders implements GET /api/folders: the names of root-level
// directories.
func (h *Handler) handleFolders(w http.ResponseWriter, r *http.Request) {
	client, token, err := h.acquireClient(tokenpool.RoundRobin)
	if err != nil {
		writeFailure(w, http.StatusServiceUnavailable, 404, "no token", err.Error())
		return
	}

	nodes, err := client.ListChildren(upstream.RootID)
	h.reportResult(token, err)
	if err != nil {
		writeFailure(w, http.StatusUnauthorized, 401, "transport", err.Error())
		return
	}

	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.Kind == upstream.KindDirectory {
			names = append(names, n.Name)
		}
	}
	writeSuccess(w, map[string]any{"folders": names})
}

// fileEntry is the wire shape of one file under GET /api/files.
type fileEntry struct {
	ID         string `json:"id"`
	Fid        string `json:"fid"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Type       int    `json:"type"`
	CreateTime string `json:"create_time"`
	FileType   string `json:"file_type"`
}

// handleFiles implements GET /api/files?folder=<name>: the first-level
// children of the named root directory.
func (h *Handler) handleFiles(w http.ResponseWriter, r *http.Request) {
	folder := r.URL.Query().Get("folder")
	if folder == "" {
		writeFailure(w, http.StatusBadRequest, 401, "bad_request", "folder is required")
		return
	}

	client, token, err := h.acquireClient(tokenpool.RoundRobin)
	if err != nil {
		writeFailure(w, http.StatusServiceUnavailable, 404, "no token", err.Error())
		return
	}

	folderID, err := h.findRootFolderID(client, folder)
	h.reportResult(token, err)
	if err != nil {
		writeFailure(w, http.StatusUnauthorized, 401, "not_found", err.Error())
		return
	}

	children, err := client.ListChildren(folderID)
	h.reportResult(token, err)
	if err != nil {
		writeFailure(w, http.StatusUnauthorized, 401, "transport", err.Error())
		return
	}

	files := make([]fileEntry, 0, len(children))
	for _, n := range children {
		if n.Kind != upstream.KindFile {
			continue
		}
		files = append(files, fileEntry{
			ID:         n.ID,
			Fid:        n.FID,
			Name:       n.Name,
			Size:       n.Size,
			Type:       1,
			CreateTime: n.CreatedAt,
			FileType:   n.FileType,
		})
	}

	writeSuccess(w, map[string]any{
		"folder":     folder,
		"file_count": len(files),
		"files":      files,
	})
}

func (h *Handler) findRootFolderID(client *upstream.Client, name string) (string, error) {
	nodes, err := client.ListChildren(upstream.RootID)
	if err != nil {
		return "", err
	}
	for _, n := range nodes {
		if n.Kind == upstream.KindDirectory && n.Name == name {
			return n.ID, nil
		}
	}
	return "", upstream.ErrNotFound
}

// handleBrowse implements GET /api/browse/{id}.
func (h *Handler) handleBrowse(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		id = upstream.RootID
	}

	client, token, err := h.acquireClient(tokenpool.RoundRobin)
	if err != nil {
		writeFailure(w, http.StatusServiceUnavailable, 404, "no token", err.Error())
		return
	}

	nodes, err := client.ListChildren(id)
	h.reportResult(token, err)
	if err != nil {
		writeFailure(w, http.StatusUnauthorized, 401, "transport", err.Error())
		return
	}

	writeSuccess(w, map[string]any{"entries": nodes})
}

// handleConnect implements POST /api/connect: validates a user-supplied
// token by listing the account root and, on success, issues a session id
// the UI can use for subsequent calls. This is a UI convenience only — the
// gateway's own operations always draw from the token pool.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeFailure(w, http.StatusBadRequest, 401, "bad_request", "token is required")
		return
	}

	client := h.newClient(req.Token)
	if _, err := client.ListChildren(upstream.RootID); err != nil {
		writeFailure(w, http.StatusUnauthorized, 401, "invalid_token", err.Error())
		return
	}

	session := newSessionID()
	h.sessMu.Lock()
	h.sessions[session] = req.Token
	h.sessMu.Unlock()

	writeSuccess(w, map[string]any{"session": session})
}
