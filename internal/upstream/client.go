package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wopan/gateway/internal/envelope"
)

const (
	// DefaultBaseURL is the control-plane dispatcher origin.
	DefaultBaseURL = "https://panservice.mail.wo.cn"

	// DefaultUploadBaseURL is the chunked-upload origin, distinct from the
	// AES-enveloped control plane.
	DefaultUploadBaseURL = "https://tjupload.pan.wo.cn/openapi/client/upload2C"

	defaultClientID  = "1001000021"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36 Edg/114.0.1823.37"

	channelWoHome = "wohome"

	// DefaultTimeout is the read timeout for control-plane calls (spec §4.3).
	DefaultTimeout = 30 * time.Second
)

// Client is a session bound to one upstream bearer token. It owns the HTTP
// client (fixed origin/referer/UA headers, injected Accesstoken), the
// envelope codec bound to this token's access key, and exposes the typed
// dispatcher operations. A Client is not safe for concurrent structural
// mutation (there is none after construction) but its operations are safe
// to call concurrently — they share no mutable state beyond the underlying
// *http.Client, which is.
type Client struct {
	baseURL       string
	uploadBaseURL string
	clientID      string
	token         string

	httpClient       *http.Client
	uploadHTTPClient *http.Client
	codec            *envelope.Codec
	logger           *slog.Logger
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithBaseURL overrides the control-plane dispatcher origin (used in tests
// to point at a fake upstream).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithUploadBaseURL overrides the chunk-upload origin.
func WithUploadBaseURL(u string) Option {
	return func(c *Client) { c.uploadBaseURL = u }
}

// WithLogger attaches a structured logger; a nil logger (the default) is
// replaced with slog.Default() lazily on first use.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient builds a session bound to token. The returned client owns an
// *http.Client whose Transport keeps at least 10 idle connections per host,
// per the spec's requirement that chunk uploads reuse connections rather
// than reconnecting per part.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL:       DefaultBaseURL,
		uploadBaseURL: DefaultUploadBaseURL,
		clientID:      defaultClientID,
		token:         token,
		codec:         &envelope.Codec{},
	}
	c.codec.BindToken(token)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 16

	c.httpClient = &http.Client{
		Timeout:   DefaultTimeout,
		Transport: transport,
	}

	uploadTransport := http.DefaultTransport.(*http.Transport).Clone()
	uploadTransport.MaxIdleConnsPerHost = 16
	c.uploadHTTPClient = &http.Client{
		Timeout:   300 * time.Second,
		Transport: uploadTransport,
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Token returns the bearer token this client is bound to, for callers that
// need to report results back to the token pool.
func (c *Client) Token() string { return c.token }

// dispatcherEnvelope is the outer response shape returned by every
// control-plane call.
type dispatcherEnvelope struct {
	Status string `json:"STATUS"`
	Msg    string `json:"MSG"`
	Rsp    struct {
		Code string `json:"RSP_CODE"`
		Desc string `json:"RSP_DESC"`
		Data any    `json:"DATA"`
	} `json:"RSP"`
}

// call POSTs one enveloped request for key/channel/param to the dispatcher
// and returns the decrypted, parsed JSON payload under DATA. A non-success
// STATUS or RSP_CODE yields (nil, *APIError); a transport failure yields
// (nil, *TransportError); a malformed response body yields (nil, ErrBadResponse).
func (c *Client) call(key, channel string, param any) (json.RawMessage, error) {
	reqBody, err := buildRequest(c.codec, key, channel, param)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s/dispatcher", c.baseURL, channel)
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	c.setControlPlaneHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Status: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var env dispatcherEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, ErrBadResponse
	}

	if env.Status != "200" {
		return nil, &APIError{Code: env.Status, Desc: env.Msg}
	}
	if env.Rsp.Code != "0000" {
		return nil, &APIError{Code: env.Rsp.Code, Desc: env.Rsp.Desc}
	}

	dataStr, ok := env.Rsp.Data.(string)
	if !ok {
		// DATA was not a ciphertext string (e.g. already-structured JSON);
		// re-marshal it verbatim for the caller to unmarshal.
		return json.Marshal(env.Rsp.Data)
	}

	decrypted := c.codec.Decrypt(dataStr, channel)
	return json.RawMessage(decrypted), nil
}

func (c *Client) setControlPlaneHeaders(r *http.Request) {
	r.Header.Set("User-Agent", defaultUserAgent)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	r.Header.Set("Origin", "https://pan.wo.cn")
	r.Header.Set("Referer", "https://pan.wo.cn/")
	r.Header.Set("Accesstoken", c.token)
}

// ListChildren lists the immediate children of parentID ("0" for the
// account root).
func (c *Client) ListChildren(parentID string) ([]RemoteNode, error) {
	param := map[string]any{
		"spaceType":         "0",
		"parentDirectoryId": parentID,
		"pageNum":           0,
		"pageSize":          100,
		"sortRule":          1,
		"clientId":          c.clientID,
	}

	data, err := c.call("QueryAllFiles", channelWoHome, param)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Files []struct {
			ID         string `json:"id"`
			Fid        string `json:"fid"`
			Name       string `json:"name"`
			Size       int64  `json:"size"`
			Type       int    `json:"type"`
			CreateTime string `json:"createTime"`
		} `json:"files"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, ErrBadResponse
	}

	nodes := make([]RemoteNode, 0, len(parsed.Files))
	for _, f := range parsed.Files {
		kind := KindFile
		if f.Type == 0 {
			kind = KindDirectory
		}
		fileType := ""
		if kind == KindFile {
			fileType = ClassifyFileType(f.Name)
		}
		nodes = append(nodes, RemoteNode{
			ID:        f.ID,
			FID:       f.Fid,
			Name:      f.Name,
			Size:      f.Size,
			Kind:      kind,
			CreatedAt: f.CreateTime,
			FileType:  fileType,
		})
	}
	return nodes, nil
}

// DownloadEntry is one element of GetDownloadURLs' result.
type DownloadEntry struct {
	Fid string
	URL string
}

// GetDownloadURLs resolves direct download URLs for the given fids. It tries
// the V2 endpoint first and falls back to the legacy shape exactly once on
// failure, per spec §4.3.
func (c *Client) GetDownloadURLs(fids []string) ([]DownloadEntry, error) {
	entries, err := c.getDownloadURLsV2(fids)
	if err == nil {
		return entries, nil
	}
	c.logger.Warn("GetDownloadUrlV2 failed, falling back to legacy endpoint", "err", err)
	return c.getDownloadURLLegacy(fids)
}

func (c *Client) getDownloadURLsV2(fids []string) ([]DownloadEntry, error) {
	param := map[string]any{
		"type":     "1",
		"fidList":  fids,
		"clientId": c.clientID,
	}
	data, err := c.call("GetDownloadUrlV2", channelWoHome, param)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		List []struct {
			Fid         string `json:"fid"`
			DownloadURL string `json:"downloadUrl"`
		} `json:"list"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, ErrBadResponse
	}

	out := make([]DownloadEntry, 0, len(parsed.List))
	for _, e := range parsed.List {
		out = append(out, DownloadEntry{Fid: e.Fid, URL: e.DownloadURL})
	}
	return out, nil
}

func (c *Client) getDownloadURLLegacy(fids []string) ([]DownloadEntry, error) {
	param := map[string]any{
		"fidList":   fids,
		"clientId":  c.clientID,
		"spaceType": "0",
	}
	data, err := c.call("GetDownloadUrl", channelWoHome, param)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		List []struct {
			Fid         string `json:"fid"`
			DownloadURL string `json:"downloadUrl"`
		} `json:"list"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, ErrBadResponse
	}

	out := make([]DownloadEntry, 0, len(parsed.List))
	for _, e := range parsed.List {
		out = append(out, DownloadEntry{Fid: e.Fid, URL: e.DownloadURL})
	}
	return out, nil
}

// CreateDirectory creates a new directory named name under parentID and
// returns its new directory id.
func (c *Client) CreateDirectory(parentID, name string) (string, error) {
	param := map[string]any{
		"spaceType":         "0",
		"parentDirectoryId": parentID,
		"directoryName":     name,
		"familyId":          "",
	}
	data, err := c.call("CreateDirectory", channelWoHome, param)
	if err != nil {
		return "", err
	}

	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", ErrBadResponse
	}
	return parsed.ID, nil
}

// Delete removes the given directory ids and file ids from the account.
func (c *Client) Delete(dirIDs, fileIDs []string) error {
	if dirIDs == nil {
		dirIDs = []string{}
	}
	if fileIDs == nil {
		fileIDs = []string{}
	}
	param := map[string]any{
		"spaceType": "0",
		"vipLevel":  "0",
		"dirList":   dirIDs,
		"fileList":  fileIDs,
		"clientId":  c.clientID,
	}
	_, err := c.call("DeleteFile", channelWoHome, param)
	return err
}
