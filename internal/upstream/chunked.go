package upstream

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/wopan/gateway/internal/metrics"
)

// ChunkBytes is the size of every chunk but the last, per spec §4.3.1.
const ChunkBytes = 32 * 1024 * 1024

const channelWoCloud = "wocloud"

// uploadRetries is the total attempt count (including the first) for a
// single chunk POST, per spec §4.3.1.
const uploadRetries = 3

// retriableStatus is the set of HTTP statuses that warrant a chunk retry.
var retriableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// ChunkProgress is reported after each chunk completes, for the orchestrator
// to surface per-file progress.
type ChunkProgress struct {
	PartIndex  int
	TotalParts int
	SentBytes  int64
	TotalBytes int64
}

// UploadFile uploads the entirety of r (length size, named fileName) into
// directoryId as a sequence of chunks, invoking onProgress after each chunk
// completes. It returns the fid from the last chunk response that carried a
// non-empty one.
//
// The upload aborts on the first non-retriable chunk failure; on success the
// terminal chunk's fid, when present, overrides one carried by an earlier
// chunk (spec §4.3.1, "Upstream ambiguity").
func (c *Client) UploadFile(r io.ReaderAt, size int64, fileName, directoryID string, onProgress func(ChunkProgress)) (string, error) {
	totalParts := int(math.Ceil(float64(size) / float64(ChunkBytes)))
	if size == 0 {
		totalParts = 1 // an empty file still uploads as one empty chunk.
	}

	uniqueID, err := newUniqueID()
	if err != nil {
		return "", err
	}
	batchNo := time.Now().Format("20060102150405")

	fileInfoParam := map[string]any{
		"spaceType":   "0",
		"directoryId": directoryID,
		"batchNo":     batchNo,
		"fileName":    fileName,
		"fileSize":    size,
		"fileType":    ClassifyFileType(fileName),
	}
	fileInfoJSON, err := json.Marshal(fileInfoParam)
	if err != nil {
		return "", err
	}
	fileInfo := c.codec.Encrypt(string(fileInfoJSON), channelWoCloud)

	var fid string
	var sentBytes int64

	for part := 1; part <= totalParts; part++ {
		start := int64(part-1) * ChunkBytes
		end := start + ChunkBytes
		if end > size {
			end = size
		}
		partSize := end - start

		buf := make([]byte, partSize)
		if partSize > 0 {
			if _, err := r.ReadAt(buf, start); err != nil && err != io.EOF {
				return "", fmt.Errorf("upstream: reading chunk %d: %w", part, err)
			}
		}

		partFid, err := c.uploadChunk(c.uploadHTTPClient, uploadChunkRequest{
			uniqueID:    uniqueID,
			fileName:    fileName,
			fileSize:    size,
			totalParts:  totalParts,
			directoryID: directoryID,
			fileInfo:    fileInfo,
			partIndex:   part,
			partSize:    partSize,
			data:        buf,
		})
		if err != nil {
			return "", fmt.Errorf("upstream: chunk %d/%d failed: %w", part, totalParts, err)
		}
		if partFid != "" {
			fid = partFid
		}

		metrics.UploadBytes.Add(float64(partSize))
		sentBytes += partSize
		if onProgress != nil {
			onProgress(ChunkProgress{
				PartIndex:  part,
				TotalParts: totalParts,
				SentBytes:  sentBytes,
				TotalBytes: size,
			})
		}
	}

	if fid == "" {
		return "", ErrEmptyFid
	}
	return fid, nil
}

type uploadChunkRequest struct {
	uniqueID    string
	fileName    string
	fileSize    int64
	totalParts  int
	directoryID string
	fileInfo    string
	partIndex   int
	partSize    int64
	data        []byte
}

type chunkAPIResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Fid string `json:"fid"`
	} `json:"data"`
}

// uploadChunk POSTs one multipart chunk with retry-on-transport-failure per
// spec §4.3.1: 3 total attempts, retrying on HTTP {429,500,502,503,504}.
func (c *Client) uploadChunk(httpClient *http.Client, req uploadChunkRequest) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= uploadRetries; attempt++ {
		body, contentType, err := buildChunkForm(req, c.token)
		if err != nil {
			return "", err
		}

		httpReq, err := http.NewRequest(http.MethodPost, c.uploadBaseURL, body)
		if err != nil {
			return "", err
		}
		httpReq.Header.Set("Content-Type", contentType)
		httpReq.Header.Set("User-Agent", defaultUserAgent)
		httpReq.Header.Set("Origin", "https://pan.wo.cn")
		httpReq.Header.Set("Referer", "https://pan.wo.cn/")

		resp, err := httpClient.Do(httpReq)
		if err != nil {
			lastErr = &TransportError{Status: err.Error()}
			if attempt < uploadRetries {
				metrics.UploadChunkRetries.Inc()
			}
			continue
		}

		if retriableStatus[resp.StatusCode] {
			resp.Body.Close()
			lastErr = &TransportError{StatusCode: resp.StatusCode, Status: resp.Status}
			if attempt < uploadRetries {
				metrics.UploadChunkRetries.Inc()
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return "", &TransportError{StatusCode: resp.StatusCode, Status: resp.Status}
		}

		var parsed chunkAPIResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		if decodeErr != nil {
			return "", ErrBadResponse
		}
		if parsed.Code != "0000" {
			return "", &APIError{Code: parsed.Code, Desc: parsed.Msg}
		}
		return parsed.Data.Fid, nil
	}

	return "", lastErr
}

// buildChunkForm assembles the multipart/form-data body for one chunk POST.
func buildChunkForm(req uploadChunkRequest, accessToken string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"uniqueId":    req.uniqueID,
		"accessToken": accessToken,
		"fileName":    filepath.Base(req.fileName),
		"psToken":     "undefined",
		"fileSize":    strconv.FormatInt(req.fileSize, 10),
		"totalPart":   strconv.Itoa(req.totalParts),
		"channel":     channelWoCloud,
		"directoryId": req.directoryID,
		"fileInfo":    req.fileInfo,
		"partSize":    strconv.FormatInt(req.partSize, 10),
		"partIndex":   strconv.Itoa(req.partIndex),
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	part, err := w.CreateFormFile("file", filepath.Base(req.fileName))
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return &buf, w.FormDataContentType(), nil
}

const uniqueIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// newUniqueID mints the per-job "<ms-epoch>_<6-random-ASCII-letters>"
// identifier the upload form requires (spec §4.3.1). It is distinct from the
// uuid.UUID job identifiers the gateway/orchestrator use internally — this
// exact format is dictated by the wire protocol, not a free implementation
// choice.
func newUniqueID() (string, error) {
	suffix := make([]byte, 6)
	raw := make([]byte, 6)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	for i, b := range raw {
		suffix[i] = uniqueIDAlphabet[int(b)%len(uniqueIDAlphabet)]
	}
	return fmt.Sprintf("%d_%s", time.Now().UnixMilli(), suffix), nil
}
