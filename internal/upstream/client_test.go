package upstream_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wopan/gateway/internal/envelope"
	"github.com/wopan/gateway/internal/upstream"
)

const clientTestToken = "client-test-token-0123456789ab"

type wireEnvelope struct {
	Header struct {
		Key     string `json:"key"`
		Channel string `json:"channel"`
	} `json:"header"`
	Body struct {
		Param string `json:"param"`
	} `json:"body"`
}

func decryptParam(t *testing.T, codec *envelope.Codec, r *http.Request) (wireEnvelope, map[string]any) {
	t.Helper()
	var env wireEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	var param map[string]any
	if env.Body.Param != "" {
		decrypted := codec.Decrypt(env.Body.Param, env.Header.Channel)
		if err := json.Unmarshal([]byte(decrypted), &param); err != nil {
			t.Fatalf("unmarshal decrypted param: %v", err)
		}
	}
	return env, param
}

func respond(w http.ResponseWriter, codec *envelope.Codec, channel string, data any) {
	payload, _ := json.Marshal(data)
	encrypted := codec.Encrypt(string(payload), channel)
	json.NewEncoder(w).Encode(map[string]any{
		"STATUS": "200",
		"MSG":    "ok",
		"RSP": map[string]any{
			"RSP_CODE": "0000",
			"RSP_DESC": "ok",
			"DATA":     encrypted,
		},
	})
}

func respondAPIError(w http.ResponseWriter, code, desc string) {
	json.NewEncoder(w).Encode(map[string]any{
		"STATUS": "200",
		"MSG":    "ok",
		"RSP": map[string]any{
			"RSP_CODE": code,
			"RSP_DESC": desc,
			"DATA":     "",
		},
	})
}

func TestListChildrenParsesFilesAndDirectories(t *testing.T) {
	codec := &envelope.Codec{}
	codec.BindToken(clientTestToken)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env, _ := decryptParam(t, codec, r)
		if env.Header.Key != "QueryAllFiles" {
			t.Fatalf("unexpected key %q", env.Header.Key)
		}
		respond(w, codec, "wohome", map[string]any{"files": []map[string]any{
			{"id": "10", "fid": "", "name": "A", "size": 0, "type": 0, "createTime": "20260101000000"},
			{"id": "", "fid": "FX", "name": "x.txt", "size": 5, "type": 1, "createTime": "20260101000000"},
		}})
	}))
	defer srv.Close()

	client := upstream.NewClient(clientTestToken, upstream.WithBaseURL(srv.URL))
	nodes, err := client.ListChildren(upstream.RootID)
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(nodes))
	}
	if nodes[0].Kind != upstream.KindDirectory || nodes[0].Name != "A" {
		t.Fatalf("unexpected first node: %+v", nodes[0])
	}
	if nodes[1].Kind != upstream.KindFile || nodes[1].FID != "FX" {
		t.Fatalf("unexpected second node: %+v", nodes[1])
	}
}

func TestGetDownloadURLsFallsBackToLegacyOnV2Failure(t *testing.T) {
	codec := &envelope.Codec{}
	codec.BindToken(clientTestToken)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env, _ := decryptParam(t, codec, r)
		switch env.Header.Key {
		case "GetDownloadUrlV2":
			respondAPIError(w, "9999", "v2 unavailable")
		case "GetDownloadUrl":
			respond(w, codec, "wohome", map[string]any{
				"list": []map[string]any{{"fid": "FX", "downloadUrl": "https://example.invalid/legacy"}},
			})
		default:
			t.Fatalf("unexpected key %q", env.Header.Key)
		}
	}))
	defer srv.Close()

	client := upstream.NewClient(clientTestToken, upstream.WithBaseURL(srv.URL))
	entries, err := client.GetDownloadURLs([]string{"FX"})
	if err != nil {
		t.Fatalf("GetDownloadURLs: %v", err)
	}
	if len(entries) != 1 || entries[0].URL != "https://example.invalid/legacy" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestCallSurfacesAPIError(t *testing.T) {
	codec := &envelope.Codec{}
	codec.BindToken(clientTestToken)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondAPIError(w, "4003", "token expired")
	}))
	defer srv.Close()

	client := upstream.NewClient(clientTestToken, upstream.WithBaseURL(srv.URL))
	_, err := client.ListChildren(upstream.RootID)
	if err == nil {
		t.Fatal("expected an error")
	}
	var apiErr *upstream.APIError
	if !asAPIError(err, &apiErr) {
		t.Fatalf("expected *upstream.APIError, got %T: %v", err, err)
	}
	if apiErr.Code != "4003" {
		t.Fatalf("unexpected code: %+v", apiErr)
	}
}

func asAPIError(err error, target **upstream.APIError) bool {
	apiErr, ok := err.(*upstream.APIError)
	if !ok {
		return false
	}
	*target = apiErr
	return true
}

func TestDeleteSendsBothListsNonNil(t *testing.T) {
	codec := &envelope.Codec{}
	codec.BindToken(clientTestToken)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env, param := decryptParam(t, codec, r)
		if env.Header.Key != "DeleteFile" {
			t.Fatalf("unexpected key %q", env.Header.Key)
		}
		if _, ok := param["dirList"].([]any); !ok {
			t.Fatalf("dirList missing or wrong type: %+v", param)
		}
		respond(w, codec, "wohome", map[string]any{})
	}))
	defer srv.Close()

	client := upstream.NewClient(clientTestToken, upstream.WithBaseURL(srv.URL))
	if err := client.Delete(nil, []string{"FX"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestCreateDirectoryReturnsNewID(t *testing.T) {
	codec := &envelope.Codec{}
	codec.BindToken(clientTestToken)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, codec, "wohome", map[string]any{"id": "NEWDIR"})
	}))
	defer srv.Close()

	client := upstream.NewClient(clientTestToken, upstream.WithBaseURL(srv.URL))
	id, err := client.CreateDirectory("0", "sub")
	if err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if id != "NEWDIR" {
		t.Fatalf("id = %q, want NEWDIR", id)
	}
}
