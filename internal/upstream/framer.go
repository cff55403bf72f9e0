package upstream

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/wopan/gateway/internal/envelope"
)

// header is the signed envelope header sent with every dispatcher call.
type header struct {
	Key     string `json:"key"`
	ResTime int64  `json:"resTime"`
	ReqSeq  int    `json:"reqSeq"`
	Channel string `json:"channel"`
	Sign    string `json:"sign"`
	Version string `json:"version"`
}

// body is the signed envelope body. Param is omitted entirely (not just
// empty-stringed) when there is nothing to encrypt — the upstream rejects a
// present-but-empty param field differently than an absent one.
type body struct {
	Param  string `json:"param,omitempty"`
	Secret bool   `json:"secret"`
}

type envelopeRequest struct {
	Header header `json:"header"`
	Body   body   `json:"body"`
}

// newHeader computes resTime/reqSeq/sign for key+channel. version is always
// the empty string in the current protocol generation.
func newHeader(key, channel string) header {
	resTime := time.Now().UnixMilli()
	reqSeq := 100000 + rand.Intn(108999-100000+1)
	version := ""

	signContent := fmt.Sprintf("%s%d%d%s%s", key, resTime, reqSeq, channel, version)
	sum := md5.Sum([]byte(signContent))

	return header{
		Key:     key,
		ResTime: resTime,
		ReqSeq:  reqSeq,
		Channel: channel,
		Sign:    hex.EncodeToString(sum[:]),
		Version: version,
	}
}

// buildRequest frames param (any JSON-marshalable value, or nil for no
// params) into a signed envelope request under key/channel, encrypting the
// compact-JSON-serialized param with codec. Compact serialization is
// mandatory: any incidental whitespace changes the signed byte stream and
// the upstream rejects it with an opaque RSP_CODE, not a parse error.
func buildRequest(codec *envelope.Codec, key, channel string, param any) ([]byte, error) {
	h := newHeader(key, channel)
	b := body{Secret: true}

	if param != nil {
		paramJSON, err := json.Marshal(param)
		if err != nil {
			return nil, err
		}
		b.Param = codec.Encrypt(string(paramJSON), channel)
	}

	return json.Marshal(envelopeRequest{Header: h, Body: b})
}
