package upstream

import "errors"

// Sentinel errors returned by adapter operations, in the spirit of go-mega's
// package-level EARGS/ENOENT/EBADRESP sentinels — checked with errors.Is,
// never string-matched.
var (
	// ErrBadResponse is returned when the dispatcher's HTTP response cannot
	// be parsed as the expected envelope shape.
	ErrBadResponse = errors.New("upstream: malformed response")

	// ErrNotFound is returned when a path-walk traversal (gateway download
	// lookup) fails to locate a named segment.
	ErrNotFound = errors.New("upstream: not found")

	// ErrEmptyFid is returned when a chunked upload completes without ever
	// receiving a fid from any chunk response.
	ErrEmptyFid = errors.New("upstream: no fid returned by any chunk")
)

// APIError wraps a non-success RSP_CODE/RSP_DESC pair from the dispatcher.
type APIError struct {
	Code string
	Desc string
}

func (e *APIError) Error() string {
	return "upstream api error " + e.Code + ": " + e.Desc
}

// TransportError wraps a non-2xx HTTP status from the dispatcher or the
// chunk-upload endpoint.
type TransportError struct {
	StatusCode int
	Status     string
}

func (e *TransportError) Error() string {
	return "upstream transport error: " + e.Status
}
