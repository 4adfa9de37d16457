// Package envelope defines the uniform request/response containers that
// carry a payload across mixed protocols. Adapters lift wire bytes into a
// Request; the pipeline hands middlewares a JSON view of it; services
// lower a Response back to wire bytes.
package envelope

import (
	"encoding/json"
	"fmt"
	"maps"
)

// MetaSkipBackends, when set to "true" in request metadata, tells the
// executor not to invoke any backend. It lives in metadata rather than as
// a typed field so that any middleware can set or unset it late.
const MetaSkipBackends = "skip_backends"

// RequestDetails is the origin-side description of a request: method (or
// DIMSE operation name), URI, lowercase-keyed headers, parsed cookies,
// multi-valued query parameters, an optional upstream cache tag, and the
// free-form metadata map used as the pipeline's control channel.
type RequestDetails struct {
	Method      string              `json:"method"`
	URI         string              `json:"uri"`
	Headers     map[string]string   `json:"headers"`
	Cookies     map[string]string   `json:"cookies"`
	QueryParams map[string][]string `json:"query_params"`
	CacheStatus string              `json:"cache_status,omitempty"`
	Metadata    map[string]string   `json:"metadata"`
}

// NewRequestDetails returns details with all maps initialized.
func NewRequestDetails() RequestDetails {
	return RequestDetails{
		Headers:     make(map[string]string),
		Cookies:     make(map[string]string),
		QueryParams: make(map[string][]string),
		Metadata:    make(map[string]string),
	}
}

// Clone returns a deep copy.
func (d RequestDetails) Clone() RequestDetails {
	var out = d
	out.Headers = maps.Clone(d.Headers)
	out.Cookies = maps.Clone(d.Cookies)
	out.Metadata = maps.Clone(d.Metadata)
	out.QueryParams = make(map[string][]string, len(d.QueryParams))
	for k, v := range d.QueryParams {
		out.QueryParams[k] = append([]string(nil), v...)
	}
	return out
}

// ResponseDetails carries the backend- or middleware-produced response
// status, headers, and metadata.
type ResponseDetails struct {
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers"`
	Metadata map[string]string `json:"metadata"`
}

// Request is the request-flavored envelope. OriginalData holds the raw
// wire bytes and is never serialized; NormalizedData is the optional
// protocol-neutral JSON value middlewares operate on. NormalizedSnapshot
// is set at most once, by the first transform that mutates
// NormalizedData, and preserved thereafter.
type Request struct {
	RequestDetails RequestDetails `json:"request_details"`
	// BackendRequestDetails is the nascent target-side view of the
	// request; it starts as a copy of RequestDetails and may be rewritten
	// by transform middlewares before the backend stage.
	BackendRequestDetails RequestDetails `json:"backend_request_details"`
	OriginalData          []byte         `json:"-"`
	NormalizedData        any            `json:"normalized_data"`
	NormalizedSnapshot    any            `json:"normalized_snapshot,omitempty"`
}

// NewRequest builds a request envelope over raw payload bytes. The
// backend-side details start as a copy of the origin details.
func NewRequest(details RequestDetails, payload []byte) *Request {
	return &Request{
		RequestDetails:        details,
		BackendRequestDetails: details.Clone(),
		OriginalData:          payload,
	}
}

// Meta returns the named request metadata entry, or "".
func (r *Request) Meta(key string) string { return r.RequestDetails.Metadata[key] }

// SetMeta writes a request metadata entry, allocating the map if needed.
func (r *Request) SetMeta(key, value string) {
	if r.RequestDetails.Metadata == nil {
		r.RequestDetails.Metadata = make(map[string]string)
	}
	r.RequestDetails.Metadata[key] = value
}

// SkipBackends reports whether a middleware or endpoint has flagged the
// backend stage to be skipped.
func (r *Request) SkipBackends() bool { return r.Meta(MetaSkipBackends) == "true" }

// Response is the response-flavored envelope. It retains the originating
// request details so right-side middlewares can consult the control
// metadata that accumulated on the way in.
type Response struct {
	RequestDetails     RequestDetails  `json:"request_details"`
	ResponseDetails    ResponseDetails `json:"response_details"`
	OriginalData       []byte          `json:"-"`
	NormalizedData     any             `json:"normalized_data"`
	NormalizedSnapshot any             `json:"normalized_snapshot,omitempty"`
}

// FromBackend assembles a response envelope from a backend's return
// values.
func FromBackend(details RequestDetails, status int, headers map[string]string, body []byte, normalized any) *Response {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &Response{
		RequestDetails: details,
		ResponseDetails: ResponseDetails{
			Status:   status,
			Headers:  headers,
			Metadata: make(map[string]string),
		},
		OriginalData:   body,
		NormalizedData: normalized,
	}
}

// Meta returns the named request metadata entry carried on the response.
func (r *Response) Meta(key string) string { return r.RequestDetails.Metadata[key] }

// SetResponseMeta writes a response metadata entry.
func (r *Response) SetResponseMeta(key, value string) {
	if r.ResponseDetails.Metadata == nil {
		r.ResponseDetails.Metadata = make(map[string]string)
	}
	r.ResponseDetails.Metadata[key] = value
}

// CloneValue deep-copies an arbitrary JSON value by round-tripping it
// through encoding/json. nil maps to nil.
func CloneValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	var b, err = json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cloning JSON value: %w", err)
	}
	var out any
	if err = json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("cloning JSON value: %w", err)
	}
	return out, nil
}
