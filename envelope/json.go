package envelope

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// The middleware chain's native operand is JSON, not bytes. JSONRequest
// and JSONResponse are the JSON forms of an envelope: OriginalData is
// replaced by the parsed payload (NormalizedData when present, else the
// bytes parsed as JSON, else nil), while the raw wire bytes are retained
// internally so the inverse conversion is lossless when no middleware
// replaced the payload view.

// JSONRequest is the request envelope as seen by left-side middlewares.
type JSONRequest struct {
	RequestDetails        RequestDetails
	BackendRequestDetails RequestDetails
	OriginalData          any
	NormalizedData        any
	NormalizedSnapshot    any

	raw []byte
}

// ToJSON converts the request to its JSON form.
func (r *Request) ToJSON() *JSONRequest {
	var view = r.NormalizedData
	if view == nil && len(r.OriginalData) > 0 {
		var parsed any
		if err := json.Unmarshal(r.OriginalData, &parsed); err == nil {
			view = parsed
		}
	}
	return &JSONRequest{
		RequestDetails:        r.RequestDetails,
		BackendRequestDetails: r.BackendRequestDetails,
		OriginalData:          view,
		NormalizedData:        r.NormalizedData,
		NormalizedSnapshot:    r.NormalizedSnapshot,
		raw:                   r.OriginalData,
	}
}

// ToBytes converts back to the bytes form. The request payload is the
// origin's: the raw bytes are restored regardless of what the chain did
// to the parsed view. Mutations travel via NormalizedData and details.
func (j *JSONRequest) ToBytes() *Request {
	return &Request{
		RequestDetails:        j.RequestDetails,
		BackendRequestDetails: j.BackendRequestDetails,
		OriginalData:          j.raw,
		NormalizedData:        j.NormalizedData,
		NormalizedSnapshot:    j.NormalizedSnapshot,
	}
}

// Meta returns the named request metadata entry, or "".
func (j *JSONRequest) Meta(key string) string { return j.RequestDetails.Metadata[key] }

// SetMeta writes a request metadata entry.
func (j *JSONRequest) SetMeta(key, value string) {
	if j.RequestDetails.Metadata == nil {
		j.RequestDetails.Metadata = make(map[string]string)
	}
	j.RequestDetails.Metadata[key] = value
}

// SkipBackends reports the skip_backends control flag.
func (j *JSONRequest) SkipBackends() bool { return j.Meta(MetaSkipBackends) == "true" }

// JSONResponse is the response envelope as seen by right-side
// middlewares.
type JSONResponse struct {
	RequestDetails     RequestDetails
	ResponseDetails    ResponseDetails
	OriginalData       any
	NormalizedData     any
	NormalizedSnapshot any

	raw      []byte
	baseline any
}

// ToJSON converts the response to its JSON form.
func (r *Response) ToJSON() (*JSONResponse, error) {
	var view = r.NormalizedData
	if view == nil && len(r.OriginalData) > 0 {
		var parsed any
		if err := json.Unmarshal(r.OriginalData, &parsed); err == nil {
			view = parsed
		}
	}
	baseline, err := CloneValue(view)
	if err != nil {
		return nil, fmt.Errorf("converting response to JSON form: %w", err)
	}
	return &JSONResponse{
		RequestDetails:     r.RequestDetails,
		ResponseDetails:    r.ResponseDetails,
		OriginalData:       view,
		NormalizedData:     r.NormalizedData,
		NormalizedSnapshot: r.NormalizedSnapshot,
		raw:                r.OriginalData,
		baseline:           baseline,
	}, nil
}

// ToBytes converts back to the bytes form. A payload view the chain left
// untouched restores the original wire bytes exactly. A replaced view is
// re-serialized, so middleware-produced response bodies reach the wire.
func (j *JSONResponse) ToBytes() (*Response, error) {
	var body = j.raw
	if !reflect.DeepEqual(j.OriginalData, j.baseline) {
		var b, err = json.Marshal(j.OriginalData)
		if err != nil {
			return nil, fmt.Errorf("converting response to bytes form: %w", err)
		}
		body = b
	}
	return &Response{
		RequestDetails:     j.RequestDetails,
		ResponseDetails:    j.ResponseDetails,
		OriginalData:       body,
		NormalizedData:     j.NormalizedData,
		NormalizedSnapshot: j.NormalizedSnapshot,
	}, nil
}

// SetRawBody replaces the response's wire bytes directly, bypassing the
// JSON view. Middlewares producing binary bodies (multipart, images,
// archives) use this; the JSON view is cleared so ToBytes passes the
// bytes through untouched.
func (j *JSONResponse) SetRawBody(body []byte) {
	j.raw = body
	j.OriginalData = nil
	j.baseline = nil
}

// Meta returns the named request metadata entry carried on the response.
func (j *JSONResponse) Meta(key string) string { return j.RequestDetails.Metadata[key] }

// SetMeta writes a request metadata entry carried on the response.
func (j *JSONResponse) SetMeta(key, value string) {
	if j.RequestDetails.Metadata == nil {
		j.RequestDetails.Metadata = make(map[string]string)
	}
	j.RequestDetails.Metadata[key] = value
}

// NormalizedMap returns NormalizedData as a mutable map, allocating and
// installing an empty one when the value is unset or of another shape.
func (j *JSONResponse) NormalizedMap() map[string]any {
	if m, ok := j.NormalizedData.(map[string]any); ok {
		return m
	}
	var m = make(map[string]any)
	j.NormalizedData = m
	return m
}
