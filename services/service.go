// Package services defines the protocol-polymorphic service abstraction
// and the built-in endpoint and backend implementations. A service lifts
// a protocol context into a request envelope, hooks the pipeline on the
// way in and out, and (as a backend) terminates the pipeline by producing
// a response envelope.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/aurabox/harmony/envelope"
	"github.com/aurabox/harmony/protocol"
)

// Route is one entry of an HTTP-facing service's router.
type Route struct {
	Path        string
	Methods     []string
	Description string
}

// WireResponse is the serialized form handed back to the HTTP adapter.
type WireResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Service is the polymorphic endpoint/backend contract. Endpoints use
// the incoming/outgoing hooks; backends use BackendOutgoingRequest. The
// distinction is positional: both sides resolve through the same
// registry.
type Service interface {
	Name() string

	// Validate checks the instance options at startup.
	Validate(options map[string]any) error

	// BuildRouter enumerates the HTTP routes this service serves. DIMSE
	// services return nothing.
	BuildRouter(options map[string]any) []Route

	// BuildProtocolEnvelope lifts a protocol context into a request
	// envelope, one shape per supported protocol.
	BuildProtocolEnvelope(pctx *protocol.Ctx, options map[string]any) (*envelope.Request, error)

	// EndpointIncomingRequest is the pre-pipeline endpoint hook.
	EndpointIncomingRequest(req *envelope.Request, options map[string]any) (*envelope.Request, error)

	// BackendOutgoingRequest is the terminal backend stage.
	BackendOutgoingRequest(ctx context.Context, req *envelope.Request, options map[string]any) (*envelope.Response, error)

	// EndpointOutgoingProtocol injects protocol-appropriate headers and
	// metadata into the response before serialization.
	EndpointOutgoingProtocol(resp *envelope.Response, pctx *protocol.Ctx, options map[string]any)

	// EndpointOutgoingResponse serializes the response envelope for the
	// originating wire.
	EndpointOutgoingResponse(resp *envelope.Response, options map[string]any) (*WireResponse, error)
}

// Base supplies the default hook behaviors shared by the built-ins:
// HTTP-shaped envelope construction, identity incoming hook, and
// straightforward serialization. Services embed it and override what
// differs.
type Base struct {
	ServiceName string
}

func (b Base) Name() string { return b.ServiceName }

func (b Base) Validate(map[string]any) error { return nil }

func (b Base) BuildRouter(map[string]any) []Route { return nil }

func (b Base) BuildProtocolEnvelope(pctx *protocol.Ctx, options map[string]any) (*envelope.Request, error) {
	return HTTPEnvelope(pctx, options)
}

func (b Base) EndpointIncomingRequest(req *envelope.Request, _ map[string]any) (*envelope.Request, error) {
	return req, nil
}

func (b Base) BackendOutgoingRequest(context.Context, *envelope.Request, map[string]any) (*envelope.Response, error) {
	return nil, fmt.Errorf("service %q cannot act as a backend", b.ServiceName)
}

func (b Base) EndpointOutgoingProtocol(resp *envelope.Response, pctx *protocol.Ctx, _ map[string]any) {
	if pctx != nil {
		resp.SetResponseMeta("protocol", string(pctx.Protocol))
	}
	resp.SetResponseMeta("service", b.ServiceName)
}

func (b Base) EndpointOutgoingResponse(resp *envelope.Response, _ map[string]any) (*WireResponse, error) {
	return SerializeResponse(resp)
}

// SerializeResponse is the default envelope-to-wire conversion: raw body
// bytes when present, else the normalized value marshalled as JSON.
func SerializeResponse(resp *envelope.Response) (*WireResponse, error) {
	var status = resp.ResponseDetails.Status
	if status == 0 {
		status = 200
	}
	var headers = resp.ResponseDetails.Headers
	if headers == nil {
		headers = make(map[string]string)
	}

	var body = resp.OriginalData
	if len(body) == 0 && resp.NormalizedData != nil {
		var b, err = json.Marshal(resp.NormalizedData)
		if err != nil {
			return nil, fmt.Errorf("serializing response body: %w", err)
		}
		body = b
		if _, ok := headers["content-type"]; !ok {
			headers["content-type"] = "application/json"
		}
	}
	return &WireResponse{Status: status, Headers: headers, Body: body}, nil
}

// HTTPEnvelope builds the request envelope for an HTTP protocol context:
// lowercase headers, parsed cookies, multi-valued query parameters, and
// the path/full_path/protocol control metadata derived from the
// endpoint's path_prefix.
func HTTPEnvelope(pctx *protocol.Ctx, options map[string]any) (*envelope.Request, error) {
	var details = envelope.NewRequestDetails()
	details.Method = attrString(pctx, "method")
	details.URI = attrString(pctx, "uri")

	if headers, ok := pctx.Attrs["headers"].(map[string]string); ok {
		for k, v := range headers {
			details.Headers[strings.ToLower(k)] = v
		}
	}
	if cookies, ok := pctx.Attrs["cookies"].(map[string]string); ok {
		for k, v := range cookies {
			details.Cookies[k] = v
		}
	}
	if params, ok := pctx.Attrs["query_params"].(map[string][]string); ok {
		for k, v := range params {
			details.QueryParams[k] = append([]string(nil), v...)
		}
	}
	details.CacheStatus = attrString(pctx, "cache_status")

	var parsed, err = url.Parse(details.URI)
	if err != nil {
		return nil, fmt.Errorf("parsing request URI %q: %w", details.URI, err)
	}

	var prefix = OptString(options, "path_prefix", "")
	var path = strings.TrimPrefix(parsed.Path, prefix)
	path = strings.TrimPrefix(path, "/")

	var fullPath = path
	if parsed.RawQuery != "" {
		fullPath = path + "?" + parsed.RawQuery
	}

	details.Metadata["protocol"] = string(protocol.HTTP)
	details.Metadata["path"] = path
	details.Metadata["full_path"] = fullPath

	return envelope.NewRequest(details, pctx.Payload), nil
}

func attrString(pctx *protocol.Ctx, key string) string {
	if s, ok := pctx.Attrs[key].(string); ok {
		return s
	}
	return ""
}

// OptString reads a string option with a default.
func OptString(options map[string]any, key, fallback string) string {
	if s, ok := options[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// OptBool reads a boolean option with a default.
func OptBool(options map[string]any, key string, fallback bool) bool {
	if b, ok := options[key].(bool); ok {
		return b
	}
	return fallback
}

// OptInt reads an integer option with a default. TOML decodes integers
// as int64; JSON-derived options carry float64.
func OptInt(options map[string]any, key string, fallback int) int {
	switch v := options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// OptStrings reads a string-list option.
func OptStrings(options map[string]any, key string) []string {
	var out []string
	if list, ok := options[key].([]any); ok {
		for _, item := range list {
			if s, isStr := item.(string); isStr {
				out = append(out, s)
			}
		}
	}
	if list, ok := options[key].([]string); ok {
		out = append(out, list...)
	}
	return out
}
