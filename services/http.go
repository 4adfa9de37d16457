package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aurabox/harmony/envelope"
	"github.com/aurabox/harmony/protocol"
	log "github.com/sirupsen/logrus"
)

var httpWildcardMethods = []string{"GET", "POST", "PUT", "DELETE"}

// HTTPService is the generic HTTP endpoint and backend: as an endpoint
// it serves a wildcard under its path_prefix, as a backend it forwards
// the request to the configured upstream url.
type HTTPService struct {
	Base
	client *http.Client
}

// NewHTTPService builds the http service.
func NewHTTPService() *HTTPService {
	return &HTTPService{
		Base:   Base{ServiceName: "http"},
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPService) Validate(options map[string]any) error {
	if url, ok := options["url"]; ok {
		if _, isStr := url.(string); !isStr {
			return fmt.Errorf("http service option url must be a string")
		}
	}
	return nil
}

func (s *HTTPService) BuildRouter(options map[string]any) []Route {
	var prefix = OptString(options, "path_prefix", "/")
	return []Route{{
		Path:        wildcardPath(prefix),
		Methods:     httpWildcardMethods,
		Description: "generic HTTP passthrough",
	}}
}

// BackendOutgoingRequest forwards the envelope to the upstream url,
// appending the computed sub-path, and lowers the upstream response into
// a response envelope.
func (s *HTTPService) BackendOutgoingRequest(ctx context.Context, req *envelope.Request, options map[string]any) (*envelope.Response, error) {
	var base = OptString(options, "url", "")
	if base == "" {
		return nil, fmt.Errorf("http backend has no url configured")
	}

	var target = strings.TrimRight(base, "/")
	if fullPath := req.Meta("full_path"); fullPath != "" {
		target = target + "/" + fullPath
	}

	var details = req.BackendRequestDetails
	var method = details.Method
	if method == "" {
		method = http.MethodGet
	}

	upstream, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(req.OriginalData))
	if err != nil {
		return nil, fmt.Errorf("building upstream request for %s: %w", target, err)
	}
	for k, v := range details.Headers {
		if k == "host" || k == "content-length" {
			continue
		}
		upstream.Header.Set(k, v)
	}

	log.WithFields(log.Fields{
		"method": method,
		"url":    target,
	}).Debug("forwarding to HTTP backend")

	resp, err := s.client.Do(upstream)
	if err != nil {
		return nil, fmt.Errorf("calling upstream %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}

	var headers = make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	return envelope.FromBackend(req.RequestDetails, resp.StatusCode, headers, body, nil), nil
}

// FHIRService is the http service with FHIR defaults: JSON content type
// on responses that carry none.
type FHIRService struct {
	*HTTPService
}

// NewFHIRService builds the fhir service.
func NewFHIRService() *FHIRService {
	var inner = NewHTTPService()
	inner.Base = Base{ServiceName: "fhir"}
	return &FHIRService{HTTPService: inner}
}

func (s *FHIRService) BuildRouter(options map[string]any) []Route {
	var prefix = OptString(options, "path_prefix", "/fhir")
	return []Route{{
		Path:        wildcardPath(prefix),
		Methods:     httpWildcardMethods,
		Description: "FHIR REST passthrough",
	}}
}

func (s *FHIRService) EndpointOutgoingProtocol(resp *envelope.Response, pctx *protocol.Ctx, options map[string]any) {
	s.Base.EndpointOutgoingProtocol(resp, pctx, options)
	if resp.ResponseDetails.Headers == nil {
		resp.ResponseDetails.Headers = make(map[string]string)
	}
	if _, ok := resp.ResponseDetails.Headers["content-type"]; !ok {
		resp.ResponseDetails.Headers["content-type"] = "application/json"
	}
}

func wildcardPath(prefix string) string {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		return "/*"
	}
	return prefix + "/*"
}
