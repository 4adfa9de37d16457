package services

import (
	"encoding/base64"

	"github.com/aurabox/harmony/envelope"
)

// EchoService is a diagnostic endpoint: it reflects the request it
// received as the response body. Pipelines using it declare no backends;
// the executor's synthesized success response carries the reflection
// built by the incoming hook.
type EchoService struct {
	Base
}

// NewEchoService builds the echo service.
func NewEchoService() *EchoService {
	return &EchoService{Base: Base{ServiceName: "echo"}}
}

func (s *EchoService) BuildRouter(options map[string]any) []Route {
	var prefix = OptString(options, "path_prefix", "/echo")
	return []Route{{
		Path:        wildcardPath(prefix),
		Methods:     httpWildcardMethods,
		Description: "request reflection",
	}}
}

// EndpointIncomingRequest captures the request as the normalized payload
// so it survives into the synthesized response.
func (s *EchoService) EndpointIncomingRequest(req *envelope.Request, _ map[string]any) (*envelope.Request, error) {
	req.NormalizedData = map[string]any{
		"method":        req.RequestDetails.Method,
		"uri":           req.RequestDetails.URI,
		"path":          req.Meta("path"),
		"full_path":     req.Meta("full_path"),
		"headers":       req.RequestDetails.Headers,
		"query_params":  req.RequestDetails.QueryParams,
		"original_data": base64.StdEncoding.EncodeToString(req.OriginalData),
	}
	return req, nil
}
