package services

import (
	"strings"

	"github.com/aurabox/harmony/envelope"
	"github.com/aurabox/harmony/protocol"
)

// JmixService is the endpoint serving JMIX packages over HTTP. Cached
// packages are served by the jmix_builder middleware's left side; cache
// misses fall through to a DICOM backend whose results the middleware's
// right side packages and indexes.
type JmixService struct {
	Base
}

// NewJmixService builds the jmix service.
func NewJmixService() *JmixService {
	return &JmixService{Base: Base{ServiceName: "jmix"}}
}

func (s *JmixService) BuildRouter(options map[string]any) []Route {
	var prefix = "/" + strings.Trim(OptString(options, "path_prefix", "/jmix"), "/")
	var get = []string{"GET"}
	return []Route{
		{Path: prefix + "/api/jmix", Methods: get, Description: "JMIX package search by study UID"},
		{Path: prefix + "/api/jmix/{id}", Methods: get, Description: "JMIX package zip"},
		{Path: prefix + "/api/jmix/{id}/manifest", Methods: get, Description: "JMIX package manifest"},
	}
}

// EndpointIncomingRequest tags the envelope so the jmix_builder
// middleware recognizes its requests.
func (s *JmixService) EndpointIncomingRequest(req *envelope.Request, _ map[string]any) (*envelope.Request, error) {
	req.SetMeta("jmix_request", "true")
	return req, nil
}

func (s *JmixService) EndpointOutgoingProtocol(resp *envelope.Response, pctx *protocol.Ctx, options map[string]any) {
	s.Base.EndpointOutgoingProtocol(resp, pctx, options)
	if resp.ResponseDetails.Headers == nil {
		resp.ResponseDetails.Headers = make(map[string]string)
	}
	if _, ok := resp.ResponseDetails.Headers["content-type"]; !ok {
		if resp.Meta("jmix_serving") == "zip" {
			resp.ResponseDetails.Headers["content-type"] = "application/zip"
		} else {
			resp.ResponseDetails.Headers["content-type"] = "application/json"
		}
	}
}
