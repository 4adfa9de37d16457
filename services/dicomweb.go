package services

import (
	"strings"

	"github.com/aurabox/harmony/envelope"
	"github.com/aurabox/harmony/protocol"
)

// DicomWebService is the DICOMweb (PS3.18) endpoint: it enumerates the
// QIDO and WADO routes under its path_prefix and applies the DICOMweb
// content-type defaults on the way out. The request-to-DIMSE translation
// itself is the dicomweb_bridge middleware's job.
type DicomWebService struct {
	Base
}

// NewDicomWebService builds the dicomweb service.
func NewDicomWebService() *DicomWebService {
	return &DicomWebService{Base: Base{ServiceName: "dicomweb"}}
}

func (s *DicomWebService) BuildRouter(options map[string]any) []Route {
	var prefix = "/" + strings.Trim(OptString(options, "path_prefix", "/dicomweb"), "/")
	var get = []string{"GET"}
	return []Route{
		{Path: prefix + "/studies", Methods: get, Description: "QIDO-RS study search"},
		{Path: prefix + "/studies/{study}", Methods: get, Description: "WADO-RS study retrieval"},
		{Path: prefix + "/studies/{study}/metadata", Methods: get, Description: "WADO-RS study metadata"},
		{Path: prefix + "/studies/{study}/series", Methods: get, Description: "QIDO-RS series search"},
		{Path: prefix + "/studies/{study}/series/{series}", Methods: get, Description: "WADO-RS series retrieval"},
		{Path: prefix + "/studies/{study}/series/{series}/metadata", Methods: get, Description: "WADO-RS series metadata"},
		{Path: prefix + "/studies/{study}/series/{series}/instances", Methods: get, Description: "QIDO-RS instance search"},
		{Path: prefix + "/studies/{study}/series/{series}/instances/{instance}", Methods: get, Description: "WADO-RS instance retrieval"},
		{Path: prefix + "/studies/{study}/series/{series}/instances/{instance}/metadata", Methods: get, Description: "WADO-RS instance metadata"},
		{Path: prefix + "/studies/{study}/series/{series}/instances/{instance}/frames/{frames}", Methods: get, Description: "WADO-RS frame retrieval"},
		{Path: prefix + "/studies/{study}/series/{series}/instances/{instance}/bulkdata/{bulk}", Methods: get, Description: "WADO-RS bulkdata retrieval"},
	}
}

// EndpointOutgoingProtocol fills the DICOMweb content-type defaults:
// JSON answers are application/dicom+json unless a middleware already
// negotiated a multipart or image type.
func (s *DicomWebService) EndpointOutgoingProtocol(resp *envelope.Response, pctx *protocol.Ctx, options map[string]any) {
	s.Base.EndpointOutgoingProtocol(resp, pctx, options)
	if resp.ResponseDetails.Headers == nil {
		resp.ResponseDetails.Headers = make(map[string]string)
	}
	if _, ok := resp.ResponseDetails.Headers["content-type"]; !ok {
		resp.ResponseDetails.Headers["content-type"] = "application/dicom+json"
	}
}
