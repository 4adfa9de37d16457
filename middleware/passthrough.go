package middleware

import (
	"github.com/aurabox/harmony/config"
	"github.com/aurabox/harmony/envelope"
)

// passthrough marks the envelope in both directions and changes nothing
// else. Useful as a chain-order probe.
type passthrough struct {
	base
}

func newPassthrough(name string, _ map[string]any, _ *config.Config) (Middleware, error) {
	logInstance("passthrough", name)
	return &passthrough{base{name: name}}, nil
}

func (p *passthrough) Left(req *envelope.JSONRequest) (*envelope.JSONRequest, error) {
	req.SetMeta("passthrough_"+p.name, "left")
	return req, nil
}

func (p *passthrough) Right(resp *envelope.JSONResponse) (*envelope.JSONResponse, error) {
	resp.SetMeta("passthrough_"+p.name, "right")
	return resp, nil
}

// jsonExtractor populates the request's normalized value from the raw
// payload when no earlier stage has.
type jsonExtractor struct {
	base
}

func newJSONExtractor(name string, _ map[string]any, _ *config.Config) (Middleware, error) {
	logInstance("json_extractor", name)
	return &jsonExtractor{base{name: name}}, nil
}

func (e *jsonExtractor) Left(req *envelope.JSONRequest) (*envelope.JSONRequest, error) {
	if req.NormalizedData == nil && req.OriginalData != nil {
		req.NormalizedData = req.OriginalData
	}
	return req, nil
}
