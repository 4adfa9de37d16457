package middleware

import (
	"encoding/json"
	"fmt"

	"github.com/aurabox/harmony/config"
	"github.com/aurabox/harmony/envelope"
	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/qntfy/kazaam"
)

// metadataTransform applies a JOLT specification to a projection of the
// request's details rather than to its payload. On the left it rewrites
// the nascent backend-side details (or, when target="request", the
// origin details); on the right it rewrites the response details. Only
// non-empty transformed fields are merged back. Options: spec, direction
// {left, right, both}, target {backend, request}.
type metadataTransform struct {
	base
	k         *kazaam.Kazaam
	direction string
	target    string
}

func newMetadataTransform(name string, options map[string]any, _ *config.Config) (Middleware, error) {
	var spec, err = specFromOptions(options)
	if err != nil {
		return nil, fmt.Errorf("metadata_transform %q: %w", name, err)
	}
	k, err := kazaam.NewKazaam(spec)
	if err != nil {
		return nil, fmt.Errorf("metadata_transform %q has an invalid spec: %w", name, err)
	}

	var direction, _ = options["direction"].(string)
	switch direction {
	case "":
		direction = "both"
	case "left", "right", "both":
	default:
		return nil, fmt.Errorf("metadata_transform %q has invalid direction %q", name, direction)
	}
	var target, _ = options["target"].(string)
	switch target {
	case "":
		target = "backend"
	case "backend", "request":
	default:
		return nil, fmt.Errorf("metadata_transform %q has invalid target %q", name, target)
	}
	logInstance("metadata_transform", name)
	return &metadataTransform{base: base{name: name}, k: k, direction: direction, target: target}, nil
}

func (m *metadataTransform) Left(req *envelope.JSONRequest) (*envelope.JSONRequest, error) {
	if m.direction == "right" {
		return req, nil
	}

	var details = &req.BackendRequestDetails
	if m.target == "request" {
		details = &req.RequestDetails
	}
	// The context view lets specs move origin facts into the target
	// details without hardcoding them.
	var doc = map[string]any{
		"details": projectValue(details),
		"context": map[string]any{
			"request_details": projectValue(req.RequestDetails),
			"target_details":  projectValue(req.BackendRequestDetails),
		},
	}

	var out envelope.RequestDetails = *details
	if err := m.applyProjection(doc, projectValue(details), &out); err != nil {
		return nil, err
	}
	*details = out
	return req, nil
}

func (m *metadataTransform) Right(resp *envelope.JSONResponse) (*envelope.JSONResponse, error) {
	if m.direction == "left" {
		return resp, nil
	}

	var doc = map[string]any{
		"details": projectValue(resp.ResponseDetails),
		"context": map[string]any{
			"request_details": projectValue(resp.RequestDetails),
		},
	}
	var out envelope.ResponseDetails = resp.ResponseDetails
	if err := m.applyProjection(doc, projectValue(resp.ResponseDetails), &out); err != nil {
		return nil, err
	}
	resp.ResponseDetails = out
	return resp, nil
}

// applyProjection transforms doc, takes its "details" output, drops
// empty fields, and merges the rest onto the original details value.
func (m *metadataTransform) applyProjection(doc map[string]any, original any, into any) error {
	input, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("serializing details projection: %w", err)
	}
	transformed, err := m.k.TransformJSONStringToString(string(input))
	if err != nil {
		return fmt.Errorf("applying metadata transform: %w", err)
	}

	var result map[string]any
	if err = json.Unmarshal([]byte(transformed), &result); err != nil {
		return fmt.Errorf("parsing transformed details: %w", err)
	}
	var details = result["details"]
	if details == nil {
		// Specs without a details output rewrite the whole document.
		details = result
	}
	var patch = dropEmpty(details)
	if patch == nil {
		return nil
	}

	originalJSON, err := json.Marshal(original)
	if err != nil {
		return fmt.Errorf("serializing original details: %w", err)
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("serializing details patch: %w", err)
	}
	merged, err := jsonpatch.MergePatch(originalJSON, patchJSON)
	if err != nil {
		return fmt.Errorf("merging transformed details: %w", err)
	}
	if err = json.Unmarshal(merged, into); err != nil {
		return fmt.Errorf("restoring merged details: %w", err)
	}
	return nil
}

func projectValue(v any) any {
	var b, err = json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out any
	if err = json.Unmarshal(b, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// dropEmpty removes empty strings, nulls, and empty containers so that
// only meaningful transformed fields are merged back.
func dropEmpty(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		if val == "" {
			return nil
		}
		return val
	case map[string]any:
		var out = make(map[string]any)
		for k, item := range val {
			if kept := dropEmpty(item); kept != nil {
				out[k] = kept
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []any:
		if len(val) == 0 {
			return nil
		}
		return val
	}
	return v
}
