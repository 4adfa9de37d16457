package middleware

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/aurabox/harmony/config"
	"github.com/aurabox/harmony/envelope"
	"github.com/qntfy/kazaam"
)

// transform applies a JOLT specification to the envelope's normalized
// value. The first mutation stores the pre-transform value as the
// envelope's snapshot; later transforms preserve it. Options: spec (the
// JOLT document as a JSON string or structured value), direction
// {left, right, both}.
type transform struct {
	base
	k         *kazaam.Kazaam
	direction string
}

func newTransform(name string, options map[string]any, _ *config.Config) (Middleware, error) {
	var spec, err = specFromOptions(options)
	if err != nil {
		return nil, fmt.Errorf("transform %q: %w", name, err)
	}
	k, err := kazaam.NewKazaam(spec)
	if err != nil {
		return nil, fmt.Errorf("transform %q has an invalid spec: %w", name, err)
	}

	var direction, _ = options["direction"].(string)
	switch direction {
	case "":
		direction = "both"
	case "left", "right", "both":
	default:
		return nil, fmt.Errorf("transform %q has invalid direction %q", name, direction)
	}
	logInstance("transform", name)
	return &transform{base: base{name: name}, k: k, direction: direction}, nil
}

// specFromOptions accepts the JOLT document either as a JSON string or
// as a structured option value.
func specFromOptions(options map[string]any) (string, error) {
	switch spec := options["spec"].(type) {
	case string:
		if spec == "" {
			return "", fmt.Errorf("empty spec option")
		}
		return spec, nil
	case nil:
		return "", fmt.Errorf("missing spec option")
	default:
		var b, err = json.Marshal(spec)
		if err != nil {
			return "", fmt.Errorf("serializing spec option: %w", err)
		}
		return string(b), nil
	}
}

func (t *transform) Left(req *envelope.JSONRequest) (*envelope.JSONRequest, error) {
	if t.direction == "right" {
		return req, nil
	}
	if req.NormalizedData == nil {
		req.NormalizedData = req.OriginalData
	}
	var out, snapshot, err = t.apply(req.NormalizedData, req.NormalizedSnapshot)
	if err != nil {
		return nil, err
	}
	req.NormalizedData = out
	if snapshot != nil {
		req.NormalizedSnapshot = snapshot
	}
	return req, nil
}

func (t *transform) Right(resp *envelope.JSONResponse) (*envelope.JSONResponse, error) {
	if t.direction == "left" {
		return resp, nil
	}
	if resp.NormalizedData == nil {
		resp.NormalizedData = resp.OriginalData
	}
	var out, snapshot, err = t.apply(resp.NormalizedData, resp.NormalizedSnapshot)
	if err != nil {
		return nil, err
	}
	resp.NormalizedData = out
	if snapshot != nil {
		resp.NormalizedSnapshot = snapshot
	}
	return resp, nil
}

// apply runs the spec over the value. It returns the transformed value
// and, when this is the first mutation and none was recorded before,
// the snapshot to record.
func (t *transform) apply(value, existingSnapshot any) (out, snapshot any, err error) {
	if value == nil {
		return nil, nil, nil
	}
	input, err := json.Marshal(value)
	if err != nil {
		return nil, nil, fmt.Errorf("serializing value for transform: %w", err)
	}
	transformed, err := t.k.TransformJSONStringToString(string(input))
	if err != nil {
		return nil, nil, fmt.Errorf("applying transform: %w", err)
	}
	if err = json.Unmarshal([]byte(transformed), &out); err != nil {
		return nil, nil, fmt.Errorf("parsing transformed value: %w", err)
	}

	if existingSnapshot == nil && !reflect.DeepEqual(value, out) {
		snapshot, err = envelope.CloneValue(value)
		if err != nil {
			return nil, nil, err
		}
	}
	return out, snapshot, nil
}
