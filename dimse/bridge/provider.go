// Package bridge adapts DIMSE commands to pipeline envelopes: a
// QueryProvider whose find, locate, and store answers come from running
// a configured pipeline, plus the pipeline-error-to-DIMSE status
// mapping.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aurabox/harmony/dimse"
	"github.com/aurabox/harmony/dimse/dicomjson"
	"github.com/aurabox/harmony/pipeline"
	"github.com/aurabox/harmony/protocol"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// PipelineProvider answers SCP commands by running a pipeline. The
// pipeline's backend decides what a find or locate means; the provider
// only translates between DIMSE queries and envelopes.
type PipelineProvider struct {
	exec         *pipeline.Executor
	pipelineName string
}

// NewPipelineProvider binds a provider to a named pipeline.
func NewPipelineProvider(exec *pipeline.Executor, pipelineName string) *PipelineProvider {
	return &PipelineProvider{exec: exec, pipelineName: pipelineName}
}

// Find runs the pipeline as a C-FIND and returns one dataset per match.
func (p *PipelineProvider) Find(ctx context.Context, query dimse.FindQuery) ([]*dimse.DatasetStream, error) {
	var result, err = p.run(ctx, "find", query.Level, query.Params, query.MaxResults)
	if err != nil {
		return nil, err
	}

	var matches, _ = result["matches"].([]any)
	var out = make([]*dimse.DatasetStream, 0, len(matches))
	for _, match := range matches {
		if query.MaxResults > 0 && len(out) >= query.MaxResults {
			break
		}
		out = append(out, dimse.NewObjectDataset(match))
	}
	return out, nil
}

// Locate runs the pipeline as a retrieve and returns the datasets that
// landed in the result folder.
func (p *PipelineProvider) Locate(ctx context.Context, level dimse.QueryLevel, params map[string]string) ([]*dimse.DatasetStream, error) {
	var result, err = p.run(ctx, "move", level, params, 0)
	if err != nil {
		return nil, err
	}

	var folder, _ = result["folder_path"].(string)
	if folder == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("reading located folder %s: %w", folder, err)
	}
	var out []*dimse.DatasetStream
	for _, entry := range entries {
		if !entry.IsDir() {
			out = append(out, dimse.NewFileDataset(filepath.Join(folder, entry.Name()), false))
		}
	}
	return out, nil
}

// Store lands the dataset in the current move directory.
func (p *PipelineProvider) Store(_ context.Context, dataset *dimse.DatasetStream) error {
	var dir = dimse.CurrentStoreDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating store directory %s: %w", dir, err)
	}

	var data []byte
	switch dataset.Kind {
	case dimse.DatasetMemory:
		data = dataset.Data
	case dimse.DatasetFile:
		var b, err = os.ReadFile(dataset.Path)
		if err != nil {
			return fmt.Errorf("reading dataset file: %w", err)
		}
		data = b
	case dimse.DatasetObject:
		var b, err = json.Marshal(dataset.Parsed)
		if err != nil {
			return fmt.Errorf("serializing dataset: %w", err)
		}
		data = b
	}

	var path = filepath.Join(dir, uuid.NewString()+".dcm")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("storing dataset to %s: %w", path, err)
	}
	log.WithField("path", path).Debug("stored dataset via pipeline provider")
	return nil
}

// run builds the DIMSE envelope and executes the pipeline, returning
// the backend's operation result map.
func (p *PipelineProvider) run(ctx context.Context, op string, level dimse.QueryLevel, params map[string]string, maxResults int) (map[string]any, error) {
	var id = dicomjson.NewIdentifier()
	var matchTypes = make(map[string]any, len(params))
	var anyParams = make(map[string]any, len(params))
	for tag, value := range params {
		id.Set(tag, value)
		matchTypes[tag] = dicomjson.ClassifyMatch(value)
		anyParams[tag] = value
	}

	var wrapper = map[string]any{
		"query_level": level.String(),
		"params":      anyParams,
		"match_types": matchTypes,
		"max_results": maxResults,
		"identifier":  id,
	}
	payload, err := json.Marshal(wrapper)
	if err != nil {
		return nil, fmt.Errorf("serializing query wrapper: %w", err)
	}

	var pctx = protocol.NewCtx(protocol.DIMSE, payload)
	pctx.Meta["dimse_op"] = op

	req, err := p.exec.BuildEnvelope(p.pipelineName, pctx)
	if err != nil {
		return nil, err
	}
	req.NormalizedData = wrapper

	resp, err := p.exec.Execute(ctx, p.pipelineName, req, pctx)
	if err != nil {
		return nil, err
	}
	if resp.ResponseDetails.Status >= 300 {
		return nil, fmt.Errorf("pipeline %q answered status %d", p.pipelineName, resp.ResponseDetails.Status)
	}

	if result, ok := resp.NormalizedData.(map[string]any); ok {
		return result, nil
	}
	var parsed map[string]any
	if len(resp.OriginalData) > 0 {
		if err = json.Unmarshal(resp.OriginalData, &parsed); err == nil {
			return parsed, nil
		}
	}
	return map[string]any{}, nil
}
