package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aurabox/harmony/dimse/dicomjson"
	"github.com/aurabox/harmony/envelope"
	log "github.com/sirupsen/logrus"
)

// MockDicomService is a backend simulating a PACS for development and
// tests. It honors the envelope's dimse_op: find answers with the
// configured matches, get and move materialize a folder of datasets and
// answer with the DICOM operation result shape the JMIX builder
// consumes.
type MockDicomService struct {
	Base
}

// NewMockDicomService builds the mock_dicom service.
func NewMockDicomService() *MockDicomService {
	return &MockDicomService{Base: Base{ServiceName: "mock_dicom"}}
}

func (s *MockDicomService) BackendOutgoingRequest(_ context.Context, req *envelope.Request, options map[string]any) (*envelope.Response, error) {
	var op = req.Meta("dimse_op")
	switch op {
	case "echo":
		return envelope.FromBackend(req.RequestDetails, 200, nil, nil,
			map[string]any{"operation": "echo", "success": true}), nil
	case "find", "":
		return s.find(req, options)
	case "get", "move":
		return s.retrieve(req, options, op)
	}
	return nil, fmt.Errorf("mock_dicom does not understand dimse_op %q", op)
}

func (s *MockDicomService) find(req *envelope.Request, options map[string]any) (*envelope.Response, error) {
	var matches []any
	if configured, ok := options["matches"].([]any); ok {
		matches = configured
	} else {
		matches = []any{s.defaultMatch(req, options)}
	}
	return envelope.FromBackend(req.RequestDetails, 200, nil, nil, map[string]any{
		"operation": "find",
		"success":   true,
		"matches":   matches,
	}), nil
}

// defaultMatch echoes the query identifier back, filling the study UID
// and other return keys with canned values.
func (s *MockDicomService) defaultMatch(req *envelope.Request, options map[string]any) map[string]any {
	var uid = OptString(options, "study_uid", "1.2.3")
	var id = dicomjson.NewIdentifier()
	id.Set(dicomjson.TagStudyInstanceUID, uid)

	if wrapper, ok := req.NormalizedData.(map[string]any); ok {
		if params, isMap := wrapper["params"].(map[string]any); isMap {
			for tag, v := range params {
				if value, isStr := v.(string); isStr && value != "" &&
					dicomjson.ClassifyMatch(value) == dicomjson.MatchExact {
					id.Set(tag, value)
				}
			}
		}
	}

	var out = make(map[string]any, len(id))
	for tag, attr := range id {
		out[tag] = attr
	}
	return out
}

func (s *MockDicomService) retrieve(req *envelope.Request, options map[string]any, op string) (*envelope.Response, error) {
	var uid = OptString(options, "study_uid", "1.2.3")
	var count = OptInt(options, "instance_count", 2)

	dir, err := os.MkdirTemp("", "mock-dicom-")
	if err != nil {
		return nil, fmt.Errorf("creating mock retrieve directory: %w", err)
	}

	var instances []any
	for i := 0; i < count; i++ {
		var path = filepath.Join(dir, fmt.Sprintf("instance-%d.dcm", i))
		if err = os.WriteFile(path, []byte(fmt.Sprintf("mock dataset %d for %s", i, uid)), 0o644); err != nil {
			return nil, fmt.Errorf("writing mock dataset: %w", err)
		}
		instances = append(instances, map[string]any{"StudyInstanceUID": uid, "path": path})
	}

	log.WithFields(log.Fields{
		"operation": op,
		"dir":       dir,
		"instances": count,
	}).Debug("mock PACS materialized datasets")

	return envelope.FromBackend(req.RequestDetails, 200, nil, nil, map[string]any{
		"operation":   op,
		"success":     true,
		"folder_path": dir,
		"instances":   instances,
	}), nil
}
