package middleware

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aurabox/harmony/dimse/dicomjson"
	"github.com/aurabox/harmony/envelope"
	"github.com/stretchr/testify/require"
)

func TestParseDicomwebPath(t *testing.T) {
	var cases = []struct {
		path      string
		operation string
		level     string
		study     string
		series    string
		instance  string
	}{
		{"studies", "qido", "STUDY", "", "", ""},
		{"studies/1.2.3", "wado_instance", "STUDY", "1.2.3", "", ""},
		{"studies/1.2.3/metadata", "wado_metadata", "STUDY", "1.2.3", "", ""},
		{"studies/1.2.3/series", "qido", "SERIES", "1.2.3", "", ""},
		{"studies/1.2.3/series/4.5", "wado_instance", "SERIES", "1.2.3", "4.5", ""},
		{"studies/1.2.3/series/4.5/instances", "qido", "IMAGE", "1.2.3", "4.5", ""},
		{"studies/1.2.3/series/4.5/instances/6.7", "wado_instance", "IMAGE", "1.2.3", "4.5", "6.7"},
		{"studies/1.2.3/series/4.5/instances/6.7/metadata", "wado_metadata", "IMAGE", "1.2.3", "4.5", "6.7"},
		{"studies/1.2.3/series/4.5/instances/6.7/frames/1,3", "wado_frames", "IMAGE", "1.2.3", "4.5", "6.7"},
	}
	for _, tc := range cases {
		var target, ok = parseDicomwebPath(tc.path)
		require.True(t, ok, tc.path)
		require.Equal(t, tc.operation, target.operation, tc.path)
		require.Equal(t, tc.level, target.level, tc.path)
		require.Equal(t, tc.study, target.study, tc.path)
		require.Equal(t, tc.series, target.series, tc.path)
		require.Equal(t, tc.instance, target.instance, tc.path)
	}

	var frames, _ = parseDicomwebPath("studies/1/series/2/instances/3/frames/1,3")
	require.Equal(t, []int{1, 3}, frames.frames)

	var _, ok = parseDicomwebPath("Patient/1")
	require.False(t, ok)
}

func TestBridgeLeftBuildsQIDOQuery(t *testing.T) {
	var mw, err = newDicomWebBridge("bridge", nil, nil)
	require.NoError(t, err)

	var req = envelope.NewRequest(envelope.NewRequestDetails(), nil).ToJSON()
	req.SetMeta("path", "studies")
	req.RequestDetails.QueryParams["PatientID"] = []string{"PID156695"}
	req.RequestDetails.QueryParams["limit"] = []string{"25"}

	req, err = mw.Left(req)
	require.NoError(t, err)
	require.Equal(t, "find", req.Meta("dimse_op"))
	require.Equal(t, "qido", req.Meta("dicomweb_operation"))
	require.Equal(t, "STUDY", req.Meta("dicomweb_level"))

	var wrapper = req.NormalizedData.(map[string]any)
	require.Equal(t, "STUDY", wrapper["query_level"])
	require.Equal(t, 25, wrapper["max_results"])

	var params = wrapper["params"].(map[string]any)
	require.Equal(t, "PID156695", params[dicomjson.TagPatientID])

	var matchTypes = wrapper["match_types"].(map[string]any)
	require.Equal(t, dicomjson.MatchExact, matchTypes[dicomjson.TagPatientID])

	var id = wrapper["identifier"].(dicomjson.Identifier)
	require.Equal(t, "PID156695", id.First(dicomjson.TagPatientID))
	// Default study return keys are requested alongside the criteria.
	var _, found = id[dicomjson.TagStudyInstanceUID]
	require.True(t, found)
}

func TestBridgeLeftRetrievalUsesGet(t *testing.T) {
	var mw, err = newDicomWebBridge("bridge", nil, nil)
	require.NoError(t, err)

	var req = envelope.NewRequest(envelope.NewRequestDetails(), nil).ToJSON()
	req.SetMeta("path", "studies/1.2.3")
	req.SetMeta("response_status", "404")

	req, err = mw.Left(req)
	require.NoError(t, err)
	require.Equal(t, "get", req.Meta("dimse_op"))
	require.Equal(t, "wado_instance", req.Meta("dicomweb_operation"))
	// A skeleton response left by an earlier stage must not shadow the
	// bridged result.
	require.Empty(t, req.Meta("response_status"))

	var wrapper = req.NormalizedData.(map[string]any)
	var params = wrapper["params"].(map[string]any)
	require.Equal(t, "1.2.3", params[dicomjson.TagStudyInstanceUID])
}

func TestBridgeLeftIgnoresForeignPaths(t *testing.T) {
	var mw, err = newDicomWebBridge("bridge", nil, nil)
	require.NoError(t, err)

	var req = envelope.NewRequest(envelope.NewRequestDetails(), nil).ToJSON()
	req.SetMeta("path", "Patient/1")
	req, err = mw.Left(req)
	require.NoError(t, err)
	require.Empty(t, req.Meta("dimse_op"))
	require.Nil(t, req.NormalizedData)
}

func bridgedResponse(t *testing.T, operation string, result map[string]any) *envelope.JSONResponse {
	t.Helper()
	var details = envelope.NewRequestDetails()
	details.Metadata["dicomweb_operation"] = operation
	resp, err := envelope.FromBackend(details, 200, nil, nil, result).ToJSON()
	require.NoError(t, err)
	return resp
}

func TestBridgeRightQIDOMatches(t *testing.T) {
	var mw, err = newDicomWebBridge("bridge", nil, nil)
	require.NoError(t, err)

	var match = map[string]any{
		dicomjson.TagPatientID: map[string]any{"vr": "LO", "Value": []any{"PID156695"}},
	}
	resp, err := mw.Right(bridgedResponse(t, "qido", map[string]any{
		"operation": "find",
		"success":   true,
		"matches":   []any{match},
	}))
	require.NoError(t, err)
	require.Equal(t, 200, resp.ResponseDetails.Status)
	require.Equal(t, "application/dicom+json", resp.ResponseDetails.Headers["content-type"])
	require.Equal(t, []any{match}, resp.OriginalData)
}

func TestBridgeRightQIDOEmptyIs204(t *testing.T) {
	var mw, err = newDicomWebBridge("bridge", nil, nil)
	require.NoError(t, err)

	resp, err := mw.Right(bridgedResponse(t, "qido", map[string]any{
		"operation": "find",
		"success":   true,
		"matches":   []any{},
	}))
	require.NoError(t, err)
	require.Equal(t, 204, resp.ResponseDetails.Status)

	var out, outErr = resp.ToBytes()
	require.NoError(t, outErr)
	require.Empty(t, out.OriginalData)
}

func TestBridgeRightMultipart(t *testing.T) {
	var mw, err = newDicomWebBridge("bridge", nil, nil)
	require.NoError(t, err)

	var folder = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(folder, "a.dcm"), []byte("DICM-A"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(folder, "b.dcm"), []byte("DICM-B"), 0o644))

	resp, err := mw.Right(bridgedResponse(t, "wado_instance", map[string]any{
		"operation":   "get",
		"success":     true,
		"folder_path": folder,
	}))
	require.NoError(t, err)
	require.Equal(t, 200, resp.ResponseDetails.Status)

	var contentType = resp.ResponseDetails.Headers["content-type"]
	require.True(t, strings.HasPrefix(contentType, `multipart/related; type="application/dicom"`))

	var out, outErr = resp.ToBytes()
	require.NoError(t, outErr)
	var body = string(out.OriginalData)
	require.Contains(t, body, "DICM-A")
	require.Contains(t, body, "DICM-B")
	require.Contains(t, body, "Content-Type: application/dicom")
}

func TestBridgeRightMultipartFailureIs404(t *testing.T) {
	var mw, err = newDicomWebBridge("bridge", nil, nil)
	require.NoError(t, err)

	resp, err := mw.Right(bridgedResponse(t, "wado_instance", map[string]any{
		"operation": "get",
		"success":   false,
	}))
	require.NoError(t, err)
	require.Equal(t, 404, resp.ResponseDetails.Status)
}

func TestBridgeRightPassesUnbridged(t *testing.T) {
	var mw, err = newDicomWebBridge("bridge", nil, nil)
	require.NoError(t, err)

	var resp = testResponse(t, []byte(`{"k":"v"}`))
	resp, err = mw.Right(resp)
	require.NoError(t, err)
	require.Equal(t, 200, resp.ResponseDetails.Status)
	require.Equal(t, map[string]any{"k": "v"}, resp.OriginalData)
}
