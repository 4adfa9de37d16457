package services

import (
	"context"
	"os"
	"testing"

	"github.com/aurabox/harmony/config"
	"github.com/aurabox/harmony/dimse/dicomjson"
	"github.com/aurabox/harmony/envelope"
	"github.com/aurabox/harmony/protocol"
	"github.com/stretchr/testify/require"
)

func httpProtocolCtx(method, uri string) *protocol.Ctx {
	var pctx = protocol.NewCtx(protocol.HTTP, nil)
	pctx.Attrs["method"] = method
	pctx.Attrs["uri"] = uri
	pctx.Attrs["headers"] = map[string]string{"X-Upper": "kept", "accept": "application/json"}
	pctx.Attrs["cookies"] = map[string]string{"session": "abc"}
	pctx.Attrs["query_params"] = map[string][]string{"q": {"a", "b"}}
	pctx.Attrs["cache_status"] = "HIT"
	return pctx
}

func TestHTTPEnvelope(t *testing.T) {
	var options = map[string]any{"path_prefix": "/api"}
	req, err := HTTPEnvelope(httpProtocolCtx("GET", "/api/studies/1?q=a&q=b"), options)
	require.NoError(t, err)

	require.Equal(t, "GET", req.RequestDetails.Method)
	require.Equal(t, "/api/studies/1?q=a&q=b", req.RequestDetails.URI)
	require.Equal(t, "kept", req.RequestDetails.Headers["x-upper"])
	require.Equal(t, "abc", req.RequestDetails.Cookies["session"])
	require.Equal(t, []string{"a", "b"}, req.RequestDetails.QueryParams["q"])
	require.Equal(t, "HIT", req.RequestDetails.CacheStatus)

	require.Equal(t, "studies/1", req.Meta("path"))
	require.Equal(t, "studies/1?q=a&q=b", req.Meta("full_path"))
	require.Equal(t, "http", req.Meta("protocol"))
}

func TestHTTPEnvelopeWithoutPrefix(t *testing.T) {
	req, err := HTTPEnvelope(httpProtocolCtx("GET", "/studies"), nil)
	require.NoError(t, err)
	require.Equal(t, "studies", req.Meta("path"))
	require.Equal(t, "studies", req.Meta("full_path"))
}

func TestSerializeResponse(t *testing.T) {
	// Raw bytes win over the normalized value.
	var resp = envelope.FromBackend(envelope.NewRequestDetails(), 201,
		map[string]string{"content-type": "text/plain"}, []byte("raw"), map[string]any{"k": "v"})
	wire, err := SerializeResponse(resp)
	require.NoError(t, err)
	require.Equal(t, 201, wire.Status)
	require.Equal(t, []byte("raw"), wire.Body)
	require.Equal(t, "text/plain", wire.Headers["content-type"])

	// Without bytes the normalized value is marshalled and typed.
	resp = envelope.FromBackend(envelope.NewRequestDetails(), 0, nil, nil, map[string]any{"k": "v"})
	wire, err = SerializeResponse(resp)
	require.NoError(t, err)
	require.Equal(t, 200, wire.Status)
	require.JSONEq(t, `{"k":"v"}`, string(wire.Body))
	require.Equal(t, "application/json", wire.Headers["content-type"])
}

func TestOptionHelpers(t *testing.T) {
	var options = map[string]any{
		"s":     "value",
		"empty": "",
		"b":     true,
		"i64":   int64(7),
		"f":     float64(9),
		"list":  []any{"a", 1, "b"},
	}
	require.Equal(t, "value", OptString(options, "s", "d"))
	require.Equal(t, "d", OptString(options, "empty", "d"))
	require.Equal(t, "d", OptString(options, "missing", "d"))
	require.True(t, OptBool(options, "b", false))
	require.False(t, OptBool(options, "missing", false))
	require.Equal(t, 7, OptInt(options, "i64", 0))
	require.Equal(t, 9, OptInt(options, "f", 0))
	require.Equal(t, 3, OptInt(options, "missing", 3))
	require.Equal(t, []string{"a", "b"}, OptStrings(options, "list"))
}

func TestRegistry(t *testing.T) {
	cfg, err := config.Parse(`
[proxy]
id = "p"
`)
	require.NoError(t, err)
	reg, err := NewRegistry(cfg)
	require.NoError(t, err)

	for _, name := range []string{"http", "fhir", "echo", "dicom", "dicomweb", "jmix", "mock_dicom", "management"} {
		svc, ok := reg.Get(name)
		require.True(t, ok, name)
		require.Equal(t, name, svc.Name())
	}
	_, ok := reg.Get("nope")
	require.False(t, ok)
}

func TestRegistryRejectsExternalModules(t *testing.T) {
	cfg, err := config.Parse(`
[proxy]
id = "p"
[services.custom]
module = "plugins/custom.so"
`)
	require.NoError(t, err)
	_, err = NewRegistry(cfg)
	require.Error(t, err)
}

func TestMockDicomFindEchoesExactParams(t *testing.T) {
	var svc = NewMockDicomService()
	var req = envelope.NewRequest(envelope.NewRequestDetails(), nil)
	req.SetMeta("dimse_op", "find")
	req.NormalizedData = map[string]any{
		"query_level": "STUDY",
		"params": map[string]any{
			dicomjson.TagPatientID:   "PID156695",
			dicomjson.TagPatientName: "SM*",
		},
	}

	resp, err := svc.BackendOutgoingRequest(context.Background(), req, map[string]any{"study_uid": "1.2.840.9"})
	require.NoError(t, err)

	var result = resp.NormalizedData.(map[string]any)
	require.Equal(t, "find", result["operation"])
	require.Equal(t, true, result["success"])

	var matches = result["matches"].([]any)
	require.Len(t, matches, 1)
	var match = matches[0].(map[string]any)

	var pid = match[dicomjson.TagPatientID].(dicomjson.Attribute)
	require.Equal(t, []any{"PID156695"}, pid.Value)
	var uid = match[dicomjson.TagStudyInstanceUID].(dicomjson.Attribute)
	require.Equal(t, []any{"1.2.840.9"}, uid.Value)
	// Wildcard criteria are not echoed as values.
	_, present := match[dicomjson.TagPatientName]
	require.False(t, present)
}

func TestMockDicomRetrieveMaterializesFolder(t *testing.T) {
	var svc = NewMockDicomService()
	var req = envelope.NewRequest(envelope.NewRequestDetails(), nil)
	req.SetMeta("dimse_op", "get")

	resp, err := svc.BackendOutgoingRequest(context.Background(), req, map[string]any{
		"study_uid":      "1.2.3",
		"instance_count": int64(3),
	})
	require.NoError(t, err)

	var result = resp.NormalizedData.(map[string]any)
	require.Equal(t, "get", result["operation"])
	var folder = result["folder_path"].(string)
	t.Cleanup(func() { os.RemoveAll(folder) })

	var instances = result["instances"].([]any)
	require.Len(t, instances, 3)
	for _, inst := range instances {
		require.Equal(t, "1.2.3", inst.(map[string]any)["StudyInstanceUID"])
	}
}

func TestMockDicomRejectsUnknownOp(t *testing.T) {
	var svc = NewMockDicomService()
	var req = envelope.NewRequest(envelope.NewRequestDetails(), nil)
	req.SetMeta("dimse_op", "teleport")
	var _, err = svc.BackendOutgoingRequest(context.Background(), req, nil)
	require.Error(t, err)
}
