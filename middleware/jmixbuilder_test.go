package middleware

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aurabox/harmony/config"
	"github.com/aurabox/harmony/envelope"
	"github.com/aurabox/harmony/jmix"
	"github.com/stretchr/testify/require"
)

func newTestJmixBuilder(t *testing.T) (*jmixBuilder, string) {
	t.Helper()
	var root = t.TempDir()
	var cfg = &config.Config{Storage: config.Storage{
		Backend: "filesystem",
		Options: map[string]any{"path": root},
	}}
	mw, err := newJmixBuilder("packager", nil, cfg)
	require.NoError(t, err)
	var builder = mw.(*jmixBuilder)
	t.Cleanup(func() { builder.index.Close() })
	return builder, root
}

func jmixRequest(path string, query map[string][]string, accept string) *envelope.JSONRequest {
	var details = envelope.NewRequestDetails()
	for k, v := range query {
		details.QueryParams[k] = v
	}
	if accept != "" {
		details.Headers["accept"] = accept
	}
	var req = envelope.NewRequest(details, nil).ToJSON()
	req.SetMeta("path", path)
	return req
}

func retrieveResult(t *testing.T, folder string) map[string]any {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(folder, "a.dcm"), []byte("dataset"), 0o644))
	return map[string]any{
		"operation":   "get",
		"success":     true,
		"folder_path": folder,
		"instances": []any{
			map[string]any{"StudyInstanceUID": "1.2.3", "path": filepath.Join(folder, "a.dcm")},
		},
	}
}

func TestJmixQueryMissRequestsRetrieve(t *testing.T) {
	var builder, _ = newTestJmixBuilder(t)

	req, err := builder.Left(jmixRequest("api/jmix",
		map[string][]string{"studyInstanceUid": {"1.2.3"}}, "application/json"))
	require.NoError(t, err)
	require.False(t, req.SkipBackends())
	require.Equal(t, "get", req.Meta("dimse_op"))

	var wrapper = req.NormalizedData.(map[string]any)
	require.Equal(t, "STUDY", wrapper["query_level"])
	var params = wrapper["params"].(map[string]any)
	require.Equal(t, "1.2.3", params["0020000D"])
}

func TestJmixQueryWithoutUIDIs400(t *testing.T) {
	var builder, _ = newTestJmixBuilder(t)

	req, err := builder.Left(jmixRequest("api/jmix", nil, ""))
	require.NoError(t, err)
	require.True(t, req.SkipBackends())
	require.Equal(t, "400", req.Meta("response_status"))
}

func TestJmixBuildsPackageFromRetrieve(t *testing.T) {
	var builder, _ = newTestJmixBuilder(t)
	var folder = t.TempDir()

	var details = envelope.NewRequestDetails()
	details.Metadata["jmix_request"] = "true"
	resp, err := envelope.FromBackend(details, 200, nil, nil, retrieveResult(t, folder)).ToJSON()
	require.NoError(t, err)

	resp, err = builder.Right(resp)
	require.NoError(t, err)

	var id = resp.ResponseDetails.Metadata["jmix_id"]
	require.NotEmpty(t, id)
	require.Equal(t, "true", resp.ResponseDetails.Metadata["jmix_zip_ready"])
	require.Equal(t, "1.2.3", resp.ResponseDetails.Metadata["jmix_study_uid"])

	// The retrieved folder is consumed; the package is indexed.
	_, statErr := os.Stat(folder)
	require.True(t, os.IsNotExist(statErr))
	info, err := builder.index.GetByID(id)
	require.NoError(t, err)
	require.NotNil(t, info)
	require.Equal(t, "1.2.3", info.StudyUID)
	_, statErr = os.Stat(info.ZipPath())
	require.NoError(t, statErr)

	// A JSON request gets the index listing for the new package.
	var listing = resp.OriginalData.(map[string]any)
	var envelopes = listing["jmixEnvelopes"].([]any)
	require.Len(t, envelopes, 1)
	require.Equal(t, id, envelopes[0].(map[string]any)["id"])
}

func TestJmixServesCachedPackage(t *testing.T) {
	var builder, _ = newTestJmixBuilder(t)

	built, err := jmix.Build(sourceRetrieveFolder(t), builder.storeRoot, []any{
		map[string]any{"StudyInstanceUID": "1.2.3"},
	}, jmix.BuildOptions{})
	require.NoError(t, err)
	require.NoError(t, builder.index.Insert(built.Info))

	// JSON accept: the index listing, no backend call.
	req, err := builder.Left(jmixRequest("api/jmix",
		map[string][]string{"studyInstanceUid": {"1.2.3"}}, "application/json"))
	require.NoError(t, err)
	require.True(t, req.SkipBackends())
	require.Equal(t, "index", req.Meta("jmix_serving"))

	// Zip accept: the package archive by file reference.
	req, err = builder.Left(jmixRequest("api/jmix",
		map[string][]string{"studyInstanceUid": {"1.2.3"}}, "application/zip"))
	require.NoError(t, err)
	require.True(t, req.SkipBackends())
	require.Equal(t, "zip", req.Meta("jmix_serving"))
	require.Equal(t, built.Info.ZipPath(), req.Meta("response_file"))
	require.Equal(t, "application/zip", req.Meta("response_content_type"))

	// Direct id fetch and manifest fetch.
	req, err = builder.Left(jmixRequest("api/jmix/"+built.Info.ID, nil, ""))
	require.NoError(t, err)
	require.Equal(t, built.Info.ZipPath(), req.Meta("response_file"))

	req, err = builder.Left(jmixRequest("api/jmix/"+built.Info.ID+"/manifest", nil, ""))
	require.NoError(t, err)
	require.Equal(t, built.Info.ManifestPath(), req.Meta("response_file"))
	require.Equal(t, "application/json", req.Meta("response_content_type"))
}

func TestJmixUnknownPackageIs404(t *testing.T) {
	var builder, _ = newTestJmixBuilder(t)

	req, err := builder.Left(jmixRequest("api/jmix/no-such-id", nil, ""))
	require.NoError(t, err)
	require.True(t, req.SkipBackends())
	require.Equal(t, "404", req.Meta("response_status"))

	req, err = builder.Left(jmixRequest("api/jmix/no-such-id/manifest", nil, ""))
	require.NoError(t, err)
	require.Equal(t, "404", req.Meta("response_status"))
}

func TestJmixIgnoresForeignPaths(t *testing.T) {
	var builder, _ = newTestJmixBuilder(t)

	req, err := builder.Left(jmixRequest("studies/1.2.3", nil, ""))
	require.NoError(t, err)
	require.False(t, req.SkipBackends())
	require.Empty(t, req.Meta("response_status"))
}

func sourceRetrieveFolder(t *testing.T) string {
	t.Helper()
	var folder = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(folder, "a.dcm"), []byte("dataset"), 0o644))
	return folder
}
