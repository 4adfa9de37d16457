package middleware

import (
	"testing"

	"github.com/aurabox/harmony/config"
	"github.com/aurabox/harmony/envelope"
	"github.com/stretchr/testify/require"
)

// recorder notes traversal order in a shared log.
type recorder struct {
	base
	log *[]string
}

func (r *recorder) Left(req *envelope.JSONRequest) (*envelope.JSONRequest, error) {
	*r.log = append(*r.log, r.name+".left")
	return req, nil
}

func (r *recorder) Right(resp *envelope.JSONResponse) (*envelope.JSONResponse, error) {
	*r.log = append(*r.log, r.name+".right")
	return resp, nil
}

func testRequest() *envelope.JSONRequest {
	return envelope.NewRequest(envelope.NewRequestDetails(), nil).ToJSON()
}

func testResponse(t *testing.T, body []byte) *envelope.JSONResponse {
	t.Helper()
	var resp, err = envelope.FromBackend(envelope.NewRequestDetails(), 200, nil, body, nil).ToJSON()
	require.NoError(t, err)
	return resp
}

func TestRightVisitsReverseOfLeft(t *testing.T) {
	var log []string
	var chain = NewChain(
		&recorder{base{name: "a"}, &log},
		&recorder{base{name: "b"}, &log},
		&recorder{base{name: "c"}, &log},
	)

	var _, err = chain.Left(testRequest())
	require.NoError(t, err)
	_, err = chain.Right(testResponse(t, nil))
	require.NoError(t, err)

	require.Equal(t, []string{
		"a.left", "b.left", "c.left",
		"c.right", "b.right", "a.right",
	}, log)
}

func TestChainStopsOnFirstError(t *testing.T) {
	var log []string
	var failing, err = newJWTAuth("guard", map[string]any{"secret": "s"}, nil)
	require.NoError(t, err)

	var chain = NewChain(
		&recorder{base{name: "a"}, &log},
		failing,
		&recorder{base{name: "b"}, &log},
	)
	_, err = chain.Left(testRequest())
	require.Error(t, err)
	require.Equal(t, []string{"a.left"}, log)
}

func TestJSONExtractorPopulatesNormalized(t *testing.T) {
	var mw, err = newJSONExtractor("extract", nil, nil)
	require.NoError(t, err)

	var req = envelope.NewRequest(envelope.NewRequestDetails(), []byte(`{"k":"v"}`)).ToJSON()
	req, err = mw.Left(req)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"k": "v"}, req.NormalizedData)

	// Present values are left alone.
	req.NormalizedData = "sentinel"
	req, err = mw.Left(req)
	require.NoError(t, err)
	require.Equal(t, "sentinel", req.NormalizedData)
}

func TestPassthroughMarksBothDirections(t *testing.T) {
	var mw, err = newPassthrough("probe", nil, nil)
	require.NoError(t, err)

	req, err := mw.Left(testRequest())
	require.NoError(t, err)
	require.Equal(t, "left", req.Meta("passthrough_probe"))

	resp, err := mw.Right(testResponse(t, nil))
	require.NoError(t, err)
	require.Equal(t, "right", resp.Meta("passthrough_probe"))
}

func TestRegistryPrefersInstanceBlock(t *testing.T) {
	cfg, err := config.Parse(`
[proxy]
id = "p"
[middleware.guard]
middleware_type = "basic_auth"
[middleware.guard.options]
username = "u"
password = "pw"
`)
	require.NoError(t, err)

	var reg = NewRegistry(cfg)
	mw, err := reg.Resolve("guard")
	require.NoError(t, err)
	require.IsType(t, &basicAuth{}, mw)

	// A bare built-in type name needs no instance block.
	mw, err = reg.Resolve("passthrough")
	require.NoError(t, err)
	require.IsType(t, &passthrough{}, mw)

	_, err = reg.Resolve("nonexistent")
	require.Error(t, err)
}
