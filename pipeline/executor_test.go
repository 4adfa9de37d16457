package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aurabox/harmony/config"
	"github.com/aurabox/harmony/envelope"
	"github.com/aurabox/harmony/middleware"
	"github.com/aurabox/harmony/protocol"
	"github.com/aurabox/harmony/services"
	"github.com/stretchr/testify/require"
)

func newExecutor(t *testing.T, doc string) *Executor {
	t.Helper()
	cfg, err := config.Parse(doc)
	require.NoError(t, err)
	svcReg, err := services.NewRegistry(cfg)
	require.NoError(t, err)
	exec, err := NewExecutor(cfg, svcReg, middleware.NewRegistry(cfg))
	require.NoError(t, err)
	return exec
}

func httpCtx(method, uri string, body []byte, headers map[string]string) *protocol.Ctx {
	if headers == nil {
		headers = map[string]string{}
	}
	var pctx = protocol.NewCtx(protocol.HTTP, body)
	pctx.Attrs["method"] = method
	pctx.Attrs["uri"] = uri
	pctx.Attrs["headers"] = headers
	pctx.Attrs["cookies"] = map[string]string{}
	pctx.Attrs["query_params"] = map[string][]string{}
	return pctx
}

func TestZeroBackendsSynthesizesEmptySuccess(t *testing.T) {
	var exec = newExecutor(t, `
[proxy]
id = "p"
[pipelines.plain]
networks = ["local"]
endpoints = ["ep"]
[endpoints.ep]
service = "http"
[endpoints.ep.options]
path_prefix = "/api"
`)
	var pctx = httpCtx("GET", "/api/anything", nil, nil)
	req, err := exec.BuildEnvelope("plain", pctx)
	require.NoError(t, err)
	resp, err := exec.Execute(context.Background(), "plain", req, pctx)
	require.NoError(t, err)
	require.Equal(t, 200, resp.ResponseDetails.Status)
	require.Empty(t, resp.OriginalData)
}

func TestSkipBackendsPreventsBackendInvocation(t *testing.T) {
	// The backend's url is unreachable; invoking it would error, so a
	// clean 200 proves the skip flag was honored.
	var exec = newExecutor(t, `
[proxy]
id = "p"
[pipelines.p1]
networks = ["local"]
endpoints = ["ep"]
backends = ["be"]
[endpoints.ep]
service = "http"
[backends.be]
service = "http"
[backends.be.options]
url = "http://127.0.0.1:1/nowhere"
`)
	var pctx = httpCtx("GET", "/x", nil, nil)
	req, err := exec.BuildEnvelope("p1", pctx)
	require.NoError(t, err)
	req.SetMeta(envelope.MetaSkipBackends, "true")

	resp, err := exec.Execute(context.Background(), "p1", req, pctx)
	require.NoError(t, err)
	require.Equal(t, 200, resp.ResponseDetails.Status)
}

func TestUnknownEndpointIsConfigError(t *testing.T) {
	var exec = newExecutor(t, `
[proxy]
id = "p"
[pipelines.broken]
networks = ["local"]
endpoints = ["missing"]
`)
	var pctx = httpCtx("GET", "/x", nil, nil)
	var _, err = exec.BuildEnvelope("broken", pctx)
	require.Error(t, err)
	require.Equal(t, KindConfig, KindOf(err))
}

func TestMissingBackendSynthesizes502(t *testing.T) {
	var exec = newExecutor(t, `
[proxy]
id = "p"
[pipelines.p1]
networks = ["local"]
endpoints = ["ep"]
backends = ["ghost"]
[endpoints.ep]
service = "http"
`)
	var pctx = httpCtx("GET", "/x", nil, nil)
	req, err := exec.BuildEnvelope("p1", pctx)
	require.NoError(t, err)
	resp, err := exec.Execute(context.Background(), "p1", req, pctx)
	require.NoError(t, err)
	require.Equal(t, 502, resp.ResponseDetails.Status)
	require.Contains(t, string(resp.OriginalData), "ghost")
	require.Equal(t, "text/plain", resp.ResponseDetails.Headers["content-type"])
}

func TestEchoReflectsRequest(t *testing.T) {
	var exec = newExecutor(t, `
[proxy]
id = "p"
[pipelines.echo]
networks = ["local"]
endpoints = ["echo_ep"]
[endpoints.echo_ep]
service = "echo"
[endpoints.echo_ep.options]
path_prefix = "/echo"
`)
	var body = []byte(`{"a":1}`)
	var pctx = httpCtx("POST", "/echo/hello", body, map[string]string{"x-test": "yes"})

	req, err := exec.BuildEnvelope("echo", pctx)
	require.NoError(t, err)
	resp, err := exec.Execute(context.Background(), "echo", req, pctx)
	require.NoError(t, err)
	require.Equal(t, 200, resp.ResponseDetails.Status)

	var reflected, ok = resp.NormalizedData.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "hello", reflected["path"])
	require.Equal(t, base64.StdEncoding.EncodeToString(body), reflected["original_data"])
	var headers, _ = reflected["headers"].(map[string]string)
	require.Equal(t, "yes", headers["x-test"])
}

func TestJWTAuthRejectsMissingHeader(t *testing.T) {
	var exec = newExecutor(t, `
[proxy]
id = "p"
[pipelines.guarded]
networks = ["local"]
endpoints = ["ep"]
backends = ["be"]
middleware = ["jwt"]
[endpoints.ep]
service = "http"
[backends.be]
service = "http"
[backends.be.options]
url = "http://127.0.0.1:1/nowhere"
[middleware.jwt]
middleware_type = "jwt_auth"
[middleware.jwt.options]
secret = "topsecret"
`)
	var pctx = httpCtx("GET", "/x", nil, nil)
	req, err := exec.BuildEnvelope("guarded", pctx)
	require.NoError(t, err)

	var _, execErr = exec.Execute(context.Background(), "guarded", req, pctx)
	require.Error(t, execErr)
	require.Equal(t, KindMiddleware, KindOf(execErr))
	require.True(t, errors.Is(execErr, middleware.ErrAuthFailure))
}

func TestPathFilterDropsNonMatching(t *testing.T) {
	var exec = newExecutor(t, `
[proxy]
id = "p"
[pipelines.fhir]
networks = ["local"]
endpoints = ["ep"]
backends = ["be"]
middleware = ["filter"]
[endpoints.ep]
service = "fhir"
[endpoints.ep.options]
path_prefix = "/fhir"
[backends.be]
service = "http"
[backends.be.options]
url = "http://127.0.0.1:1/nowhere"
[middleware.filter]
middleware_type = "path_filter"
[middleware.filter.options]
rules = ["/ImagingStudy"]
`)
	var pctx = httpCtx("GET", "/fhir/Patient/1", nil, nil)
	req, err := exec.BuildEnvelope("fhir", pctx)
	require.NoError(t, err)
	resp, err := exec.Execute(context.Background(), "fhir", req, pctx)
	require.NoError(t, err)
	require.Equal(t, 404, resp.ResponseDetails.Status)
	require.Empty(t, resp.OriginalData)
	require.Equal(t, "true", resp.Meta(envelope.MetaSkipBackends))
}

func TestMatchingPathPassesFilter(t *testing.T) {
	var exec = newExecutor(t, `
[proxy]
id = "p"
[pipelines.fhir]
networks = ["local"]
endpoints = ["ep"]
middleware = ["filter"]
[endpoints.ep]
service = "fhir"
[endpoints.ep.options]
path_prefix = "/fhir"
[middleware.filter]
middleware_type = "path_filter"
[middleware.filter.options]
rules = ["/ImagingStudy"]
`)
	var pctx = httpCtx("GET", "/fhir/ImagingStudy/42", nil, nil)
	req, err := exec.BuildEnvelope("fhir", pctx)
	require.NoError(t, err)
	resp, err := exec.Execute(context.Background(), "fhir", req, pctx)
	require.NoError(t, err)
	require.Equal(t, 200, resp.ResponseDetails.Status)
	require.NotEqual(t, "true", resp.Meta(envelope.MetaSkipBackends))
}
