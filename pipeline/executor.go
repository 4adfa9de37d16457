package pipeline

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/aurabox/harmony/config"
	"github.com/aurabox/harmony/envelope"
	"github.com/aurabox/harmony/middleware"
	"github.com/aurabox/harmony/protocol"
	"github.com/aurabox/harmony/services"
	log "github.com/sirupsen/logrus"
)

// Executor runs envelopes through configured pipelines. It is built once
// at startup: middleware chains are resolved eagerly so configuration
// mistakes surface before the first request.
type Executor struct {
	cfg      *config.Config
	services *services.Registry
	chains   map[string]*middleware.Chain
}

// NewExecutor builds the executor, resolving every pipeline's middleware
// chain through the registry.
func NewExecutor(cfg *config.Config, svcReg *services.Registry, mwReg *middleware.Registry) (*Executor, error) {
	var chains = make(map[string]*middleware.Chain, len(cfg.Pipelines))
	for name, p := range cfg.Pipelines {
		var chain, err = mwReg.BuildChain(p.Middleware)
		if err != nil {
			return nil, NewError(KindConfig, fmt.Errorf("pipeline %q: %w", name, err))
		}
		chains[name] = chain
	}
	return &Executor{cfg: cfg, services: svcReg, chains: chains}, nil
}

// BuildEnvelope lifts a protocol context into a request envelope using
// the pipeline's first endpoint service.
func (e *Executor) BuildEnvelope(pipelineName string, pctx *protocol.Ctx) (*envelope.Request, error) {
	var _, svc, options, err = e.endpoint(pipelineName)
	if err != nil {
		return nil, err
	}
	req, err := svc.BuildProtocolEnvelope(pctx, options)
	if err != nil {
		return nil, NewError(KindService, err)
	}
	return req, nil
}

// Execute runs the six stages over one request envelope and returns the
// response envelope. Every error is categorized exactly once.
func (e *Executor) Execute(ctx context.Context, pipelineName string, req *envelope.Request, pctx *protocol.Ctx) (*envelope.Response, error) {
	var resp, err = e.execute(ctx, pipelineName, req, pctx)
	if err != nil {
		executions.WithLabelValues(pipelineName, "error").Inc()
		return nil, err
	}
	executions.WithLabelValues(pipelineName, "success").Inc()
	return resp, nil
}

func (e *Executor) execute(ctx context.Context, pipelineName string, req *envelope.Request, pctx *protocol.Ctx) (*envelope.Response, error) {
	var pl, svc, options, err = e.endpoint(pipelineName)
	if err != nil {
		return nil, err
	}
	var chain = e.chains[pipelineName]

	// Stage 1: endpoint incoming hook.
	if req, err = svc.EndpointIncomingRequest(req, options); err != nil {
		return nil, NewError(KindService, err)
	}

	// Stage 2: left middleware chain, over the JSON form.
	var jreq = req.ToJSON()
	if jreq, err = chain.Left(jreq); err != nil {
		return nil, NewError(KindMiddleware, err)
	}
	req = jreq.ToBytes()

	// Stage 3: backend, or a synthesized response when skipped.
	var resp *envelope.Response
	if req.SkipBackends() || len(pl.Backends) == 0 {
		resp = e.synthesize(req)
	} else if resp, err = e.callBackend(ctx, pl, req); err != nil {
		return nil, err
	}

	// Stage 4: right middleware chain, reverse order.
	jresp, err := resp.ToJSON()
	if err != nil {
		return nil, NewError(KindService, err)
	}
	if jresp, err = chain.Right(jresp); err != nil {
		return nil, NewError(KindMiddleware, err)
	}
	if resp, err = jresp.ToBytes(); err != nil {
		return nil, NewError(KindService, err)
	}

	// Stage 5: endpoint outgoing protocol hook. Stage 6 is the return;
	// the adapter owns final wire serialization.
	svc.EndpointOutgoingProtocol(resp, pctx, options)
	return resp, nil
}

func (e *Executor) endpoint(pipelineName string) (*config.Pipeline, services.Service, map[string]any, error) {
	var pl, ok = e.cfg.Pipelines[pipelineName]
	if !ok {
		return nil, nil, nil, Errorf(KindConfig, "unknown pipeline %q", pipelineName)
	}
	if len(pl.Endpoints) == 0 {
		return nil, nil, nil, Errorf(KindConfig, "pipeline %q declares no endpoints", pipelineName)
	}
	var epName = pl.Endpoints[0]
	ep, ok := e.cfg.Endpoints[epName]
	if !ok {
		return nil, nil, nil, Errorf(KindConfig, "pipeline %q names unknown endpoint %q", pipelineName, epName)
	}
	svc, ok := e.services.Get(ep.Service)
	if !ok {
		return nil, nil, nil, Errorf(KindConfig, "endpoint %q names unknown service %q", epName, ep.Service)
	}
	return &pl, svc, ep.Options, nil
}

// Endpoint returns the pipeline's active endpoint service and options.
// Adapters use it for route enumeration and response serialization.
func (e *Executor) Endpoint(pipelineName string) (services.Service, map[string]any, error) {
	var _, svc, options, err = e.endpoint(pipelineName)
	return svc, options, err
}

// Config returns the executor's configuration.
func (e *Executor) Config() *config.Config { return e.cfg }

// synthesize builds the response standing in for a skipped backend
// stage: an empty success unless a middleware or endpoint left explicit
// response metadata behind.
func (e *Executor) synthesize(req *envelope.Request) *envelope.Response {
	var status = 200
	if s := req.Meta("response_status"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil {
			status = parsed
		}
	}

	var headers = make(map[string]string)
	if ct := req.Meta("response_content_type"); ct != "" {
		headers["content-type"] = ct
	}

	var body []byte
	var normalized = req.NormalizedData
	if path := req.Meta("response_file"); path != "" {
		var data, err = os.ReadFile(path)
		if err != nil {
			log.WithFields(log.Fields{"path": path, "error": err}).Warn("failed to read response file")
			return envelope.FromBackend(req.RequestDetails, 500, nil, nil, nil)
		}
		body = data
		normalized = nil
	} else if req.Meta("response_body") != "" || metaPresent(req, "response_body") {
		body = []byte(req.Meta("response_body"))
		normalized = nil
	}

	return envelope.FromBackend(req.RequestDetails, status, headers, body, normalized)
}

func metaPresent(req *envelope.Request, key string) bool {
	var _, ok = req.RequestDetails.Metadata[key]
	return ok
}

// callBackend invokes the pipeline's first backend. A backend name
// absent from configuration answers 502 rather than erroring.
func (e *Executor) callBackend(ctx context.Context, pl *config.Pipeline, req *envelope.Request) (*envelope.Response, error) {
	var beName = pl.Backends[0]
	var be, ok = e.cfg.Backends[beName]
	if !ok {
		log.WithField("backend", beName).Warn("pipeline names unconfigured backend")
		return envelope.FromBackend(req.RequestDetails, 502,
			map[string]string{"content-type": "text/plain"},
			[]byte(fmt.Sprintf("backend %q is not configured", beName)), nil), nil
	}
	svc, ok := e.services.Get(be.Service)
	if !ok {
		return nil, Errorf(KindConfig, "backend %q names unknown service %q", beName, be.Service)
	}

	var resp, err = svc.BackendOutgoingRequest(ctx, req, be.Options)
	if err != nil {
		return nil, NewError(KindBackend, fmt.Errorf("backend %q: %w", beName, err))
	}
	return resp, nil
}
