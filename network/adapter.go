package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aurabox/harmony/config"
	"github.com/aurabox/harmony/middleware"
	"github.com/aurabox/harmony/pipeline"
	"github.com/aurabox/harmony/protocol"
	log "github.com/sirupsen/logrus"
)

// Adapter is the HTTP listener of one network: it lifts requests into
// protocol contexts, routes them to a pipeline, and lowers the returned
// envelope onto the wire.
type Adapter struct {
	network string
	cfg     config.HTTPNetwork
	exec    *pipeline.Executor
	routes  *routeTable
}

// NewAdapter builds the adapter for a named network, installing its
// route table.
func NewAdapter(network string, cfg config.HTTPNetwork, exec *pipeline.Executor) (*Adapter, error) {
	var routes, err = buildRouteTable(network, exec)
	if err != nil {
		return nil, fmt.Errorf("building route table for network %q: %w", network, err)
	}
	return &Adapter{network: network, cfg: cfg, exec: exec, routes: routes}, nil
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (a *Adapter) Serve(ctx context.Context) error {
	var listener, err = net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("binding network %q to %s: %w", a.network, a.cfg.Addr(), err)
	}
	return a.ServeListener(ctx, listener)
}

// ServeListener serves on a caller-provided listener. Tests use it with
// an ephemeral port.
func (a *Adapter) ServeListener(ctx context.Context, listener net.Listener) error {
	var server = &http.Server{Handler: a}

	var done = make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithFields(log.Fields{"network": a.network, "error": err}).Warn("HTTP shutdown")
		}
	}()

	log.WithFields(log.Fields{
		"network": a.network,
		"addr":    listener.Addr().String(),
	}).Info("HTTP adapter listening")

	var err = server.Serve(listener)
	<-done
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeHTTP handles one request end to end.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var route, ok = a.routes.resolve(r.Method, r.URL.Path)
	if !ok {
		httpRequests.WithLabelValues(a.network, "4xx").Inc()
		http.NotFound(w, r)
		return
	}

	var body, err = io.ReadAll(r.Body)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("reading request body: %w", err))
		return
	}
	var pctx = a.protocolCtx(r, body)

	req, err := a.exec.BuildEnvelope(route.pipeline, pctx)
	if err != nil {
		a.writePipelineError(w, err)
		return
	}
	resp, err := a.exec.Execute(r.Context(), route.pipeline, req, pctx)
	if err != nil {
		a.writePipelineError(w, err)
		return
	}

	svc, options, err := a.exec.Endpoint(route.pipeline)
	if err != nil {
		a.writePipelineError(w, err)
		return
	}
	wire, err := svc.EndpointOutgoingResponse(resp, options)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}

	for k, v := range wire.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(wire.Status)
	if len(wire.Body) > 0 {
		w.Write(wire.Body)
	}
	httpRequests.WithLabelValues(a.network, statusClass(wire.Status)).Inc()
}

// protocolCtx lifts the request into the protocol-agnostic carrier.
func (a *Adapter) protocolCtx(r *http.Request, body []byte) *protocol.Ctx {
	var headers = make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[strings.ToLower(k)] = r.Header.Get(k)
	}
	var cookies = make(map[string]string)
	for _, c := range r.Cookies() {
		cookies[c.Name] = c.Value
	}
	var queryParams = map[string][]string(r.URL.Query())

	var cacheStatus string
	for _, h := range []string{"cache-status", "x-cache", "cf-cache-status"} {
		if v := headers[h]; v != "" {
			cacheStatus = v
			break
		}
	}

	var pctx = protocol.NewCtx(protocol.HTTP, body)
	pctx.Attrs["method"] = r.Method
	pctx.Attrs["uri"] = r.URL.RequestURI()
	pctx.Attrs["headers"] = headers
	pctx.Attrs["cookies"] = cookies
	pctx.Attrs["query_params"] = queryParams
	pctx.Attrs["cache_status"] = cacheStatus
	return pctx
}

// writePipelineError maps the pipeline error taxonomy to HTTP: failed
// auth answers 401, backend failures 502, everything else 500.
func (a *Adapter) writePipelineError(w http.ResponseWriter, err error) {
	var status = http.StatusInternalServerError
	switch {
	case errors.Is(err, middleware.ErrAuthFailure):
		status = http.StatusUnauthorized
	case pipeline.KindOf(err) == pipeline.KindBackend:
		status = http.StatusBadGateway
	}
	a.writeError(w, status, err)
}

func (a *Adapter) writeError(w http.ResponseWriter, status int, err error) {
	log.WithFields(log.Fields{
		"network": a.network,
		"status":  status,
		"error":   err,
	}).Warn("request failed")
	httpRequests.WithLabelValues(a.network, statusClass(status)).Inc()

	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func statusClass(status int) string {
	return fmt.Sprintf("%dxx", status/100)
}
