package services

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aurabox/harmony/config"
	"github.com/aurabox/harmony/envelope"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Version is the gateway release identifier reported by the management
// endpoint.
const Version = "0.9.0"

// InstalledRoute is one entry of the route table an adapter publishes
// for the management endpoint's /routes listing.
type InstalledRoute struct {
	Network     string   `json:"network"`
	Pipeline    string   `json:"pipeline"`
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

var (
	routesMu        sync.Mutex
	installedRoutes = make(map[string][]InstalledRoute)
)

// PublishRoutes records a network's installed routes for the management
// listing, replacing any routes previously published for that network.
func PublishRoutes(network string, routes []InstalledRoute) {
	routesMu.Lock()
	defer routesMu.Unlock()
	installedRoutes[network] = append([]InstalledRoute(nil), routes...)
}

func snapshotRoutes() []InstalledRoute {
	routesMu.Lock()
	defer routesMu.Unlock()
	var networks = make([]string, 0, len(installedRoutes))
	for name := range installedRoutes {
		networks = append(networks, name)
	}
	sort.Strings(networks)
	var out []InstalledRoute
	for _, name := range networks {
		out = append(out, installedRoutes[name]...)
	}
	return out
}

// ManagementService serves the gateway's introspection surface: info,
// pipeline listing, installed routes, and Prometheus metrics. It is an
// endpoint for backendless pipelines; every request short-circuits the
// backend stage.
type ManagementService struct {
	Base
	cfg     *config.Config
	started time.Time
}

// NewManagementService builds the management service over the loaded
// configuration.
func NewManagementService(cfg *config.Config) *ManagementService {
	return &ManagementService{
		Base:    Base{ServiceName: "management"},
		cfg:     cfg,
		started: time.Now(),
	}
}

func (s *ManagementService) BuildRouter(options map[string]any) []Route {
	var base = "/" + strings.Trim(OptString(options, "path_prefix", "/management"), "/")
	var get = []string{"GET"}
	return []Route{
		{Path: base + "/info", Methods: get, Description: "gateway identity and uptime"},
		{Path: base + "/pipelines", Methods: get, Description: "configured pipelines"},
		{Path: base + "/routes", Methods: get, Description: "installed HTTP routes"},
		{Path: base + "/metrics", Methods: get, Description: "Prometheus metrics"},
	}
}

func (s *ManagementService) EndpointIncomingRequest(req *envelope.Request, _ map[string]any) (*envelope.Request, error) {
	req.SetMeta(envelope.MetaSkipBackends, "true")

	switch req.Meta("path") {
	case "info":
		var id string
		if s.cfg != nil {
			id = s.cfg.Proxy.ID
		}
		req.NormalizedData = map[string]any{
			"id":             id,
			"version":        Version,
			"uptime_seconds": int(time.Since(s.started).Seconds()),
		}

	case "pipelines":
		req.NormalizedData = s.pipelineListing()

	case "routes":
		req.NormalizedData = map[string]any{"routes": snapshotRoutes()}

	case "metrics":
		var text, err = renderMetrics()
		if err != nil {
			return nil, fmt.Errorf("rendering metrics: %w", err)
		}
		req.SetMeta("response_body", text)
		req.SetMeta("response_content_type", "text/plain; version=0.0.4")

	default:
		req.SetMeta("response_status", "404")
	}
	return req, nil
}

func (s *ManagementService) pipelineListing() map[string]any {
	var out = make(map[string]any)
	if s.cfg == nil {
		return map[string]any{"pipelines": out}
	}
	var names = make([]string, 0, len(s.cfg.Pipelines))
	for name := range s.cfg.Pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var p = s.cfg.Pipelines[name]
		out[name] = map[string]any{
			"description": p.Description,
			"networks":    p.Networks,
			"endpoints":   p.Endpoints,
			"backends":    p.Backends,
			"middleware":  p.Middleware,
		}
	}
	return map[string]any{"pipelines": out}
}

func renderMetrics() (string, error) {
	var families, err = prometheus.DefaultGatherer.Gather()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	var enc = expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err = enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}
