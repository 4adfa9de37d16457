// Package network implements the HTTP adapter: one listener per
// configured network, a route table scanned from the pipelines bound to
// it, and the request-to-envelope lifting the executor consumes.
package network

import (
	"strings"

	"github.com/aurabox/harmony/pipeline"
	"github.com/aurabox/harmony/services"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

const routeCacheSize = 1024

// installedRoute is one route bound to its owning pipeline.
type installedRoute struct {
	pipeline    string
	path        string
	methods     map[string]bool
	segments    []string
	literals    int
	description string
}

// routeTable resolves method+path to the pipeline serving it. Built
// once per network at startup; resolution results are cached in an LRU
// keyed by method and path.
type routeTable struct {
	routes []*installedRoute
	cache  *lru.Cache[string, *installedRoute]
}

// buildRouteTable scans the network's pipelines in stable order,
// enumerating each pipeline's first endpoint router. Conflicting
// (method, path) pairs keep the first pipeline; the later one is dropped
// with a warning.
func buildRouteTable(network string, exec *pipeline.Executor) (*routeTable, error) {
	var cache, err = lru.New[string, *installedRoute](routeCacheSize)
	if err != nil {
		return nil, err
	}
	var table = &routeTable{cache: cache}
	var seen = make(map[string]string)
	var published []services.InstalledRoute

	for _, plName := range exec.Config().PipelinesForNetwork(network) {
		svc, options, epErr := exec.Endpoint(plName)
		if epErr != nil {
			log.WithFields(log.Fields{
				"network":  network,
				"pipeline": plName,
				"error":    epErr,
			}).Warn("skipping pipeline with unresolvable endpoint")
			continue
		}

		for _, route := range svc.BuildRouter(options) {
			var methods = make(map[string]bool, len(route.Methods))
			var kept []string
			for _, m := range route.Methods {
				var key = m + " " + route.Path
				if owner, dup := seen[key]; dup {
					log.WithFields(log.Fields{
						"network":  network,
						"method":   m,
						"path":     route.Path,
						"kept":     owner,
						"dropped":  plName,
					}).Warn("route conflict, dropping later pipeline")
					continue
				}
				seen[key] = plName
				methods[m] = true
				kept = append(kept, m)
			}
			if len(methods) == 0 {
				continue
			}
			table.routes = append(table.routes, newInstalledRoute(plName, route, methods))
			published = append(published, services.InstalledRoute{
				Network:     network,
				Pipeline:    plName,
				Path:        route.Path,
				Methods:     kept,
				Description: route.Description,
			})
		}
	}

	services.PublishRoutes(network, published)
	log.WithFields(log.Fields{
		"network": network,
		"routes":  len(table.routes),
	}).Info("route table installed")
	return table, nil
}

func newInstalledRoute(plName string, route services.Route, methods map[string]bool) *installedRoute {
	var segments = splitPath(route.Path)
	var literals = 0
	for _, s := range segments {
		if s != "*" && !isParam(s) {
			literals++
		}
	}
	return &installedRoute{
		pipeline:    plName,
		path:        route.Path,
		methods:     methods,
		segments:    segments,
		literals:    literals,
		description: route.Description,
	}
}

// resolve returns the most specific installed route matching the
// request, preferring routes with more literal segments.
func (t *routeTable) resolve(method, path string) (*installedRoute, bool) {
	var key = method + " " + path
	if cached, ok := t.cache.Get(key); ok {
		return cached, true
	}

	var segments = splitPath(path)
	var best *installedRoute
	for _, route := range t.routes {
		if !route.methods[method] || !matchSegments(route.segments, segments) {
			continue
		}
		if best == nil || route.literals > best.literals {
			best = route
		}
	}
	if best == nil {
		return nil, false
	}
	t.cache.Add(key, best)
	return best, true
}

func splitPath(path string) []string {
	var out []string
	for _, s := range strings.Split(strings.Trim(path, "/"), "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isParam(segment string) bool {
	return strings.HasPrefix(segment, "{") && strings.HasSuffix(segment, "}")
}

// matchSegments matches a route pattern against request segments: a
// trailing * consumes the rest (including nothing), {param} consumes one
// segment, literals must match exactly.
func matchSegments(pattern, actual []string) bool {
	for i, p := range pattern {
		if p == "*" && i == len(pattern)-1 {
			return true
		}
		if i >= len(actual) {
			return false
		}
		if p == "*" || isParam(p) {
			continue
		}
		if p != actual[i] {
			return false
		}
	}
	return len(pattern) == len(actual)
}
