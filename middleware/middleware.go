// Package middleware implements the pipeline's middleware chain: named
// stages that mutate the envelope's JSON form on the way in (left, in
// registration order) and on the way out (right, in reverse order), plus
// the built-in middleware kinds.
package middleware

import (
	"errors"
	"fmt"

	"github.com/aurabox/harmony/config"
	"github.com/aurabox/harmony/envelope"
	log "github.com/sirupsen/logrus"
)

// ErrAuthFailure marks middleware errors caused by failed
// authentication, so the HTTP adapter can answer 401 instead of 500.
var ErrAuthFailure = errors.New("authentication failed")

// Middleware is one chain stage. Left receives the request on the way
// in; Right receives the response on the way out. An error from either
// short-circuits the pipeline.
type Middleware interface {
	Name() string
	Left(req *envelope.JSONRequest) (*envelope.JSONRequest, error)
	Right(resp *envelope.JSONResponse) (*envelope.JSONResponse, error)
}

// Constructor builds one middleware instance from its options.
type Constructor func(name string, options map[string]any, cfg *config.Config) (Middleware, error)

func builtinConstructors() map[string]Constructor {
	return map[string]Constructor{
		"passthrough":        newPassthrough,
		"json_extractor":     newJSONExtractor,
		"jwt_auth":           newJWTAuth,
		"basic_auth":         newBasicAuth,
		"path_filter":        newPathFilter,
		"transform":          newTransform,
		"metadata_transform": newMetadataTransform,
		"dicomweb_bridge":    newDicomWebBridge,
		"jmix_builder":       newJmixBuilder,
	}
}

// Registry resolves middleware names to instances. Resolution prefers a
// configured middleware.<name> instance block; a bare name matching a
// built-in type (or a middleware_types binding) is usable without one.
type Registry struct {
	cfg      *config.Config
	builtins map[string]Constructor
}

// NewRegistry builds the registry over the loaded configuration.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{cfg: cfg, builtins: builtinConstructors()}
}

// Resolve builds the instance for one middleware name.
func (r *Registry) Resolve(name string) (Middleware, error) {
	var typeName = name
	var options map[string]any

	if inst, ok := r.cfg.Middleware[name]; ok {
		if inst.MiddlewareType != "" {
			typeName = inst.MiddlewareType
		}
		options = inst.Options
	}

	if mod, ok := r.cfg.MiddlewareTypes[typeName]; ok && mod.Module != "" {
		return nil, fmt.Errorf("middleware type %q references module %q: dynamic middleware modules are not supported", typeName, mod.Module)
	}

	var ctor, ok = r.builtins[typeName]
	if !ok {
		return nil, fmt.Errorf("unknown middleware %q (type %q)", name, typeName)
	}
	return ctor(name, options, r.cfg)
}

// BuildChain resolves an ordered middleware-name list into a chain.
func (r *Registry) BuildChain(names []string) (*Chain, error) {
	var instances = make([]Middleware, 0, len(names))
	for _, name := range names {
		var mw, err = r.Resolve(name)
		if err != nil {
			return nil, err
		}
		instances = append(instances, mw)
	}
	return &Chain{instances: instances}, nil
}

// Chain is an ordered middleware list with symmetric traversal.
type Chain struct {
	instances []Middleware
}

// NewChain builds a chain directly from instances. Used by tests.
func NewChain(instances ...Middleware) *Chain {
	return &Chain{instances: instances}
}

// Len returns the number of instances.
func (c *Chain) Len() int { return len(c.instances) }

// Left traverses the chain forward with the request, stopping on the
// first error.
func (c *Chain) Left(req *envelope.JSONRequest) (*envelope.JSONRequest, error) {
	for _, mw := range c.instances {
		var next, err = mw.Left(req)
		if err != nil {
			return nil, fmt.Errorf("middleware %q left: %w", mw.Name(), err)
		}
		req = next
	}
	return req, nil
}

// Right traverses the chain in reverse with the response, stopping on
// the first error.
func (c *Chain) Right(resp *envelope.JSONResponse) (*envelope.JSONResponse, error) {
	for i := len(c.instances) - 1; i >= 0; i-- {
		var mw = c.instances[i]
		var next, err = mw.Right(resp)
		if err != nil {
			return nil, fmt.Errorf("middleware %q right: %w", mw.Name(), err)
		}
		resp = next
	}
	return resp, nil
}

// base carries the instance name shared by the built-ins; left and right
// default to identity.
type base struct {
	name string
}

func (b base) Name() string { return b.name }

func (b base) Left(req *envelope.JSONRequest) (*envelope.JSONRequest, error) { return req, nil }

func (b base) Right(resp *envelope.JSONResponse) (*envelope.JSONResponse, error) { return resp, nil }

func logInstance(kind, name string) {
	log.WithFields(log.Fields{"kind": kind, "instance": name}).Debug("middleware instance built")
}
