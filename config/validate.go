package config

import (
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Error is a configuration validation failure tied to one section.
type Error struct {
	Section string
	Name    string
	Reason  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s '%s': %s", e.Section, e.Name, e.Reason)
}

func errorf(section, name, format string, args ...any) *Error {
	return &Error{Section: section, Name: name, Reason: fmt.Sprintf(format, args...)}
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// ServiceValidator checks a service's options. The orchestrator supplies
// a resolver over the service registry so that config stays decoupled
// from service construction.
type ServiceValidator func(service string, options map[string]any) error

// Validate checks the merged configuration. Endpoint and backend service
// options are checked through the supplied validator; pass nil to skip
// service-level validation (used by tests that only exercise structure).
func (c *Config) Validate(validate ServiceValidator) error {
	if strings.TrimSpace(c.Proxy.ID) == "" {
		return errorf("proxy", c.Proxy.ID, "no proxy id provided")
	}
	if !validLogLevels[c.Proxy.LogLevel] {
		return errorf("proxy", c.Proxy.ID,
			"invalid log_level '%s', valid options are trace, debug, info, warn, error", c.Proxy.LogLevel)
	}

	for name, nw := range c.Network {
		if strings.TrimSpace(nw.HTTP.BindAddress) == "" {
			return errorf("network", name, "http bind_address is empty")
		}
		if nw.HTTP.BindPort <= 0 || nw.HTTP.BindPort > 65535 {
			return errorf("network", name, "http bind_port %d out of range", nw.HTTP.BindPort)
		}
	}

	if err := c.validatePipelines(); err != nil {
		return err
	}

	if validate != nil {
		for name, ep := range c.Endpoints {
			if err := validate(ep.Service, ep.Options); err != nil {
				return errorf("endpoint", name, "service validation failed: %s", err)
			}
		}
		for name, be := range c.Backends {
			if err := validate(be.Service, be.Options); err != nil {
				return errorf("backend", name, "service validation failed: %s", err)
			}
		}
	}

	if c.Storage.Backend != "filesystem" {
		return errorf("storage", c.Storage.Backend, "unsupported storage backend")
	}
	if p, ok := c.Storage.Options["path"]; ok {
		if s, isStr := p.(string); !isStr {
			return errorf("storage", c.Storage.Backend, "storage path must be a string")
		} else if strings.TrimSpace(s) == "" {
			return errorf("storage", c.Storage.Backend, "storage path cannot be empty")
		}
	}

	return nil
}

func (c *Config) validatePipelines() error {
	for name, p := range c.Pipelines {
		if len(p.Networks) == 0 {
			log.WithField("pipeline", name).Warn("pipeline has no associated networks, skipping validation")
			continue
		}
		var matched = false
		for _, nw := range p.Networks {
			if _, ok := c.Network[nw]; ok {
				matched = true
				break
			}
		}
		if !matched {
			log.WithField("pipeline", name).Warn("pipeline does not match any network, skipping validation")
			continue
		}
		if len(p.Endpoints) == 0 {
			log.WithField("pipeline", name).Warn("pipeline has no endpoints defined, skipping validation")
			continue
		}
		for _, ep := range p.Endpoints {
			if _, ok := c.Endpoints[ep]; !ok {
				return errorf("pipeline", name, "unknown endpoint '%s'", ep)
			}
		}
		if len(p.Middleware) == 0 {
			log.WithField("pipeline", name).Warn("pipeline has an empty middleware list")
		}
	}
	return nil
}

// PipelinesForNetwork returns the names of pipelines bound to the given
// network, in stable (sorted) order.
func (c *Config) PipelinesForNetwork(network string) []string {
	var names []string
	for name, p := range c.Pipelines {
		for _, nw := range p.Networks {
			if nw == network {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}
