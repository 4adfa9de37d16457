package services

import (
	"fmt"

	"github.com/aurabox/harmony/config"
	log "github.com/sirupsen/logrus"
)

// Constructor builds one service instance. The configuration is passed
// so services that surface configuration state (management) can hold it.
type Constructor func(cfg *config.Config) Service

// Registry is the immutable name-to-service map published once at
// startup. Lookups after initialization are lock-free.
type Registry struct {
	services map[string]Service
}

func builtinConstructors() map[string]Constructor {
	return map[string]Constructor{
		"http":       func(*config.Config) Service { return NewHTTPService() },
		"fhir":       func(*config.Config) Service { return NewFHIRService() },
		"echo":       func(*config.Config) Service { return NewEchoService() },
		"dicom":      func(*config.Config) Service { return NewDicomService() },
		"dicomweb":   func(*config.Config) Service { return NewDicomWebService() },
		"jmix":       func(*config.Config) Service { return NewJmixService() },
		"mock_dicom": func(*config.Config) Service { return NewMockDicomService() },
		"management": func(cfg *config.Config) Service { return NewManagementService(cfg) },
	}
}

// NewRegistry builds the registry from the built-in constructors plus
// the configuration's services section. A declared service whose module
// is empty binds to the built-in of the same name; module-level dynamic
// loading is recognized but not supported.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	var constructors = builtinConstructors()
	var services = make(map[string]Service, len(constructors))

	for name, ctor := range constructors {
		services[name] = ctor(cfg)
	}

	for name, mod := range cfg.Services {
		if mod.Module != "" {
			return nil, fmt.Errorf("service %q references module %q: dynamic service modules are not supported", name, mod.Module)
		}
		if _, ok := services[name]; !ok {
			return nil, fmt.Errorf("service %q has no built-in implementation", name)
		}
		log.WithField("service", name).Debug("bound declared service to built-in")
	}

	return &Registry{services: services}, nil
}

// Get returns the named service.
func (r *Registry) Get(name string) (Service, bool) {
	var svc, ok = r.services[name]
	return svc, ok
}

// Validate is a config.ServiceValidator over this registry.
func (r *Registry) Validate(service string, options map[string]any) error {
	var svc, ok = r.services[service]
	if !ok {
		return fmt.Errorf("unknown service %q", service)
	}
	return svc.Validate(options)
}
