// Package config models the gateway's declarative TOML configuration:
// proxy identity, storage, networks, pipelines, endpoints, backends, and
// the service/middleware registries. A base document may be extended by
// additional documents found under the proxy's pipelines_path and
// transforms_path directories.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// Config is the root of the merged configuration document.
type Config struct {
	Proxy           Proxy                         `toml:"proxy"`
	Storage         Storage                       `toml:"storage"`
	Network         map[string]Network            `toml:"network"`
	Pipelines       map[string]Pipeline           `toml:"pipelines"`
	Endpoints       map[string]Endpoint           `toml:"endpoints"`
	Backends        map[string]Backend            `toml:"backends"`
	Services        map[string]ServiceModule      `toml:"services"`
	MiddlewareTypes map[string]MiddlewareModule   `toml:"middleware_types"`
	Middleware      map[string]MiddlewareInstance `toml:"middleware"`
}

// Proxy identifies this gateway instance.
type Proxy struct {
	ID             string `toml:"id"`
	LogLevel       string `toml:"log_level"`
	PipelinesPath  string `toml:"pipelines_path"`
	TransformsPath string `toml:"transforms_path"`
}

// Storage selects the storage backend. Only "filesystem" is supported;
// its "path" option defaults to ./tmp.
type Storage struct {
	Backend string         `toml:"backend"`
	Options map[string]any `toml:"options"`
}

// Path returns the filesystem storage root.
func (s Storage) Path() string {
	if p, ok := s.Options["path"].(string); ok && strings.TrimSpace(p) != "" {
		return p
	}
	return "./tmp"
}

// Network declares one listening surface.
type Network struct {
	HTTP HTTPNetwork `toml:"http"`
}

// HTTPNetwork is the HTTP listener of a network.
type HTTPNetwork struct {
	BindAddress string `toml:"bind_address"`
	BindPort    int    `toml:"bind_port"`
}

// Addr returns the listener address in host:port form.
func (h HTTPNetwork) Addr() string {
	return fmt.Sprintf("%s:%d", h.BindAddress, h.BindPort)
}

// Pipeline binds networks to an ordered endpoint, backend, and middleware
// configuration. The first endpoint and first backend are the active
// ones.
type Pipeline struct {
	Description string   `toml:"description"`
	Networks    []string `toml:"networks"`
	Endpoints   []string `toml:"endpoints"`
	Backends    []string `toml:"backends"`
	Middleware  []string `toml:"middleware"`
}

// Endpoint declares an inbound service instance.
type Endpoint struct {
	Service string         `toml:"service"`
	Options map[string]any `toml:"options"`
}

// Backend declares an outbound service instance.
type Backend struct {
	Service string         `toml:"service"`
	Options map[string]any `toml:"options"`
}

// ServiceModule binds a service name to a loadable module. An empty
// module selects the built-in implementation of the same name.
type ServiceModule struct {
	Module string `toml:"module"`
}

// MiddlewareModule binds a middleware type name to a loadable module,
// empty meaning built-in.
type MiddlewareModule struct {
	Module string `toml:"module"`
}

// MiddlewareInstance is a named, configured middleware. MiddlewareType
// defaults to the instance name itself.
type MiddlewareInstance struct {
	MiddlewareType string         `toml:"middleware_type"`
	Options        map[string]any `toml:"options"`
}

// Load reads and parses the base document at path, merges any additional
// documents from the proxy's pipelines_path and transforms_path
// (resolved relative to the base document's directory), and applies
// defaults. Validation is separate; see Validate.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	var baseDir = filepath.Dir(path)
	for _, dir := range []string{cfg.Proxy.PipelinesPath, cfg.Proxy.TransformsPath} {
		if dir == "" {
			continue
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(baseDir, dir)
		}
		if err := cfg.mergeDirectory(dir); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Parse decodes a single TOML document from a string and applies
// defaults. Used by tests and by the directory merge path.
func Parse(doc string) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(doc, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) mergeDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("reading config directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".toml" {
			continue
		}
		var path = filepath.Join(dir, entry.Name())
		var extra Config
		if _, err := toml.DecodeFile(path, &extra); err != nil {
			return fmt.Errorf("parsing additional config %s: %w", path, err)
		}
		c.merge(&extra, path)
	}
	return nil
}

// merge extends this config with another document's sections. Keys
// already present in the base are not redefined; conflicts are skipped
// with a warning.
func (c *Config) merge(extra *Config, source string) {
	mergeMap(&c.Network, extra.Network, source, "network")
	mergeMap(&c.Pipelines, extra.Pipelines, source, "pipelines")
	mergeMap(&c.Endpoints, extra.Endpoints, source, "endpoints")
	mergeMap(&c.Backends, extra.Backends, source, "backends")
	mergeMap(&c.Services, extra.Services, source, "services")
	mergeMap(&c.MiddlewareTypes, extra.MiddlewareTypes, source, "middleware_types")
	mergeMap(&c.Middleware, extra.Middleware, source, "middleware")
}

func mergeMap[V any](base *map[string]V, extra map[string]V, source, section string) {
	if len(extra) == 0 {
		return
	}
	if *base == nil {
		*base = make(map[string]V)
	}
	for k, v := range extra {
		if _, exists := (*base)[k]; exists {
			log.WithFields(log.Fields{
				"section": section,
				"key":     k,
				"source":  source,
			}).Warn("additional config redefines existing key, skipping")
			continue
		}
		(*base)[k] = v
	}
}

func (c *Config) applyDefaults() {
	if c.Proxy.LogLevel == "" {
		c.Proxy.LogLevel = "error"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "filesystem"
	}
	for name, nw := range c.Network {
		if nw.HTTP.BindAddress == "" {
			nw.HTTP.BindAddress = "0.0.0.0"
		}
		if nw.HTTP.BindPort == 0 {
			nw.HTTP.BindPort = 3000
		}
		c.Network[name] = nw
	}
}
