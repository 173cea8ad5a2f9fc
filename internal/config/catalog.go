package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/babel/internal/backend"
	"github.com/seantiz/babel/internal/backend/memory"
	"github.com/seantiz/babel/internal/backend/rest"
	"github.com/seantiz/babel/internal/backend/socket"
)

// Engine transports supported by the catalog.
const (
	TransportREST   = "rest"
	TransportSocket = "socket"
	TransportMemory = "memory"
)

// ErrInvalidCatalog is returned for a catalog that cannot be turned into
// engine clients.
var ErrInvalidCatalog = errors.New("invalid engine catalog")

// Catalog lists the engine types this deployment can drive and how to reach
// each one.
type Catalog struct {
	Engines []EngineEntry `yaml:"engines"`
}

// EngineEntry declares one engine type. URL is used by the rest transport,
// Address by the socket transport. Zero-valued tuning fields keep the
// client's defaults.
type EngineEntry struct {
	Type      string `yaml:"type"`
	Transport string `yaml:"transport"`
	URL       string `yaml:"url,omitempty"`
	Address   string `yaml:"address,omitempty"`

	Timeout   time.Duration `yaml:"timeout,omitempty"`
	Retries   *int          `yaml:"retries,omitempty"`
	RateLimit *int          `yaml:"rate_limit,omitempty"`
	NoBreaker bool          `yaml:"no_breaker,omitempty"`
}

// LoadCatalog reads a catalog from a YAML file. An empty path yields an
// empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return &Catalog{}, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine catalog: %w", err)
	}
	return ParseCatalog(buf)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(buf []byte) (*Catalog, error) {
	c := &Catalog{}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	seen := make(map[string]bool)
	for i, e := range c.Engines {
		if e.Type == "" {
			return nil, fmt.Errorf("%w: engine %d has no type", ErrInvalidCatalog, i)
		}
		if seen[e.Type] {
			return nil, fmt.Errorf("%w: engine type %q declared twice", ErrInvalidCatalog, e.Type)
		}
		seen[e.Type] = true

		switch e.Transport {
		case TransportREST:
			if e.URL == "" {
				return nil, fmt.Errorf("%w: engine %q: rest transport needs url", ErrInvalidCatalog, e.Type)
			}
		case TransportSocket:
			if _, err := socket.ParseAddress(e.Address); err != nil {
				return nil, fmt.Errorf("%w: engine %q: %v", ErrInvalidCatalog, e.Type, err)
			}
		case TransportMemory:
		default:
			return nil, fmt.Errorf("%w: engine %q: unknown transport %q", ErrInvalidCatalog, e.Type, e.Transport)
		}
	}
	return c, nil
}

// Registry builds one engine client per catalog entry.
func (c *Catalog) Registry() (*backend.Registry, error) {
	reg := backend.NewRegistry()
	for _, e := range c.Engines {
		client, err := e.client()
		if err != nil {
			return nil, err
		}
		reg.Register(e.Type, client)
	}
	return reg, nil
}

func (e EngineEntry) client() (backend.Engine, error) {
	switch e.Transport {
	case TransportREST:
		cfg := rest.DefaultConfig(e.URL)
		if e.Timeout > 0 {
			cfg.Timeout = e.Timeout
		}
		if e.Retries != nil {
			cfg.RetryCount = *e.Retries
		}
		if e.RateLimit != nil {
			cfg.RateLimit = *e.RateLimit
		}
		if e.NoBreaker {
			cfg.BreakerEnabled = false
		}
		return rest.New(e.Type, cfg), nil
	case TransportSocket:
		addr, err := socket.ParseAddress(e.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: engine %q: %v", ErrInvalidCatalog, e.Type, err)
		}
		return socket.New(e.Type, addr), nil
	case TransportMemory:
		return memory.New(e.Type), nil
	}
	return nil, fmt.Errorf("%w: engine %q: unknown transport %q", ErrInvalidCatalog, e.Type, e.Transport)
}
