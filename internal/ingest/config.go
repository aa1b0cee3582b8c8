package ingest

import (
	"fmt"
	"sort"

	"github.com/mattjoyce/payhook/internal/config"
	"github.com/mattjoyce/payhook/internal/payment"
)

// FromConfig converts config.IngestConfig to ingest.Config.
// Parses max body sizes; endpoints are ordered by provider name.
func FromConfig(ic config.IngestConfig) (Config, error) {
	maxBodySize, err := config.ParseSize(ic.MaxBodySize)
	if err != nil {
		return Config{}, fmt.Errorf("invalid max_body_size %q: %w", ic.MaxBodySize, err)
	}

	cfg := Config{
		Listen:      ic.Listen,
		Deadline:    ic.Deadline,
		MaxBodySize: maxBodySize,
		Endpoints:   make([]EndpointConfig, 0, len(ic.Providers)),
	}

	names := make([]string, 0, len(ic.Providers))
	for name := range ic.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := ic.Providers[name]
		provider, err := payment.ParseProvider(name)
		if err != nil {
			return Config{}, err
		}
		ep := EndpointConfig{Path: p.Path, Provider: provider}
		if ep.Path == "" {
			ep.Path = config.DefaultProviderPath(name)
		}
		if p.MaxBodySize != "" {
			if ep.MaxBodySize, err = config.ParseSize(p.MaxBodySize); err != nil {
				return Config{}, fmt.Errorf("provider %q: invalid max_body_size %q: %w", name, p.MaxBodySize, err)
			}
		}
		cfg.Endpoints = append(cfg.Endpoints, ep)
	}
	return cfg, nil
}
