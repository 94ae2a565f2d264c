// Package bootstrap loads a static catalogue of services that the gateway
// registers before it starts accepting traffic.
//
// The catalogue is a YAML sequence of registrations using the same field
// names as POST /gateway/register (name, url, health, routes, metadata).
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"go.yaml.in/yaml/v2"

	"github.com/angeloszaimis/service-gateway/internal/registry"
)

// Registrar stores one service.
type Registrar interface {
	Register(ctx context.Context, reg registry.Registration) (registry.Service, error)
}

func Load(path string) ([]registry.Registration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read services file: %w", err)
	}

	var regs []registry.Registration
	if err := yaml.UnmarshalStrict(raw, &regs); err != nil {
		return nil, fmt.Errorf("parse services file %s: %w", path, err)
	}

	for i := range regs {
		regs[i].Metadata = normalizeMetadata(regs[i].Metadata)
	}
	return regs, nil
}

// Apply registers every entry. Invalid entries are skipped and reported in
// the returned error; the rest are still registered.
func Apply(ctx context.Context, r Registrar, regs []registry.Registration, logger *slog.Logger) (int, error) {
	var errs []error
	registered := 0

	for _, reg := range regs {
		svc, err := r.Register(ctx, reg)
		if err != nil {
			errs = append(errs, fmt.Errorf("service %q: %w", reg.Name, err))
			continue
		}
		registered++
		logger.Info("Bootstrapped service",
			slog.String("service", svc.Name),
			slog.Bool("healthy", svc.Healthy))
	}

	logger.Info("Loaded services from catalogue",
		slog.Int("count", registered),
		slog.Int("failed", len(errs)))

	return registered, errors.Join(errs...)
}

// normalizeMetadata converts the map[interface{}]interface{} values yaml.v2
// produces for nested mappings so metadata stays JSON encodable.
func normalizeMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
