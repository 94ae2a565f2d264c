package registry

import (
	"maps"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/angeloszaimis/service-gateway/internal/circuitbreaker"
)

const (
	MetadataPreservePath = "preservePath"
	MetadataRemovePrefix = "removePrefix"

	defaultHealthPath = "/health"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Registration is the payload a backend sends to announce itself.
type Registration struct {
	Name     string         `json:"name" yaml:"name"`
	URL      string         `json:"url" yaml:"url"`
	Health   string         `json:"health,omitempty" yaml:"health"`
	Routes   []string       `json:"routes,omitempty" yaml:"routes"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata"`
}

func (r *Registration) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Name,
			validation.Required,
			validation.Length(1, 128),
			validation.Match(namePattern).Error("must start with a letter or digit and contain only letters, digits, '.', '-' or '_'"),
		),
		validation.Field(&r.URL,
			validation.Required,
			validation.By(validateServiceURL),
		),
		validation.Field(&r.Health,
			validation.By(validateHealth),
		),
		validation.Field(&r.Routes,
			validation.Each(validation.By(validateRoute)),
		),
	)
}

// Service is one registered backend. Values handed out by the Registry are
// snapshots; mutating them has no effect on the registry.
type Service struct {
	ID                  string               `json:"id"`
	Name                string               `json:"name"`
	URL                 string               `json:"url"`
	HealthURL           string               `json:"healthUrl"`
	Routes              []string             `json:"routes"`
	Metadata            map[string]any       `json:"metadata,omitempty"`
	Healthy             bool                 `json:"healthy"`
	LastHealthCheck     time.Time            `json:"lastHealthCheck"`
	LastHealthReason    string               `json:"lastHealthReason,omitempty"`
	ConsecutiveFailures int                  `json:"consecutiveFailures"`
	CircuitState        circuitbreaker.State `json:"circuitState"`
	RegisteredAt        time.Time            `json:"registeredAt"`
}

// PreservePath reports whether the service wants request paths forwarded untouched.
func (s Service) PreservePath() bool {
	return metadataFlag(s.Metadata, MetadataPreservePath, false)
}

// RemovePrefix reports whether the derived service prefix is stripped for
// services without explicit routes. Absent means yes.
func (s Service) RemovePrefix() bool {
	return metadataFlag(s.Metadata, MetadataRemovePrefix, true)
}

// Matches reports whether the normalized path (no leading slash) is claimed
// by this service.
func (s Service) Matches(path string) bool {
	if len(s.Routes) > 0 {
		for _, route := range s.Routes {
			if matchPrefix(path, route) {
				return true
			}
		}
		return false
	}
	return matchPrefix(path, ServicePath(s.Name))
}

// RouteSummary is the part of a service clients need to reach it.
type RouteSummary struct {
	Name   string   `json:"name"`
	Routes []string `json:"routes"`
}

// Summary lists the explicit routes, or the derived prefix when there are none.
func (s Service) Summary() RouteSummary {
	routes := slices.Clone(s.Routes)
	if len(routes) == 0 {
		routes = []string{ServicePath(s.Name)}
	}
	return RouteSummary{Name: s.Name, Routes: routes}
}

func (s Service) clone() Service {
	s.Routes = slices.Clone(s.Routes)
	s.Metadata = maps.Clone(s.Metadata)
	return s
}

// ServicePath derives the path segment a service answers on when it claims
// no explicit routes: "order-service" and "order_service" both yield "order".
func ServicePath(name string) string {
	for _, suffix := range []string{"-service", "_service"} {
		if trimmed, ok := strings.CutSuffix(name, suffix); ok && trimmed != "" {
			return trimmed
		}
	}
	return name
}

// NormalizePath strips the leading slashes route matching ignores.
func NormalizePath(path string) string {
	return strings.TrimLeft(path, "/")
}

func normalizeRoute(route string) string {
	return strings.Trim(strings.TrimSpace(route), "/")
}

func matchPrefix(path, route string) bool {
	if route == "" {
		return false
	}
	return path == route || strings.HasPrefix(path, route+"/")
}

func resolveHealthURL(baseURL, health string) string {
	switch {
	case health == "":
		return baseURL + defaultHealthPath
	case strings.HasPrefix(health, "/"):
		return baseURL + health
	default:
		return health
	}
}

func metadataFlag(metadata map[string]any, key string, fallback bool) bool {
	switch v := metadata[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "true":
			return true
		case "false":
			return false
		}
	}
	return fallback
}

func validateServiceURL(value interface{}) error {
	serviceURL, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if serviceURL == "" {
		return nil
	}

	parsedURL, err := url.Parse(serviceURL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}

func validateHealth(value interface{}) error {
	health, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if health == "" || strings.HasPrefix(health, "/") {
		return nil
	}

	return validateServiceURL(health)
}

func validateRoute(value interface{}) error {
	route, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if normalizeRoute(route) == "" {
		return validation.NewError("validation_empty_route", "route cannot be empty or '/'")
	}

	return nil
}
