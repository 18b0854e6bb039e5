package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrUnknownType is returned when no factory is registered for a plugin type.
var ErrUnknownType = errors.New("unknown plugin type")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Spec is a plugin entry of the runbook. Type selects the factory, Name optionally
// overrides the display name and every other field belongs to the plugin definition.
type Spec struct {
	Type string `yaml:"type" json:"type"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	node yaml.Node
}

// UnmarshalYAML keeps the raw node so the factory can decode its own definition.
func (s *Spec) UnmarshalYAML(value *yaml.Node) error {
	var head struct {
		Type string `yaml:"type"`
		Name string `yaml:"name"`
	}
	if err := value.Decode(&head); err != nil {
		return err
	}
	if head.Type == "" {
		return fmt.Errorf("line %d: plugin entry without type", value.Line)
	}
	s.Type = head.Type
	s.Name = head.Name
	s.node = *value
	return nil
}

// Decode decodes the plugin definition into def and validates its struct tags.
func (s Spec) Decode(def any) error {
	if s.node.Kind == 0 {
		return validateDefinition(s.Type, def)
	}
	if err := s.node.Decode(def); err != nil {
		return fmt.Errorf("failed to decode %s definition: %w", s.Type, err)
	}
	return validateDefinition(s.Type, def)
}

// DisplayName returns Name when set and fallback otherwise.
func (s Spec) DisplayName(fallback string) string {
	if s.Name != "" {
		return s.Name
	}
	return fallback
}

func validateDefinition(typ string, def any) error {
	if err := validate.Struct(def); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return nil
		}
		return fmt.Errorf("invalid %s definition: %w", typ, err)
	}
	return nil
}

// Env carries process wide values available to factories.
type Env struct {
	Logger zerolog.Logger
}

// Factory builds a plugin instance from its runbook entry.
type Factory[T any] func(spec Spec, env Env) (T, error)

// Registry maps plugin type names to factories.
type Registry[T any] struct {
	// mu protects factories.
	mu sync.RWMutex

	kind      string
	factories map[string]Factory[T]
}

// NewRegistry creates an empty registry for plugins of the given kind.
func NewRegistry[T any](kind string) *Registry[T] {
	return &Registry[T]{
		kind:      kind,
		factories: make(map[string]Factory[T]),
	}
}

// Register adds a factory. Registering the same type twice is an error.
func (r *Registry[T]) Register(typ string, factory Factory[T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typ]; exists {
		return fmt.Errorf("%s type %q already registered", r.kind, typ)
	}
	r.factories[typ] = factory
	return nil
}

// MustRegister is Register for package initialization.
func (r *Registry[T]) MustRegister(typ string, factory Factory[T]) {
	if err := r.Register(typ, factory); err != nil {
		panic(err)
	}
}

// Types lists the registered type names.
func (r *Registry[T]) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Build instantiates the plugin described by spec.
func (r *Registry[T]) Build(spec Spec, env Env) (T, error) {
	r.mu.RLock()
	factory, ok := r.factories[spec.Type]
	r.mu.RUnlock()

	if !ok {
		var zero T
		return zero, fmt.Errorf("%s %q: %w (known: %v)", r.kind, spec.Type, ErrUnknownType, r.Types())
	}

	p, err := factory(spec, env.withComponent(r.kind, spec.Type))
	if err != nil {
		var zero T
		return zero, fmt.Errorf("failed to build %s %q: %w", r.kind, spec.Type, err)
	}
	return p, nil
}

// BuildAll instantiates every spec in order.
func (r *Registry[T]) BuildAll(specs []Spec, env Env) ([]T, error) {
	built := make([]T, 0, len(specs))
	for _, spec := range specs {
		p, err := r.Build(spec, env)
		if err != nil {
			return nil, err
		}
		built = append(built, p)
	}
	return built, nil
}

func (e Env) withComponent(kind, typ string) Env {
	e.Logger = e.Logger.With().Str("plugin_kind", kind).Str("plugin_type", typ).Logger()
	return e
}

// Catalog groups the registries of every plugin kind.
type Catalog struct {
	Collectors     *Registry[Collector]
	InfoProviders  *Registry[InfoProvider]
	Analyzers      *Registry[Analyzer]
	VMManagers     *Registry[VMManager]
	VMInteractions *Registry[VMInteraction]
}

// NewCatalog creates a catalog with empty registries.
func NewCatalog() *Catalog {
	return &Catalog{
		Collectors:     NewRegistry[Collector]("collector"),
		InfoProviders:  NewRegistry[InfoProvider]("info provider"),
		Analyzers:      NewRegistry[Analyzer]("analyzer"),
		VMManagers:     NewRegistry[VMManager]("vm manager"),
		VMInteractions: NewRegistry[VMInteraction]("vm interaction"),
	}
}
