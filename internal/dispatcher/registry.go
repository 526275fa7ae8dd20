package dispatcher

import (
	"fmt"
	"io"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/internal/signing"
)

// Spec describes one configured provider.
type Spec struct {
	Name          string
	Kind          string
	URL           string
	Secret        string
	Timeout       time.Duration
	FailThreshold int
	OpenFor       time.Duration
	CallbackDelay time.Duration
}

// Registry is the closed set of providers known to this deployment.
type Registry struct {
	providers map[string]Provider
	def       string
}

func NewRegistry(def string, providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers)), def: def}
	for _, p := range providers {
		if _, dup := r.providers[p.Name()]; dup {
			return nil, fmt.Errorf("provider %q registered twice", p.Name())
		}
		r.providers[p.Name()] = p
	}
	if def != "" {
		if _, ok := r.providers[def]; !ok {
			return nil, fmt.Errorf("default provider %q: %w", def, ErrUnknownProvider)
		}
	}
	return r, nil
}

// Build constructs the providers described by specs.
func Build(def string, specs []Spec, signer *signing.Signer, log *zap.Logger) (*Registry, error) {
	providers := make([]Provider, 0, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("provider without a name")
		}
		if s.Secret == "" {
			return nil, fmt.Errorf("provider %q: empty secret", s.Name)
		}

		kind, err := ParseKind(s.Kind)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", s.Name, err)
		}

		switch kind {
		case KindHTTP:
			if s.URL == "" {
				return nil, fmt.Errorf("provider %q: url required", s.Name)
			}
			providers = append(providers, NewHTTPProvider(s, signer))
		case KindMock:
			providers = append(providers, NewMockProvider(s, signer, log))
		}
	}
	return NewRegistry(def, providers...)
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Resolve returns the default provider for an empty name.
func (r *Registry) Resolve(name string) (Provider, error) {
	if name == "" {
		name = r.def
	}
	return r.Get(name)
}

func (r *Registry) Default() string { return r.def }

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close releases providers that hold background work.
func (r *Registry) Close() error {
	for _, p := range r.providers {
		if c, ok := p.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return nil
}
