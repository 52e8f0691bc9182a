package providers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/forgeml/forge/internal/domain/apperr"
	"github.com/forgeml/forge/internal/domain/provider"
)

// Factory constructs a typed client from a provider record's parsed config.
type Factory func(name string, typ provider.ProviderType, cfg provider.Config) (Provider, error)

// Router resolves "which provider backs this name for this team" and owns
// the process-wide client cache. Registered database records win; a static
// configuration file serves single-tenant deployments with no registered
// providers. Reload swaps the cache map wholesale, so clients held by
// in-flight requests stay valid.
type Router struct {
	repo    provider.Repository
	static  *StaticConfig
	factory Factory

	mu    sync.RWMutex
	cache map[string]Provider
}

// NewRouter builds a router over the registration repository and an already
// loaded static fallback config (nil when none is configured).
func NewRouter(repo provider.Repository, static *StaticConfig) *Router {
	return &Router{
		repo:    repo,
		static:  static,
		factory: buildClient,
		cache:   map[string]Provider{},
	}
}

// SetFactory overrides client construction, for tests.
func (r *Router) SetFactory(f Factory) { r.factory = f }

func cacheKey(teamID uint, name string) string {
	return fmt.Sprintf("%d/%s", teamID, name)
}

// Resolve returns the client backing the named provider for the team,
// instantiating and caching it on first use. An unknown name returns
// ErrNotFound carrying the known names; a known name whose client cannot be
// constructed returns ProviderConfigError.
func (r *Router) Resolve(ctx context.Context, teamID uint, name string) (Provider, error) {
	key := cacheKey(teamID, name)

	r.mu.RLock()
	client, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return client, nil
	}

	typ, cfg, err := r.lookup(teamID, name)
	if err != nil {
		return nil, err
	}

	client, err = r.factory(name, typ, cfg)
	if err != nil {
		return nil, &apperr.ProviderConfigError{Name: name, Cause: err}
	}

	r.mu.Lock()
	// another request may have raced the construction; keep the first
	if existing, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.cache[key] = client
	r.mu.Unlock()
	return client, nil
}

// ResolveType reports the declared kind of the named provider without
// constructing a client.
func (r *Router) ResolveType(teamID uint, name string) (provider.ProviderType, error) {
	typ, _, err := r.lookup(teamID, name)
	return typ, err
}

func (r *Router) lookup(teamID uint, name string) (provider.ProviderType, provider.Config, error) {
	if r.repo != nil {
		rec, err := r.repo.FindByTeamAndName(teamID, name)
		if err == nil {
			cfg, err := rec.ParseConfig()
			if err != nil {
				return "", provider.Config{}, &apperr.ProviderConfigError{Name: name, Cause: err}
			}
			return rec.Type, cfg, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return "", provider.Config{}, err
		}
	}

	if r.static != nil {
		if decl, ok := r.static.Find(name); ok {
			return decl.Type, decl.Config, nil
		}
	}

	// the local machine is always available without registration
	if name == "local" {
		return provider.TypeLocal, provider.Config{}, nil
	}

	return "", provider.Config{}, apperr.NotFoundf("provider %q (known: %v)", name, r.KnownNames(teamID))
}

// KnownNames lists every provider name resolvable for the team, registered
// and static, sorted for stable error messages.
func (r *Router) KnownNames(teamID uint) []string {
	seen := map[string]bool{"local": true}
	names := []string{"local"}

	if r.repo != nil {
		if recs, err := r.repo.FindByTeam(teamID); err == nil {
			for _, rec := range recs {
				if !seen[rec.Name] {
					seen[rec.Name] = true
					names = append(names, rec.Name)
				}
			}
		}
	}
	if r.static != nil {
		for _, decl := range r.static.Providers {
			if !seen[decl.Name] {
				seen[decl.Name] = true
				names = append(names, decl.Name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// Reload discards every cached client. The old map is abandoned rather
// than mutated, so clients already handed out keep working for in-flight
// calls.
func (r *Router) Reload() {
	r.mu.Lock()
	r.cache = map[string]Provider{}
	r.mu.Unlock()
	log.Println("provider client cache cleared")
}

// buildClient is the closed dispatch over provider kinds. A new kind added
// to the enum must be handled here.
func buildClient(name string, typ provider.ProviderType, cfg provider.Config) (Provider, error) {
	switch typ {
	case provider.TypeLocal:
		return NewLocalProvider(name, cfg)
	case provider.TypeClusterBroker:
		return NewBrokerClient(name, cfg)
	case provider.TypeBatchScheduler:
		switch cfg.Mode {
		case provider.BatchModeSSH:
			return NewBatchSSHClient(name, cfg)
		case provider.BatchModeREST, "":
			return NewBatchRESTClient(name, cfg)
		default:
			return nil, fmt.Errorf("unknown batch scheduler mode %q", cfg.Mode)
		}
	case provider.TypeGPURental:
		return NewRentalClient(name, cfg)
	default:
		return nil, fmt.Errorf("unknown provider type %q", typ)
	}
}
