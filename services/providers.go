package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lborres/accountd/core"
)

// knownProviders are recognized names that have no adapter yet.
var knownProviders = map[core.Provider]bool{
	core.ProviderGoogle:    true,
	core.ProviderMicrosoft: true,
	core.ProviderFacebook:  true,
}

// ProviderRegistry holds the configured provider adapters and the call
// budget applied to every upstream request.
type ProviderRegistry struct {
	adapters map[core.Provider]core.ProviderAdapter
	timeout  time.Duration
}

func NewProviderRegistry(timeout time.Duration, adapters ...core.ProviderAdapter) *ProviderRegistry {
	if timeout <= 0 {
		timeout = core.DefaultFlowConfig().ProviderTimeout
	}
	r := &ProviderRegistry{adapters: make(map[core.Provider]core.ProviderAdapter), timeout: timeout}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Name()] = a
		}
	}
	return r
}

// Lookup resolves a provider path segment.
func (r *ProviderRegistry) Lookup(name string) (core.ProviderAdapter, error) {
	p := core.Provider(strings.ToLower(strings.TrimSpace(name)))
	if a, ok := r.adapters[p]; ok {
		return a, nil
	}
	if knownProviders[p] {
		return nil, core.ErrProviderNotSupported.WithMessage(fmt.Sprintf("Provider %s is not implemented yet", name))
	}
	return nil, core.ErrInvalidProvider
}

func (r *ProviderRegistry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for p := range r.adapters {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}

// callProvider runs fn under the provider timeout, derived from ctx.
// Idempotent calls get one retry unless the caller's context is done or
// the provider rejected the token outright.
func callProvider[T any](ctx context.Context, r *ProviderRegistry, idempotent bool, fn func(context.Context) (T, error)) (T, error) {
	attempts := 1
	if idempotent {
		attempts = 2
	}

	var (
		out T
		err error
	)
	for i := 0; i < attempts; i++ {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		out, err = fn(callCtx)
		cancel()

		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil || errors.Is(err, core.ErrInvalidToken) {
			break
		}
	}
	return out, err
}

// providerFailure maps an adapter error to a domain error.
func providerFailure(base *core.Error, err error) error {
	var domain *core.Error
	if errors.As(err, &domain) {
		return domain
	}
	return base.WithCause(err)
}

// withoutBaseline drops identity scopes every sign-in already carries.
func withoutBaseline(scopes []string, baseline []string) []string {
	skip := make(map[string]bool, len(baseline))
	for _, s := range baseline {
		skip[s] = true
	}
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if !skip[s] {
			out = append(out, s)
		}
	}
	return out
}

// difference returns the members of want absent from have, in order.
func difference(want, have []string) []string {
	present := make(map[string]bool, len(have))
	for _, s := range have {
		present[s] = true
	}
	var out []string
	for _, s := range want {
		if !present[s] {
			out = append(out, s)
		}
	}
	return out
}
