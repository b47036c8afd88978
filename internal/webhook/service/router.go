package service

import (
	"context"
	"fmt"

	"github.com/smallbiznis/tallybill/internal/webhook/domain"
)

// Router dispatches verified events by signing domain and kind.
type Router struct {
	routes map[domain.SigningDomain]map[domain.Kind]domain.Handler
}

func NewRouter(registrars ...domain.RouteRegistrar) (*Router, error) {
	r := &Router{routes: make(map[domain.SigningDomain]map[domain.Kind]domain.Handler)}
	for _, registrar := range registrars {
		if registrar == nil {
			continue
		}
		for _, route := range registrar.Routes() {
			if err := r.Register(route); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

func (r *Router) Register(route domain.Route) error {
	if !route.Domain.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownDomain, route.Domain)
	}
	if route.Handler == nil {
		return fmt.Errorf("nil handler for %s/%s", route.Domain, route.Kind)
	}
	kinds, ok := r.routes[route.Domain]
	if !ok {
		kinds = make(map[domain.Kind]domain.Handler)
		r.routes[route.Domain] = kinds
	}
	if _, exists := kinds[route.Kind]; exists {
		return fmt.Errorf("%w: %s/%s", domain.ErrDuplicateRoute, route.Domain, route.Kind)
	}
	kinds[route.Kind] = route.Handler
	return nil
}

// Dispatch runs the handler for the event. Kinds nobody handles are ignored, not errors.
func (r *Router) Dispatch(ctx context.Context, signingDomain domain.SigningDomain, event domain.Event) (domain.Outcome, error) {
	handler, ok := r.routes[signingDomain][event.Kind]
	if !ok {
		return domain.OutcomeIgnored, nil
	}
	if err := handler(ctx, event); err != nil {
		return domain.OutcomeFailed, err
	}
	return domain.OutcomeProcessed, nil
}

// Handles reports whether a handler is registered for kind.
func (r *Router) Handles(signingDomain domain.SigningDomain, kind domain.Kind) bool {
	_, ok := r.routes[signingDomain][kind]
	return ok
}
