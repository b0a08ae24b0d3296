package gateway

import (
	"strings"

	"github.com/smallbiznis/recoup/internal/gateway/domain"
)

// Registry resolves gateways by provider name.
type Registry struct {
	gateways map[string]domain.Gateway
}

func NewRegistry(gateways ...domain.Gateway) *Registry {
	byProvider := make(map[string]domain.Gateway, len(gateways))
	for _, gw := range gateways {
		if gw == nil {
			continue
		}
		byProvider[strings.ToLower(gw.Provider())] = gw
	}
	return &Registry{gateways: byProvider}
}

func (r *Registry) Resolve(provider string) (domain.Gateway, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	gw, ok := r.gateways[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return gw, nil
}

func (r *Registry) ProviderExists(provider string) bool {
	_, err := r.Resolve(provider)
	return err == nil
}
