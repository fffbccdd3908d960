package providers

import (
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/apierr"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/models"
)

// Manager dispatches a model to the adapter for its provider kind
type Manager struct {
	adapters map[models.ProviderKind]Adapter
}

// NewManager creates a manager over the given adapters
func NewManager(adapters ...Adapter) *Manager {
	m := &Manager{adapters: make(map[models.ProviderKind]Adapter, len(adapters))}
	for _, a := range adapters {
		m.adapters[a.Kind()] = a
	}
	return m
}

// Get returns the adapter serving model
func (m *Manager) Get(model models.Model) (Adapter, error) {
	a, ok := m.adapters[model.Provider]
	if !ok {
		return nil, apierr.New(apierr.InternalFault, "provider_not_configured",
			"provider %q for model %s is not configured", model.Provider, model.Name)
	}
	return a, nil
}
