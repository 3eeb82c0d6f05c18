package cloud

import (
	"errors"
	"fmt"
	"sync"

	"github.com/odpf/kleidi/core/keybot"
	kerrors "github.com/odpf/kleidi/internal/errors"
)

// Registry maps a cloud provider to the driver serving it
type Registry struct {
	mu       sync.RWMutex
	registry map[keybot.CloudProvider]Driver
}

func NewRegistry() *Registry {
	return &Registry{
		registry: make(map[keybot.CloudProvider]Driver),
	}
}

func (r *Registry) Register(provider keybot.CloudProvider, driver Driver) error {
	if provider == "" {
		return errors.New("provider is empty")
	}
	if driver == nil {
		return errors.New("driver is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registry == nil {
		r.registry = make(map[keybot.CloudProvider]Driver)
	}
	if r.registry[provider] != nil {
		return fmt.Errorf("provider [%s] is already registered", provider)
	}
	r.registry[provider] = driver
	return nil
}

// Get returns an unsupported error for providers without a driver
func (r *Registry) Get(provider keybot.CloudProvider) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	driver := r.registry[provider]
	if driver == nil {
		return nil, kerrors.Unsupported(EntityDriver, fmt.Sprintf("cloud provider [%s] is not supported", provider))
	}
	return driver, nil
}

func (r *Registry) Providers() []keybot.CloudProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]keybot.CloudProvider, 0, len(r.registry))
	for p := range r.registry {
		providers = append(providers, p)
	}
	return providers
}
