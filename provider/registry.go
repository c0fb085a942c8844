package provider

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Settings are the non-secret knobs a gateway implementation needs at construction
type Settings struct {
	Locale              string
	Force3DS            bool
	InstallmentsEnabled bool
	MaxInstallments     int
	CallbackURL         string
	Timeout             time.Duration
	MaxAttempts         int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	Audit               AuditSink
}

// GatewayFactory builds a Gateway from a credential and its settings
type GatewayFactory func(cred Credential, settings Settings) (Gateway, error)

// GatewayRegistry maps gateway names to their factories
type GatewayRegistry struct {
	factories map[string]GatewayFactory
	mu        sync.RWMutex
}

// NewGatewayRegistry creates an empty registry
func NewGatewayRegistry() *GatewayRegistry {
	return &GatewayRegistry{
		factories: make(map[string]GatewayFactory),
	}
}

// Register adds a gateway factory under name
func (r *GatewayRegistry) Register(name string, factory GatewayFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get retrieves a gateway factory by name
func (r *GatewayRegistry) Get(name string) (GatewayFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, exists := r.factories[name]
	if !exists {
		return nil, fmt.Errorf("payment gateway '%s' is not registered", name)
	}

	return factory, nil
}

// New builds a gateway instance
func (r *GatewayRegistry) New(name string, cred Credential, settings Settings) (Gateway, error) {
	factory, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	return factory(cred, settings)
}

// Names returns the registered gateway names in sorted order
func (r *GatewayRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// DefaultRegistry is the process-wide registry gateway packages register into
var DefaultRegistry = NewGatewayRegistry()

// Register registers a gateway with the default registry
func Register(name string, factory GatewayFactory) {
	DefaultRegistry.Register(name, factory)
}

// NewGateway builds a gateway from the default registry
func NewGateway(name string, cred Credential, settings Settings) (Gateway, error) {
	return DefaultRegistry.New(name, cred, settings)
}
