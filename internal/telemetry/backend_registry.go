package telemetry

import (
	"strings"
	"sync"
)

type RepositoryFactory func(dsn string) (Repository, error)
type WorkQueueFactory func(dsn string, capacity int) (WorkQueue, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	repoFactories  map[string]RepositoryFactory
	queueFactories map[string]WorkQueueFactory
}{
	repoFactories:  map[string]RepositoryFactory{},
	queueFactories: map[string]WorkQueueFactory{},
}

func init() {
	memoryRepository := func(string) (Repository, error) { return NewInMemoryRepository(), nil }
	memoryQueue := func(_ string, capacity int) (WorkQueue, error) { return NewInMemoryWorkQueue(capacity), nil }
	for _, scheme := range []string{"memory", "mem", "inmem"} {
		RegisterRepositoryFactory(scheme, memoryRepository)
		RegisterWorkQueueFactory(scheme, memoryQueue)
	}
	postgresRepository := func(dsn string) (Repository, error) {
		repo, err := NewPostgresRepository(dsn)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
	for _, scheme := range []string{"postgres", "postgresql"} {
		RegisterRepositoryFactory(scheme, postgresRepository)
	}
	RegisterWorkQueueFactory("file", newFileWorkQueueFromDSN)
}

// RegisterRepositoryFactory adds or replaces the backend behind scheme.
func RegisterRepositoryFactory(scheme string, factory RepositoryFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.repoFactories[scheme] = factory
}

func RegisterWorkQueueFactory(scheme string, factory WorkQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func lookupRepositoryFactory(scheme string) (RepositoryFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.repoFactories[scheme]
	return factory, ok
}

func lookupWorkQueueFactory(scheme string) (WorkQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
