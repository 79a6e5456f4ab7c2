package storage

import (
	"context"

	tokensmith "github.com/tokensmith/tokensmith"
)

// InMemoryClients is a fixed, read-only ClientStore backed by a slice.
// Suitable for hosts that configure clients statically and for tests.
type InMemoryClients struct {
	clients map[string]*tokensmith.Client
}

// NewInMemoryClients builds a ClientStore from the given clients
func NewInMemoryClients(clients ...*tokensmith.Client) *InMemoryClients {
	m := make(map[string]*tokensmith.Client, len(clients))
	for _, c := range clients {
		m[c.ID] = c
	}
	return &InMemoryClients{clients: m}
}

// FindClientByID returns the client, or ErrClientNotFound
func (s *InMemoryClients) FindClientByID(_ context.Context, clientID string) (*tokensmith.Client, error) {
	c, ok := s.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return c, nil
}

// InMemoryResources is a fixed, read-only ResourceStore backed by a slice
type InMemoryResources struct {
	resources []*tokensmith.Resource
}

// NewInMemoryResources builds a ResourceStore from the given resources
func NewInMemoryResources(resources ...*tokensmith.Resource) *InMemoryResources {
	return &InMemoryResources{resources: resources}
}

// FindResourceByName returns the named resource, or ErrResourceNotFound
func (s *InMemoryResources) FindResourceByName(_ context.Context, name string) (*tokensmith.Resource, error) {
	for _, r := range s.resources {
		if r.Name == name {
			return r, nil
		}
	}
	return nil, ErrResourceNotFound
}

// FindResourcesByScopes returns every resource defining at least one of the scopes
func (s *InMemoryResources) FindResourcesByScopes(_ context.Context, scopes []string) ([]*tokensmith.Resource, error) {
	var out []*tokensmith.Resource
	for _, r := range s.resources {
		for _, scope := range scopes {
			if r.HasScope(scope) {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

// Compile-time interface checks
var (
	_ ClientStore   = (*InMemoryClients)(nil)
	_ ResourceStore = (*InMemoryResources)(nil)
)
