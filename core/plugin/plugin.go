package plugin

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type Plugin[T any, K comparable, A any] struct {
	Create func(ctx context.Context, arg A) (T, error)
	Type   K
}

type registry[T any, K comparable, A any] struct {
	kind    string
	plugins map[K]*Plugin[T, K, A]
	lock    sync.Mutex
}

func newRegistry[T any, K comparable, A any](kind string) *registry[T, K, A] {
	return &registry[T, K, A]{
		kind:    kind,
		plugins: map[K]*Plugin[T, K, A]{},
	}
}

func (r *registry[T, K, A]) register(typ K, create func(ctx context.Context, arg A) (T, error)) error {
	plugin := &Plugin[T, K, A]{
		Create: create,
		Type:   typ,
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.plugins[plugin.Type]; ok {
		return errors.Errorf("%s %v already registered", r.kind, plugin.Type)
	}

	r.plugins[plugin.Type] = plugin
	return nil
}

func (r *registry[T, K, A]) create(ctx context.Context, typ K, arg A) (T, error) {
	r.lock.Lock()
	plugin, ok := r.plugins[typ]
	r.lock.Unlock()

	if !ok {
		var zero T
		return zero, errors.Errorf("%s %v not found", r.kind, typ)
	}
	return plugin.Create(ctx, arg)
}

func (r *registry[T, K, A]) names(format func(K) string) []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	names := make([]string, 0, len(r.plugins))
	for typ := range r.plugins {
		names = append(names, format(typ))
	}
	sort.Strings(names)
	return names
}
