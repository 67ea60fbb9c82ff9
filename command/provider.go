// Package command recognises "!token" commands in chat messages and runs them
// through Skill Providers.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jxucoder/bbsbot/model"
)

// Context is what a provider knows about the request.
type Context struct {
	Requester string
	Kind      model.Kind
	Channel   string
	Roster    []string
	History   []model.ConversationTurn
}

// Provider runs one named command.
type Provider interface {
	Invoke(ctx context.Context, command, argument string, cc Context) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, command, argument string, cc Context) (string, error)

// Invoke calls f.
func (f ProviderFunc) Invoke(ctx context.Context, command, argument string, cc Context) (string, error) {
	return f(ctx, command, argument, cc)
}

// ProviderError is a failed provider call. Its message is safe to show in chat.
type ProviderError struct {
	Command string
	Err     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Command, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Registry maps command names to providers.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds name to p, replacing any earlier binding.
func (r *Registry) Register(name string, p Provider) {
	r.providers[strings.ToLower(strings.TrimPrefix(name, "!"))] = p
}

// Lookup returns the provider bound to name.
func (r *Registry) Lookup(name string) (Provider, bool) {
	p, ok := r.providers[strings.ToLower(name)]
	return p, ok
}

// Names returns the registered command names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
