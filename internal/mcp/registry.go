package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kadirpekel/agentrt/internal/apperr"
	"github.com/kadirpekel/agentrt/internal/graph"
	"github.com/kadirpekel/agentrt/internal/llm"
)

// Registry adapts a sandbox's Client into graph.ToolRunner, indexing
// descriptors by name for ConfirmationPolicy lookups and dispatching
// RunTool calls, plus any custom MCP server proxies registered alongside
// it.
type Registry struct {
	client      *Client
	callTimeout time.Duration

	mu      sync.RWMutex
	byName  map[string]Descriptor
	proxies map[string]*Client // name -> custom MCP server client, keyed by registered prefix
}

// NewRegistry wires a Client into a Registry. Call Refresh after Register
// to populate the tool index.
func NewRegistry(client *Client) *Registry {
	return &Registry{client: client, byName: map[string]Descriptor{}, proxies: map[string]*Client{}}
}

// WithCallTimeout overrides the per-call timeout for every dispatched tool
// call; zero keeps the default.
func (r *Registry) WithCallTimeout(d time.Duration) *Registry {
	r.callTimeout = d
	return r
}

// Refresh re-lists tools from the primary client and any registered custom
// MCP proxies, merging them into one name -> Descriptor index. Custom
// server tools are namespaced "<prefix>.<tool>" to avoid collisions.
func (r *Registry) Refresh(ctx context.Context) error {
	descriptors, err := r.client.ListTools(ctx)
	if err != nil {
		return err
	}

	index := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		index[d.Name] = d
	}

	r.mu.RLock()
	proxies := make(map[string]*Client, len(r.proxies))
	for k, v := range r.proxies {
		proxies[k] = v
	}
	r.mu.RUnlock()

	for prefix, proxy := range proxies {
		proxyTools, err := proxy.ListTools(ctx)
		if err != nil {
			return apperr.Wrap(apperr.KindProviderTransient, fmt.Sprintf("list tools for custom mcp server %q", prefix), err)
		}
		for _, d := range proxyTools {
			d.Name = prefix + "." + d.Name
			index[d.Name] = d
		}
	}

	r.mu.Lock()
	r.byName = index
	r.mu.Unlock()
	return nil
}

// RegisterCustomServer adds a named custom MCP server whose tools are
// namespaced under prefix once Refresh runs again.
func (r *Registry) RegisterCustomServer(prefix string, client *Client) {
	r.mu.Lock()
	r.proxies[prefix] = client
	r.mu.Unlock()
}

// Definitions implements graph.ToolRunner, exposing every indexed tool
// for inclusion in LLM requests.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDefinition, 0, len(r.byName))
	for _, d := range r.byName {
		out = append(out, llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchemaJSON,
		})
	}
	return out
}

// ConfirmationPolicy implements graph.ToolRunner.
func (r *Registry) ConfirmationPolicy(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	if !ok {
		return "auto"
	}
	return d.ConfirmationPolicy
}

// RunTool implements graph.ToolRunner, routing to the owning client by
// stripping a proxy prefix if the name was namespaced in Refresh.
func (r *Registry) RunTool(ctx context.Context, name, argsJSON string) (string, bool, error) {
	r.mu.RLock()
	_, known := r.byName[name]
	r.mu.RUnlock()
	if !known {
		return "", true, nil // unknown tool surfaces as a tool error, not a transport failure
	}

	for prefix, proxy := range r.snapshotProxies() {
		toolPrefix := prefix + "."
		if len(name) > len(toolPrefix) && name[:len(toolPrefix)] == toolPrefix {
			return proxy.CallTool(ctx, name[len(toolPrefix):], argsJSON, r.callTimeout)
		}
	}
	return r.client.CallTool(ctx, name, argsJSON, r.callTimeout)
}

func (r *Registry) snapshotProxies() map[string]*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Client, len(r.proxies))
	for k, v := range r.proxies {
		out[k] = v
	}
	return out
}

var _ graph.ToolRunner = (*Registry)(nil)
