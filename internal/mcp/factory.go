package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/kadirpekel/agentrt/internal/graph"
	"github.com/kadirpekel/agentrt/internal/sandbox"
)

// Factory builds a per-session tool runner: it acquires the session's
// sandbox, runs the credential and tool-server-url registration sequence
// against its MCP endpoint, attaches any caller-supplied custom MCP
// servers, and returns the merged registry.
type Factory struct {
	sandboxes     *sandbox.Controller
	toolServerURL string
	callTimeout   time.Duration
}

// NewFactory builds a Factory. toolServerURL is posted to each sandbox to
// trigger in-sandbox tool registration; callTimeout bounds individual tool
// calls (zero means the default).
func NewFactory(sandboxes *sandbox.Controller, toolServerURL string, callTimeout time.Duration) *Factory {
	return &Factory{sandboxes: sandboxes, toolServerURL: toolServerURL, callTimeout: callTimeout}
}

// ForSession returns a ToolRunner bound to the (user, session) sandbox.
// userAPIKey authorizes the sandbox's outbound tool traffic.
func (f *Factory) ForSession(ctx context.Context, userID, sessionID, userAPIKey string, custom []graph.CustomMCPServer) (graph.ToolRunner, error) {
	sb, err := f.sandboxes.GetOrCreate(ctx, userID, sessionID, "")
	if err != nil {
		return nil, err
	}

	client := NewClient(sb.MCPURL)
	if err := client.Register(ctx, Credential{UserAPIKey: userAPIKey, SessionID: sessionID}, f.toolServerURL); err != nil {
		return nil, err
	}

	registry := NewRegistry(client).WithCallTimeout(f.callTimeout)
	for i, cs := range custom {
		prefix := cs.Name
		if prefix == "" {
			prefix = fmt.Sprintf("custom%d", i)
		}
		proxy, err := Connect(ctx, CustomServer{
			Prefix:    prefix,
			Transport: cs.Transport,
			Command:   cs.Command,
			Args:      cs.Args,
			Env:       flattenEnv(cs.Env),
			URL:       cs.URL,
			Headers:   cs.Headers,
		})
		if err != nil {
			return nil, err
		}
		registry.RegisterCustomServer(prefix, proxy)
	}

	if err := registry.Refresh(ctx); err != nil {
		return nil, err
	}
	return registry, nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
