// Package mcp exposes the tools running inside a sandbox as callable,
// schema-validated operations: the sandbox-side connection sequence
// (credential, tool-server-url registration, list/call tools), validated
// against JSON Schema draft-7. mcp-go carries the protocol traffic; the
// sideband endpoints (credential, tool-server-url, health) are plain
// HTTP.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kadirpekel/agentrt/internal/apperr"
	"github.com/kadirpekel/agentrt/internal/observability"
)

// DefaultCallTimeout bounds a tool call when the caller does not supply
// its own timeout.
const DefaultCallTimeout = 30 * time.Minute

// Descriptor describes one registered tool.
type Descriptor struct {
	Name               string
	Description        string
	InputSchemaJSON    map[string]any
	ReadOnly           bool
	ConfirmationPolicy string // auto | edit | bash | mcp
}

// Credential is posted to /credential to authorize downstream tool
// traffic.
type Credential struct {
	UserAPIKey string `json:"user_api_key"`
	SessionID  string `json:"session_id"`
}

// Client manages one sandbox's MCP endpoint connection.
type Client struct {
	mcpURL     string
	httpClient *http.Client
	mu         sync.Mutex
	mcpClient  *client.Client
	tools      []Descriptor
	registered bool
	metrics    *observability.Manager
}

// NewClient builds a Client for a sandbox's MCP URL.
func NewClient(mcpURL string) *Client {
	return &Client{
		mcpURL:     mcpURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithMetrics attaches an observability.Manager; every CallTool records its
// duration under the tool's name. Passing nil disables it.
func (c *Client) WithMetrics(m *observability.Manager) *Client {
	c.metrics = m
	return c
}

// Register runs the connect -> credential -> tool-server-url sequence
// that must precede any list/call. A sandbox that has not received both
// the credential and the tool server URL serves an empty tool list.
func (c *Client) Register(ctx context.Context, cred Credential, toolServerURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.postJSON(ctx, "/credential", cred); err != nil {
		return apperr.Wrap(apperr.KindSandboxAuth, "post credential", err)
	}

	if err := c.postJSON(ctx, "/tool-server-url", map[string]string{"tool_server_url": toolServerURL}); err != nil {
		return apperr.Wrap(apperr.KindSandboxAuth, "post tool-server-url", err)
	}

	mcpClient, err := client.NewStreamableHttpClient(c.mcpURL + "/mcp")
	if err != nil {
		return fmt.Errorf("mcp: build client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("mcp: start client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentrt", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("mcp: initialize: %w", err)
	}

	c.mcpClient = mcpClient
	c.registered = true
	return nil
}

// ListTools lists every tool the sandbox exposes, dropping any whose
// input schema is not a valid draft-7 object schema.
func (c *Client) ListTools(ctx context.Context) ([]Descriptor, error) {
	c.mu.Lock()
	mcpClient := c.mcpClient
	registered := c.registered
	c.mu.Unlock()

	if !registered {
		return nil, apperr.New(apperr.KindSandboxNotInitialized, "mcp client not registered: call Register first")
	}

	resp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProviderTransient, "mcp list tools", err)
	}

	descriptors := make([]Descriptor, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		schemaMap, err := schemaToMap(t.InputSchema)
		if err != nil {
			slog.Warn("mcp tool has unparseable input schema", "tool", t.Name, "error", err)
			continue
		}
		if err := validateDraft7ObjectSchema(schemaMap); err != nil {
			slog.Warn("mcp tool input schema failed draft-7 validation", "tool", t.Name, "error", err)
			continue
		}

		readOnly := false
		if t.Annotations.ReadOnlyHint != nil && *t.Annotations.ReadOnlyHint {
			readOnly = true
		}

		descriptors = append(descriptors, Descriptor{
			Name:               t.Name,
			Description:        t.Description,
			InputSchemaJSON:    schemaMap,
			ReadOnly:           readOnly,
			ConfirmationPolicy: confirmationPolicy(schemaMap),
		})
	}

	c.mu.Lock()
	c.tools = descriptors
	c.mu.Unlock()
	return descriptors, nil
}

// CallTool invokes a tool, returning a concatenated-content string.
func (c *Client) CallTool(ctx context.Context, name, argsJSON string, timeout time.Duration) (string, bool, error) {
	c.mu.Lock()
	mcpClient := c.mcpClient
	c.mu.Unlock()
	if mcpClient == nil {
		return "", false, apperr.New(apperr.KindSandboxNotInitialized, "mcp client not registered")
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.metrics != nil {
		start := time.Now()
		defer func() {
			c.metrics.ToolCallDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}()
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", true, nil // malformed args surface as a tool error, not a transport failure
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(callCtx, req)
	if err != nil {
		return "", false, apperr.Wrap(apperr.KindProviderTransient, "mcp call_tool", err)
	}

	var buf bytes.Buffer
	for _, item := range resp.Content {
		if tc, ok := item.(mcp.TextContent); ok {
			buf.WriteString(tc.Text)
		}
	}
	return buf.String(), resp.IsError, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.mcpURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

// confirmationPolicy derives a tool's confirmation policy (one of auto,
// edit, bash, mcp). Sandboxes that declare the policy do so
// as a vendor extension field on the tool's input schema; a schema
// without the field yields auto. The tool's read-only hint is not
// consulted.
func confirmationPolicy(schema map[string]any) string {
	if v, ok := schema["x-confirmation-policy"].(string); ok && v != "" {
		return v
	}
	return "auto"
}

func schemaToMap(schema mcp.ToolInputSchema) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// validateDraft7ObjectSchema checks that schema is a well-formed JSON
// Schema draft-7 document describing an object, using
// santhosh-tekuri/jsonschema/v6 to compile the descriptor's own schema
// (not to validate an instance against it — there is no instance yet;
// this catches malformed descriptors before they are registered).
func validateDraft7ObjectSchema(schema map[string]any) error {
	if t, _ := schema["type"].(string); t != "" && t != "object" {
		return fmt.Errorf("input_schema type must be object, got %q", t)
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft7)
	if err := compiler.AddResource("descriptor.json", doc); err != nil {
		return err
	}
	_, err = compiler.Compile("descriptor.json")
	return err
}
