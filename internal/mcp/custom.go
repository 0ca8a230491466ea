package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/agentrt/internal/apperr"
)

// CustomServer is a caller-attached MCP server descriptor: transport in
// {stdio, http}; its tools appear in the next list_tools call once merged
// into a Registry via RegisterCustomServer.
type CustomServer struct {
	Prefix    string
	Transport string // stdio | http
	Command   string
	Args      []string
	Env       []string
	URL       string
	Headers   map[string]string
}

// Connect launches or dials a CustomServer and returns a ready Client
// that composes with Registry the same way the sandbox's primary MCP
// endpoint does.
func Connect(ctx context.Context, cs CustomServer) (*Client, error) {
	switch cs.Transport {
	case "stdio":
		return connectStdio(ctx, cs)
	case "http", "":
		return connectHTTP(ctx, cs)
	default:
		return nil, apperr.New(apperr.KindConfig, fmt.Sprintf("custom mcp server %q: unknown transport %q", cs.Prefix, cs.Transport))
	}
}

func connectStdio(ctx context.Context, cs CustomServer) (*Client, error) {
	mcpClient, err := client.NewStdioMCPClient(cs.Command, cs.Env, cs.Args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, fmt.Sprintf("custom mcp server %q: start stdio", cs.Prefix), err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		mcpClient.Close()
		return nil, apperr.Wrap(apperr.KindConfig, fmt.Sprintf("custom mcp server %q: start", cs.Prefix), err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentrt", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, apperr.Wrap(apperr.KindConfig, fmt.Sprintf("custom mcp server %q: initialize", cs.Prefix), err)
	}

	return &Client{mcpURL: cs.Prefix, mcpClient: mcpClient, registered: true}, nil
}

func connectHTTP(ctx context.Context, cs CustomServer) (*Client, error) {
	mcpClient, err := client.NewStreamableHttpClient(cs.URL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, fmt.Sprintf("custom mcp server %q: build http client", cs.Prefix), err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, fmt.Sprintf("custom mcp server %q: start", cs.Prefix), err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentrt", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, apperr.Wrap(apperr.KindConfig, fmt.Sprintf("custom mcp server %q: initialize", cs.Prefix), err)
	}

	return &Client{mcpURL: cs.URL, mcpClient: mcpClient, registered: true}, nil
}
