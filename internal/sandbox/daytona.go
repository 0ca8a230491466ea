package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// DaytonaConfig configures the Daytona-backed Provider. Keys are passed
// through opaquely from the environment.
type DaytonaConfig struct {
	APIURL   string
	APIKey   string
	Target   string
	Snapshot string
}

// DaytonaProvider implements Provider against the Daytona REST API over
// plain HTTP. Each sandbox is created from a named snapshot; ports are
// exposed through Daytona's preview-URL endpoint.
type DaytonaProvider struct {
	cfg        DaytonaConfig
	httpClient *http.Client
}

// NewDaytonaProvider builds a provider. APIURL defaults to the hosted
// Daytona endpoint.
func NewDaytonaProvider(cfg DaytonaConfig) (*DaytonaProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("sandbox: daytona api key is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://app.daytona.io/api"
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &DaytonaProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// SnapshotName derives a stable snapshot identity from the base image,
// the pinned dependency list, and the preinstalled MCP packages. A change
// to any input yields a new name, so a rebuilt snapshot never shadows a
// stale one.
func SnapshotName(baseImage string, pinnedDeps, mcpPackages []string) string {
	h := sha256.New()
	io.WriteString(h, baseImage)
	for _, s := range sortedCopy(pinnedDeps) {
		io.WriteString(h, "\x00"+s)
	}
	for _, s := range sortedCopy(mcpPackages) {
		io.WriteString(h, "\x01"+s)
	}
	return "agentrt-" + hex.EncodeToString(h.Sum(nil))[:16]
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func (p *DaytonaProvider) Create(ctx context.Context, userID, templateID string) (string, error) {
	snapshot := templateID
	if snapshot == "" {
		snapshot = p.cfg.Snapshot
	}
	body := map[string]any{
		"snapshot": snapshot,
		"target":   p.cfg.Target,
		"labels":   map[string]string{"user_id": userID},
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := p.do(ctx, http.MethodPost, "/sandbox", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, p.waitForState(ctx, resp.ID, "started")
}

func (p *DaytonaProvider) Connect(ctx context.Context, providerSandboxID string) error {
	var resp struct {
		State string `json:"state"`
	}
	if err := p.do(ctx, http.MethodGet, "/sandbox/"+providerSandboxID, nil, &resp); err != nil {
		return err
	}
	if resp.State != "started" {
		return fmt.Errorf("sandbox: daytona sandbox %s is %s", providerSandboxID, resp.State)
	}
	return nil
}

func (p *DaytonaProvider) Pause(ctx context.Context, providerSandboxID string) error {
	return p.do(ctx, http.MethodPost, "/sandbox/"+providerSandboxID+"/stop", nil, nil)
}

func (p *DaytonaProvider) Resume(ctx context.Context, providerSandboxID string) error {
	if err := p.do(ctx, http.MethodPost, "/sandbox/"+providerSandboxID+"/start", nil, nil); err != nil {
		return err
	}
	return p.waitForState(ctx, providerSandboxID, "started")
}

func (p *DaytonaProvider) Delete(ctx context.Context, providerSandboxID string) error {
	return p.do(ctx, http.MethodDelete, "/sandbox/"+providerSandboxID, nil, nil)
}

func (p *DaytonaProvider) ExposePort(ctx context.Context, providerSandboxID string, port int) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	path := fmt.Sprintf("/sandbox/%s/ports/%d/preview-url", providerSandboxID, port)
	if err := p.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (p *DaytonaProvider) RunCmd(ctx context.Context, providerSandboxID, cmd string, background bool) (string, error) {
	body := map[string]any{"command": cmd, "async": background}
	var resp struct {
		Result string `json:"result"`
	}
	if err := p.do(ctx, http.MethodPost, "/toolbox/"+providerSandboxID+"/toolbox/process/execute", body, &resp); err != nil {
		return "", err
	}
	return resp.Result, nil
}

func (p *DaytonaProvider) ReadFile(ctx context.Context, providerSandboxID, path string) (string, error) {
	var content string
	err := p.doRaw(ctx, http.MethodGet, "/toolbox/"+providerSandboxID+"/toolbox/files/download?path="+path, nil, func(r io.Reader) error {
		b, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		content = string(b)
		return nil
	})
	return content, err
}

func (p *DaytonaProvider) WriteFile(ctx context.Context, providerSandboxID, path, content string) error {
	return p.do(ctx, http.MethodPost, "/toolbox/"+providerSandboxID+"/toolbox/files/upload?path="+path,
		map[string]string{"content": content}, nil)
}

func (p *DaytonaProvider) CreateDirectory(ctx context.Context, providerSandboxID, path string) error {
	return p.do(ctx, http.MethodPost, "/toolbox/"+providerSandboxID+"/toolbox/files/folder?path="+path, nil, nil)
}

// HealthProbe polls the sandbox MCP endpoint until it answers or ctx
// expires; the caller bounds the overall deadline.
func (p *DaytonaProvider) HealthProbe(ctx context.Context, mcpURL string) error {
	probe := func() error {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, strings.TrimRight(mcpURL, "/")+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := p.httpClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("sandbox: health status %d", resp.StatusCode)
		}
		return nil
	}

	for {
		if err := probe(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (p *DaytonaProvider) waitForState(ctx context.Context, providerSandboxID, want string) error {
	for {
		var resp struct {
			State string `json:"state"`
		}
		if err := p.do(ctx, http.MethodGet, "/sandbox/"+providerSandboxID, nil, &resp); err != nil {
			return err
		}
		switch resp.State {
		case want:
			return nil
		case "error":
			return fmt.Errorf("sandbox: daytona sandbox %s entered error state", providerSandboxID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (p *DaytonaProvider) do(ctx context.Context, method, path string, body, into any) error {
	return p.doRaw(ctx, method, path, body, func(r io.Reader) error {
		if into == nil {
			return nil
		}
		return json.NewDecoder(r).Decode(into)
	})
}

func (p *DaytonaProvider) doRaw(ctx context.Context, method, path string, body any, read func(io.Reader) error) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.APIURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sandbox: daytona %s %s: status %d: %s", method, path, resp.StatusCode, string(b))
	}
	if read != nil {
		return read(resp.Body)
	}
	return nil
}

var _ Provider = (*DaytonaProvider)(nil)
