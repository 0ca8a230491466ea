package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// streamReadTimeout bounds one whole streaming read.
const streamReadTimeout = 5 * time.Minute

// OpenAICompatible streams chat completions from any OpenAI-compatible
// endpoint over plain HTTP. No vendor SDK; the wire format is the
// chat-completions SSE protocol, which most providers speak.
type OpenAICompatible struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatible builds a provider for baseURL (e.g.
// "https://api.openai.com/v1").
func NewOpenAICompatible(baseURL, apiKey, model string) *OpenAICompatible {
	return &OpenAICompatible{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: streamReadTimeout},
	}
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // "function"
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// wireMessage is the outbound chat-completions message. Content is either
// a plain string or an array of typed parts for multimodal input.
type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
}

type wireToolCallDelta struct {
	Index    *int   `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content          string              `json:"content"`
			ReasoningContent string              `json:"reasoning_content"`
			ToolCalls        []wireToolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// StreamChat implements Provider. The returned channel closes when the
// provider signals [DONE], the context is canceled, or the connection
// drops; transport failures surface as a final ChunkError.
func (p *OpenAICompatible) StreamChat(ctx context.Context, req Request) (<-chan Chunk, error) {
	body, err := json.Marshal(wireRequest{
		Model:    p.model,
		Messages: toWireMessages(req.Messages),
		Tools:    toWireTools(req.Tools),
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("llm: status %d: %s", resp.StatusCode, string(b))
	}

	out := make(chan Chunk, 8)
	go p.readStream(ctx, resp.Body, out)
	return out, nil
}

func (p *OpenAICompatible) readStream(ctx context.Context, body io.ReadCloser, out chan<- Chunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	emit := func(c Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			emit(Chunk{Kind: ChunkDone})
			return
		}

		var wc wireChunk
		if err := json.Unmarshal([]byte(data), &wc); err != nil {
			continue
		}
		for _, choice := range wc.Choices {
			if choice.Delta.ReasoningContent != "" {
				if !emit(Chunk{Kind: ChunkReasoning, Text: choice.Delta.ReasoningContent}) {
					return
				}
			}
			if choice.Delta.Content != "" {
				if !emit(Chunk{Kind: ChunkText, Text: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				chunk := Chunk{Kind: ChunkToolCall, ToolCall: &ToolCallChunk{
					Index: tc.Index,
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Args:  tc.Function.Arguments,
				}}
				if !emit(chunk) {
					return
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		emit(Chunk{Kind: ChunkError, Err: fmt.Errorf("llm: read stream: %w", err)})
	}
}

func toWireTools(tools []ToolDefinition) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.InputSchema
		out = append(out, wt)
	}
	return out
}

func toWireMessages(msgs []Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{
			Role:       m.Role,
			Content:    wireContent(m),
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			var wc wireToolCall
			wc.ID = call.ID
			wc.Type = "function"
			wc.Function.Name = call.Name
			wc.Function.Arguments = call.Args
			wm.ToolCalls = append(wm.ToolCalls, wc)
		}
		out = append(out, wm)
	}
	return out
}

// wireContent renders a message's content: a plain string when the
// message is text-only, or the chat-completions part array otherwise.
// Images become image_url parts (remote URL or base64 data URL); audio
// becomes input_audio; anything else degrades to its text, if any.
func wireContent(m Message) any {
	if len(m.Parts) == 0 {
		if m.Content == "" {
			return nil
		}
		return m.Content
	}

	var parts []map[string]any
	for _, p := range m.Parts {
		switch p.Type {
		case "image":
			url := p.URL
			if url == "" && p.Data != "" {
				url = "data:" + p.Mime + ";base64," + p.Data
			}
			if url == "" {
				continue
			}
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": url},
			})
		case "audio":
			if p.Data == "" {
				continue
			}
			parts = append(parts, map[string]any{
				"type":        "input_audio",
				"input_audio": map[string]any{"data": p.Data, "format": audioFormat(p.Mime)},
			})
		default:
			if p.Text == "" {
				continue
			}
			parts = append(parts, map[string]any{"type": "text", "text": p.Text})
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return parts
}

func audioFormat(mime string) string {
	if i := strings.IndexByte(mime, '/'); i >= 0 {
		return mime[i+1:]
	}
	return mime
}

var _ Provider = (*OpenAICompatible)(nil)
