package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentrt/internal/agui"
	"github.com/kadirpekel/agentrt/internal/checkpoint"
	"github.com/kadirpekel/agentrt/internal/llm"
	"github.com/kadirpekel/agentrt/internal/memory"
	"github.com/kadirpekel/agentrt/internal/model"
)

// memCheckpointer keeps checkpoints in memory, one latest state per
// thread.
type memCheckpointer struct {
	mu         sync.Mutex
	states     map[string]*model.GraphState
	pending    map[string]string
	saves      int
	interrupts int
	nextID     int
}

func newMemCheckpointer() *memCheckpointer {
	return &memCheckpointer{states: map[string]*model.GraphState{}, pending: map[string]string{}}
}

func (m *memCheckpointer) LatestState(_ context.Context, threadID string) (*model.GraphState, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[threadID]
	if !ok {
		return nil, "", checkpoint.ErrNotFound
	}
	return cloneState(state), m.pending[threadID], nil
}

func (m *memCheckpointer) LatestCheckpointID(_ context.Context, threadID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[threadID]; !ok {
		return ""
	}
	return fmt.Sprintf("cp-%d", m.nextID)
}

func (m *memCheckpointer) SaveStep(_ context.Context, threadID, _ string, state *model.GraphState, _ []checkpoint.Write, _ map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[threadID] = cloneState(state)
	m.pending[threadID] = ""
	m.saves++
	m.nextID++
	return fmt.Sprintf("cp-%d", m.nextID), nil
}

func (m *memCheckpointer) SaveInterrupt(_ context.Context, threadID, _ string, state *model.GraphState, interruptValue any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[threadID] = cloneState(state)
	m.pending[threadID] = NodeHumanFeedback
	if req, ok := interruptValue.(*InterruptRequest); ok && req.Kind == PendingToolAuthorization {
		m.pending[threadID] = PendingToolAuthorization
	}
	m.interrupts++
	m.nextID++
	return fmt.Sprintf("cp-%d", m.nextID), nil
}

func cloneState(s *model.GraphState) *model.GraphState {
	data, _ := json.Marshal(s)
	var out model.GraphState
	_ = json.Unmarshal(data, &out)
	return &out
}

// scriptedProvider returns one canned chunk sequence per StreamChat call.
type scriptedProvider struct {
	mu        sync.Mutex
	responses [][]llm.Chunk
}

func (p *scriptedProvider) StreamChat(_ context.Context, _ llm.Request) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	if len(p.responses) == 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("scriptedProvider: out of responses")
	}
	chunks := p.responses[0]
	p.responses = p.responses[1:]
	p.mu.Unlock()

	out := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		out <- c
	}
	close(out)
	return out, nil
}

type stubTools struct {
	policies map[string]string
	result   string
	calls    []string
}

func (s *stubTools) Definitions() []llm.ToolDefinition { return nil }

func (s *stubTools) ConfirmationPolicy(name string) string {
	if p, ok := s.policies[name]; ok {
		return p
	}
	return "auto"
}

func (s *stubTools) RunTool(_ context.Context, name, _ string) (string, bool, error) {
	s.calls = append(s.calls, name)
	return s.result, false, nil
}

func drain(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func userMessage(text string) model.Message {
	return model.Message{
		ID:            "m1",
		Role:          model.RoleUser,
		ContentBlocks: []model.ContentBlock{{Type: model.BlockText, Text: text}},
	}
}

func toolChunk(index int, id, name, args string) llm.Chunk {
	return llm.Chunk{Kind: llm.ChunkToolCall, ToolCall: &llm.ToolCallChunk{Index: &index, ID: id, Name: name, Args: args}}
}

func TestStreamPlainChat(t *testing.T) {
	cp := newMemCheckpointer()
	provider := &scriptedProvider{responses: [][]llm.Chunk{
		{{Kind: llm.ChunkText, Text: "Hi"}, {Kind: llm.ChunkDone}},
	}}
	exec := NewExecutor(cp, provider, nil)

	events, err := exec.Stream(context.Background(), Input{Messages: []model.Message{userMessage("Say hi")}}, Config{
		ThreadID:         "t1",
		AutoAcceptedPlan: true,
	})
	require.NoError(t, err)

	got := drain(t, events)
	require.NotEmpty(t, got)

	assert.Equal(t, agui.KindMessageChunk, got[0].Kind)
	assert.Equal(t, "Hi", got[0].Event.Delta)

	last := got[len(got)-1]
	assert.Equal(t, agui.FinishStop, last.Event.FinishReason)
	assert.Equal(t, 1, cp.saves, "plain chat writes exactly one checkpoint")

	state, _, err := cp.LatestState(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, model.RoleAssistant, state.Messages[1].Role)
	assert.Equal(t, "Hi", state.Messages[1].Text())
}

func TestStreamToolCallReassemblyAndResult(t *testing.T) {
	cp := newMemCheckpointer()
	provider := &scriptedProvider{responses: [][]llm.Chunk{
		{
			toolChunk(0, "t1", "echo", `{"x":`),
			toolChunk(0, "", "", `1}`),
			{Kind: llm.ChunkDone},
		},
		{{Kind: llm.ChunkText, Text: "done"}, {Kind: llm.ChunkDone}},
	}}
	tools := &stubTools{result: "echoed"}
	exec := NewExecutor(cp, provider, tools)

	events, err := exec.Stream(context.Background(), Input{Messages: []model.Message{userMessage("run echo")}}, Config{
		ThreadID:         "t2",
		AutoAcceptedPlan: true,
	})
	require.NoError(t, err)
	got := drain(t, events)

	positions := map[agui.Kind]int{}
	for i, ev := range got {
		if _, seen := positions[ev.Kind]; !seen {
			positions[ev.Kind] = i
		}
	}

	require.Contains(t, positions, agui.KindToolCallChunks)
	require.Contains(t, positions, agui.KindToolCalls)
	require.Contains(t, positions, agui.KindToolCallResult)
	assert.Less(t, positions[agui.KindToolCallChunks], positions[agui.KindToolCalls])
	assert.Less(t, positions[agui.KindToolCalls], positions[agui.KindToolCallResult])

	for _, ev := range got {
		if ev.Kind == agui.KindToolCalls {
			require.Len(t, ev.Event.ToolCalls, 1)
			assert.Equal(t, "echo", ev.Event.ToolCalls[0].Name)
			assert.Equal(t, `{"x":1}`, ev.Event.ToolCalls[0].ArgsJSON)
		}
		if ev.Kind == agui.KindToolCallResult {
			assert.Equal(t, "t1", ev.Event.ToolCallID)
			assert.Equal(t, "echoed", ev.Event.Content)
		}
	}

	assert.Equal(t, []string{"echo"}, tools.calls)
	assert.Equal(t, agui.FinishStop, got[len(got)-1].Event.FinishReason)
}

func TestStreamInterruptAndResumeWithEdit(t *testing.T) {
	cp := newMemCheckpointer()
	provider := &scriptedProvider{responses: [][]llm.Chunk{
		{{Kind: llm.ChunkText, Text: "Plan: use Go"}, {Kind: llm.ChunkDone}},
		{{Kind: llm.ChunkText, Text: "Revised per edit"}, {Kind: llm.ChunkDone}},
	}}
	exec := NewExecutor(cp, provider, nil)

	events, err := exec.Stream(context.Background(), Input{Messages: []model.Message{userMessage("plan something")}}, Config{
		ThreadID:         "t3",
		AutoAcceptedPlan: false,
	})
	require.NoError(t, err)
	got := drain(t, events)

	last := got[len(got)-1]
	assert.Equal(t, agui.KindInterrupt, last.Kind)
	assert.Equal(t, agui.FinishInterrupt, last.Event.FinishReason)
	assert.Contains(t, last.Event.Options, "edit")
	assert.Equal(t, 1, cp.interrupts)

	_, pending, err := cp.LatestState(context.Background(), "t3")
	require.NoError(t, err)
	assert.Equal(t, NodeHumanFeedback, pending)

	resumed, err := exec.Stream(context.Background(), Input{
		Messages: []model.Message{userMessage("use Rust instead")},
		Resume:   &ResumeDecision{Type: "edit", Feedback: "use Rust instead"},
	}, Config{
		ThreadID:          "t3",
		AutoAcceptedPlan:  true,
		InterruptFeedback: "use Rust instead",
	})
	require.NoError(t, err)
	got = drain(t, resumed)

	require.NotEmpty(t, got)
	assert.Equal(t, agui.KindMessageChunk, got[0].Kind)
	assert.Equal(t, "Revised per edit", got[0].Event.Delta)
	for _, ev := range got {
		assert.NotEqual(t, agui.KindInterrupt, ev.Kind, "resumed stream must not re-ask")
	}
}

func TestStreamResumeApproveEndsThread(t *testing.T) {
	cp := newMemCheckpointer()
	provider := &scriptedProvider{responses: [][]llm.Chunk{
		{{Kind: llm.ChunkText, Text: "Plan"}, {Kind: llm.ChunkDone}},
	}}
	exec := NewExecutor(cp, provider, nil)

	events, err := exec.Stream(context.Background(), Input{Messages: []model.Message{userMessage("go")}}, Config{
		ThreadID: "t4",
	})
	require.NoError(t, err)
	drain(t, events)

	resumed, err := exec.Stream(context.Background(), Input{Resume: &ResumeDecision{Type: "approve"}}, Config{
		ThreadID: "t4",
	})
	require.NoError(t, err)
	got := drain(t, resumed)

	require.Len(t, got, 1)
	assert.Equal(t, agui.FinishStop, got[0].Event.FinishReason)
}

func TestStreamResumeWithoutPendingInterruptFails(t *testing.T) {
	cp := newMemCheckpointer()
	exec := NewExecutor(cp, &scriptedProvider{}, nil)

	_, err := exec.Stream(context.Background(), Input{Resume: &ResumeDecision{Type: "approve"}}, Config{
		ThreadID: "fresh",
	})
	require.Error(t, err)
}

func TestStreamInterruptBeforeTools(t *testing.T) {
	cp := newMemCheckpointer()
	provider := &scriptedProvider{responses: [][]llm.Chunk{
		{toolChunk(0, "d1", "danger", `{}`), {Kind: llm.ChunkDone}},
	}}
	tools := &stubTools{result: "never"}
	exec := NewExecutor(cp, provider, tools)

	events, err := exec.Stream(context.Background(), Input{Messages: []model.Message{userMessage("do it")}}, Config{
		ThreadID:             "t5",
		AutoAcceptedPlan:     true,
		InterruptBeforeTools: []string{"danger"},
	})
	require.NoError(t, err)
	got := drain(t, events)

	last := got[len(got)-1]
	require.Equal(t, agui.KindInterrupt, last.Kind)
	req, ok := last.Event.Value.(*InterruptRequest)
	require.True(t, ok)
	assert.Equal(t, "tool_authorization", req.Kind)
	require.NotNil(t, req.ActionRequest)
	assert.Equal(t, "danger", req.ActionRequest.ToolName)
	assert.Empty(t, tools.calls, "tool must not run before authorization")
}

func TestStreamToolAuthorizationApproveRunsPendingTool(t *testing.T) {
	cp := newMemCheckpointer()
	provider := &scriptedProvider{responses: [][]llm.Chunk{
		{toolChunk(0, "d1", "danger", `{"cmd":"rm"}`), {Kind: llm.ChunkDone}},
		{{Kind: llm.ChunkText, Text: "ran it"}, {Kind: llm.ChunkDone}},
	}}
	tools := &stubTools{result: "cleaned"}
	exec := NewExecutor(cp, provider, tools)

	events, err := exec.Stream(context.Background(), Input{Messages: []model.Message{userMessage("do it")}}, Config{
		ThreadID:             "ta1",
		AutoAcceptedPlan:     true,
		InterruptBeforeTools: []string{"danger"},
	})
	require.NoError(t, err)
	drain(t, events)
	require.Empty(t, tools.calls)

	resumed, err := exec.Stream(context.Background(), Input{Resume: &ResumeDecision{Type: "approve"}}, Config{
		ThreadID:         "ta1",
		AutoAcceptedPlan: true,
	})
	require.NoError(t, err)
	got := drain(t, resumed)

	assert.Equal(t, []string{"danger"}, tools.calls, "approved tool runs exactly once")

	var sawResult bool
	for _, ev := range got {
		if ev.Kind == agui.KindToolCallResult {
			sawResult = true
			assert.Equal(t, "d1", ev.Event.ToolCallID)
			assert.Equal(t, "cleaned", ev.Event.Content)
		}
	}
	assert.True(t, sawResult)
	assert.Equal(t, agui.FinishStop, got[len(got)-1].Event.FinishReason)
}

func TestStreamToolAuthorizationRejectSubstitutesResult(t *testing.T) {
	cp := newMemCheckpointer()
	provider := &scriptedProvider{responses: [][]llm.Chunk{
		{toolChunk(0, "d1", "danger", `{}`), {Kind: llm.ChunkDone}},
		{{Kind: llm.ChunkText, Text: "understood"}, {Kind: llm.ChunkDone}},
	}}
	tools := &stubTools{result: "never"}
	exec := NewExecutor(cp, provider, tools)

	events, err := exec.Stream(context.Background(), Input{Messages: []model.Message{userMessage("do it")}}, Config{
		ThreadID:             "ta2",
		AutoAcceptedPlan:     true,
		InterruptBeforeTools: []string{"danger"},
	})
	require.NoError(t, err)
	drain(t, events)

	resumed, err := exec.Stream(context.Background(), Input{Resume: &ResumeDecision{Type: "reject", Reason: "too risky"}}, Config{
		ThreadID:         "ta2",
		AutoAcceptedPlan: true,
	})
	require.NoError(t, err)
	got := drain(t, resumed)

	assert.Empty(t, tools.calls, "rejected tool never runs")
	var sawResult bool
	for _, ev := range got {
		if ev.Kind == agui.KindToolCallResult {
			sawResult = true
			assert.Contains(t, ev.Event.Content, "too risky")
		}
	}
	assert.True(t, sawResult)
}

func TestStreamMaxPlanIterationsHandsOffToReview(t *testing.T) {
	cp := newMemCheckpointer()
	provider := &scriptedProvider{responses: [][]llm.Chunk{
		{toolChunk(0, "t1", "search", `{}`), {Kind: llm.ChunkDone}},
		{toolChunk(0, "t2", "search", `{}`), {Kind: llm.ChunkDone}},
	}}
	tools := &stubTools{result: "found"}
	exec := NewExecutor(cp, provider, tools)

	events, err := exec.Stream(context.Background(), Input{Messages: []model.Message{userMessage("dig deep")}}, Config{
		ThreadID:          "tp1",
		AutoAcceptedPlan:  true,
		MaxPlanIterations: 2,
	})
	require.NoError(t, err)
	got := drain(t, events)

	assert.Equal(t, []string{"search", "search"}, tools.calls, "base stops re-entering at the cap")
	assert.Equal(t, agui.FinishStop, got[len(got)-1].Event.FinishReason)
}

func TestStreamRecursionExhausted(t *testing.T) {
	cp := newMemCheckpointer()
	provider := &scriptedProvider{responses: [][]llm.Chunk{
		{{Kind: llm.ChunkText, Text: "hello"}, {Kind: llm.ChunkDone}},
	}}
	exec := NewExecutor(cp, provider, nil)

	events, err := exec.Stream(context.Background(), Input{Messages: []model.Message{userMessage("hi")}}, Config{
		ThreadID:         "t6",
		AutoAcceptedPlan: true,
		RecursionLimit:   1,
	})
	require.NoError(t, err)
	got := drain(t, events)

	last := got[len(got)-1]
	assert.Equal(t, agui.KindError, last.Kind)
	assert.Equal(t, "recursion_exhausted", last.Event.Error)
}

type fakeMemory struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
	puts    map[string]string
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{entries: map[string]json.RawMessage{}, puts: map[string]string{}}
}

func (f *fakeMemory) Put(_ context.Context, prefix, key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[prefix+"/"+key] = fmt.Sprint(value)
	return nil
}

func (f *fakeMemory) Get(_ context.Context, prefix, key string) (memory.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[prefix+"/"+key]
	if !ok {
		return memory.Entry{}, memory.ErrNotFound
	}
	return memory.Entry{Value: v}, nil
}

func TestStreamMemorySeedAndRecord(t *testing.T) {
	cp := newMemCheckpointer()
	provider := &scriptedProvider{responses: [][]llm.Chunk{
		{{Kind: llm.ChunkText, Text: "answer"}, {Kind: llm.ChunkDone}},
	}}
	mem := newFakeMemory()
	mem.entries["agent_memory:u1/notes"] = json.RawMessage(`"prefers Go"`)

	exec := NewExecutor(cp, provider, nil).WithMemory(mem)

	events, err := exec.Stream(context.Background(), Input{Messages: []model.Message{userMessage("hi")}}, Config{
		ThreadID:                      "tm1",
		UserID:                        "u1",
		AutoAcceptedPlan:              true,
		EnableBackgroundInvestigation: true,
	})
	require.NoError(t, err)
	drain(t, events)

	state, _, err := cp.LatestState(context.Background(), "tm1")
	require.NoError(t, err)

	var sawNotes bool
	for _, m := range state.Messages {
		if m.Role == model.RoleSystem && m.Text() != "" {
			sawNotes = true
			assert.Contains(t, m.Text(), "prefers Go")
		}
	}
	assert.True(t, sawNotes, "stored notes seed the conversation")
	assert.Equal(t, "answer", mem.puts["agent_memory:u1/tm1"])
}

func TestToProviderMessageCarriesToolStructure(t *testing.T) {
	assistant := toProviderMessage(model.Message{
		ID:   "m1",
		Role: model.RoleAssistant,
		ToolCalls: []model.ToolCallRequest{
			{ID: "t1", Name: "echo", Args: `{"x":1}`},
		},
	})
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "t1", assistant.ToolCalls[0].ID)
	assert.Equal(t, "echo", assistant.ToolCalls[0].Name)
	assert.Equal(t, `{"x":1}`, assistant.ToolCalls[0].Args)

	tool := toProviderMessage(model.Message{
		ID:            "m2",
		Role:          model.RoleTool,
		ToolCallID:    "t1",
		ContentBlocks: []model.ContentBlock{{Type: model.BlockText, Text: "echoed"}},
	})
	assert.Equal(t, "t1", tool.ToolCallID)
	assert.Equal(t, "echoed", tool.Content)
	assert.Empty(t, tool.Parts)
}

func TestToProviderMessagePreservesMultimodalBlocks(t *testing.T) {
	msg := toProviderMessage(model.Message{
		ID:   "m1",
		Role: model.RoleUser,
		ContentBlocks: []model.ContentBlock{
			{Type: model.BlockText, Text: "what is this"},
			{Type: model.BlockImage, URL: "https://x/y.png"},
			{Type: model.BlockImage, Data: "aGk=", Mime: "image/png"},
		},
	})

	require.Len(t, msg.Parts, 3)
	assert.Equal(t, "text", msg.Parts[0].Type)
	assert.Equal(t, "what is this", msg.Parts[0].Text)
	assert.Equal(t, "https://x/y.png", msg.Parts[1].URL)
	assert.Equal(t, "aGk=", msg.Parts[2].Data)
	assert.Equal(t, "image/png", msg.Parts[2].Mime)
	assert.Empty(t, msg.Content, "multimodal messages use parts, not the text fast path")
}

func TestStreamBackgroundInvestigatorBypass(t *testing.T) {
	cp := newMemCheckpointer()
	provider := &scriptedProvider{responses: [][]llm.Chunk{
		{{Kind: llm.ChunkText, Text: "direct"}, {Kind: llm.ChunkDone}},
	}}
	exec := NewExecutor(cp, provider, nil)

	events, err := exec.Stream(context.Background(), Input{Messages: []model.Message{userMessage("hi")}}, Config{
		ThreadID:                      "t7",
		AutoAcceptedPlan:              true,
		EnableBackgroundInvestigation: false,
	})
	require.NoError(t, err)
	got := drain(t, events)
	assert.Equal(t, agui.KindMessageChunk, got[0].Kind)
}
