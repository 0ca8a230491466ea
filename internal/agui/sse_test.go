package agui

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterSetsSSEHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	_, err := NewWriter(rec)
	require.NoError(t, err)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}

func TestWriterFramesEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteEvent(KindMessageChunk, MessageChunk("th", "m1", "assistant", "Hi", "")))

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "event: message_chunk\ndata: "))
	require.True(t, strings.HasSuffix(body, "\n\n"))

	payload := strings.TrimSuffix(strings.TrimPrefix(body, "event: message_chunk\ndata: "), "\n\n")
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &decoded))
	assert.Equal(t, "th", decoded["thread_id"])
	assert.Equal(t, "Hi", decoded["delta"])
}

func TestEventOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Event{ThreadID: "th"})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, map[string]any{"thread_id": "th"}, decoded)
}

func TestInterruptEventCarriesOptionsAndFinishReason(t *testing.T) {
	ev := InterruptEvent("th", "i1", map[string]any{"questions": []string{"Framework?"}}, []string{"approve", "edit", "reject"})
	assert.Equal(t, FinishInterrupt, ev.FinishReason)
	assert.Equal(t, []string{"approve", "edit", "reject"}, ev.Options)
	assert.Equal(t, "assistant", ev.Role)
}
