package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idx(i int) *int { return &i }

func TestReassemblerConcatenatesArgsInArrivalOrder(t *testing.T) {
	r := NewReassembler(nil)
	r.Add(RawToolCallChunk{Index: idx(0), ID: "t1", Name: "echo", Args: `{"x":`})
	r.Add(RawToolCallChunk{Index: idx(0), Args: `1}`})

	groups := r.Snapshot()
	require.Len(t, groups, 1)
	assert.Equal(t, "t1", groups[0].ID)
	assert.Equal(t, "echo", groups[0].Name)
	assert.Equal(t, `{"x":1}`, groups[0].Args)
}

func TestReassemblerInterleavedIndices(t *testing.T) {
	r := NewReassembler(nil)
	r.Add(RawToolCallChunk{Index: idx(0), ID: "a", Name: "read", Args: `{"path":`})
	r.Add(RawToolCallChunk{Index: idx(1), ID: "b", Name: "write", Args: `{"data":`})
	r.Add(RawToolCallChunk{Index: idx(0), Args: `"/tmp"}`})
	r.Add(RawToolCallChunk{Index: idx(1), Args: `"hi"}`})

	groups := r.Snapshot()
	require.Len(t, groups, 2)
	assert.Equal(t, `{"path":"/tmp"}`, groups[0].Args)
	assert.Equal(t, `{"data":"hi"}`, groups[1].Args)
}

func TestReassemblerAdoptsFirstNonEmptyName(t *testing.T) {
	r := NewReassembler(nil)
	r.Add(RawToolCallChunk{Index: idx(0), Args: "{"})
	r.Add(RawToolCallChunk{Index: idx(0), Name: "first", ID: "id1"})
	r.Add(RawToolCallChunk{Index: idx(0), Name: "first", Args: "}"})

	g, ok := r.ByIndex(0)
	require.True(t, ok)
	assert.Equal(t, "first", g.Name)
	assert.Equal(t, "id1", g.ID)
	assert.Equal(t, "{}", g.Args)
}

func TestReassemblerWarnsOnNameMismatch(t *testing.T) {
	var gotHave, gotGot string
	r := NewReassembler(func(_ int, have, got string) {
		gotHave, gotGot = have, got
	})
	r.Add(RawToolCallChunk{Index: idx(2), Name: "alpha"})
	r.Add(RawToolCallChunk{Index: idx(2), Name: "beta"})

	assert.Equal(t, "alpha", gotHave)
	assert.Equal(t, "beta", gotGot)

	g, _ := r.ByIndex(2)
	assert.Equal(t, "alpha", g.Name, "first non-empty name wins")
}

func TestReassemblerStandaloneChunksStaySeparate(t *testing.T) {
	r := NewReassembler(nil)
	r.Add(RawToolCallChunk{Name: "solo1", Args: "{}"})
	r.Add(RawToolCallChunk{Name: "solo2", Args: "{}"})

	groups := r.Snapshot()
	require.Len(t, groups, 2)
	assert.Equal(t, "solo1", groups[0].Name)
	assert.Equal(t, "solo2", groups[1].Name)
	assert.NotEqual(t, groups[0].Index, groups[1].Index)
}
