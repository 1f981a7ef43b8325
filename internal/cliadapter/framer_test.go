package cliadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramer_SingleCompleteLine(t *testing.T) {
	var f Framer
	events := f.Feed([]byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Bash","input":{}}]}}` + "\n"))
	require.Len(t, events, 1)
	assert.Equal(t, EventToolCall, events[0].Kind)
	assert.Equal(t, "Bash", events[0].ToolName)
}

func TestFramer_PartialFrameAcrossArbitraryChunkBoundaries(t *testing.T) {
	line := `{"type":"result","subtype":"success","result":"done","session_id":"sess-42","usage":{"input_tokens":10,"output_tokens":5},"total_cost_usd":0.02}` + "\n"

	var f Framer
	var all []Event
	// split into single-byte chunks to exercise arbitrary reassembly
	for i := 0; i < len(line); i++ {
		all = append(all, f.Feed([]byte{line[i]})...)
	}

	require.Len(t, all, 1)
	ev := all[0]
	assert.Equal(t, EventCompletion, ev.Kind)
	assert.True(t, ev.Success)
	assert.Equal(t, "sess-42", ev.SessionID)
	assert.Equal(t, 15, ev.Usage.Total())
	assert.InDelta(t, 0.02, ev.CostUSD, 0.0001)
}

func TestFramer_MultipleLinesInOneChunk(t *testing.T) {
	chunk := `{"type":"tool_progress","tool_use_id":"t1","tool_name":"Bash"}` + "\n" +
		`{"type":"system","subtype":"init"}` + "\n" +
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t2","name":"AskUserQuestion","input":{"question":"proceed?"}}]}}` + "\n"

	var f Framer
	events := f.Feed([]byte(chunk))
	require.Len(t, events, 2) // system message is dropped
	assert.Equal(t, EventToolCall, events[0].Kind)
	assert.True(t, events[0].IsProgress)
	assert.Equal(t, EventQuestion, events[1].Kind)
	assert.Equal(t, "proceed?", events[1].Question)
}

func TestFramer_TrailingBufferFlushedOnClose(t *testing.T) {
	var f Framer
	events := f.Feed([]byte(`{"type":"tool_progress","tool_use_id":"t1","tool_name":"Bash"`))
	assert.Empty(t, events)

	final := f.Feed([]byte(`}`)) // no trailing newline yet
	assert.Empty(t, final)

	closed := f.Close()
	require.Len(t, closed, 1)
	assert.Equal(t, EventToolCall, closed[0].Kind)
}

func TestFramer_MalformedLineDropped(t *testing.T) {
	var f Framer
	events := f.Feed([]byte("not json at all\n"))
	assert.Empty(t, events)
}

func TestFramer_ErrorResultDefaultsToUnknownError(t *testing.T) {
	var f Framer
	events := f.Feed([]byte(`{"type":"result","subtype":"error_during_execution","usage":{}}` + "\n"))
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Equal(t, []string{"Unknown error"}, events[0].Errors)
}

func TestFramer_ErrorResultUsesErrorsField(t *testing.T) {
	var f Framer
	events := f.Feed([]byte(`{"type":"result","subtype":"error_during_execution","errors":["boom","bang"]}` + "\n"))
	require.Len(t, events, 1)
	assert.Equal(t, []string{"boom", "bang"}, events[0].Errors)
}

func TestFramer_EmptyCloseIsNoop(t *testing.T) {
	var f Framer
	assert.Empty(t, f.Close())
}
