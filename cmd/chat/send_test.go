package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tokligence/tokligence-chat/internal/uistream"
)

func TestRendererInterleavesTextAndTools(t *testing.T) {
	var out, errOut bytes.Buffer
	r := &renderer{out: &out, errOut: &errOut}
	records := []uistream.Record{
		{Type: uistream.TypeStart, Data: map[string]any{"type": "start"}},
		{Type: uistream.TypeTextDelta, Data: map[string]any{"delta": "Let me"}},
		{Type: uistream.TypeTextDelta, Data: map[string]any{"delta": " check."}},
		{Type: uistream.TypeToolInputAvailable, Data: map[string]any{"toolName": "multiply", "input": map[string]any{"a": 2.0, "b": 3.0}}},
		{Type: uistream.TypeToolOutputAvailable, Data: map[string]any{"output": 6.0}},
		{Type: uistream.TypeTextDelta, Data: map[string]any{"delta": "It is 6."}},
		{Type: uistream.TypeFinish, Data: map[string]any{"type": "finish"}},
		{Type: uistream.TypeDone, Done: true},
	}
	for _, rec := range records {
		require.NoError(t, r.render(rec))
	}
	require.Equal(t, "Let me check.\n[tool multiply] {\"a\":2,\"b\":3}\n[tool result] 6\nIt is 6.\n", out.String())
	require.Empty(t, errOut.String())
	require.Empty(t, r.failed)
}

func TestRendererReportsErrors(t *testing.T) {
	var out, errOut bytes.Buffer
	r := &renderer{out: &out, errOut: &errOut}
	require.NoError(t, r.render(uistream.Record{Type: uistream.TypeError, Data: map[string]any{"errorText": "boom"}}))
	require.Equal(t, "boom", r.failed)
	require.Equal(t, "error: boom\n", errOut.String())
}

func TestOneLine(t *testing.T) {
	require.Equal(t, "a b", oneLine("a\nb"))
	long := "0123456789012345678901234567890123456789012345678901234567890123456789"
	require.Len(t, oneLine(long), 60)
}
